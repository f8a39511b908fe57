// Command appstack plans and deploys the network segment, compute instances
// and database clusters of one application inside the shared environment.
package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"appstack/internal/allocator"
	"appstack/internal/audit"
	"appstack/internal/backend"
	awsbackend "appstack/internal/backend/aws"
	"appstack/internal/domain"
	"appstack/internal/flags"
	"appstack/internal/images"
	"appstack/internal/importer"
	"appstack/internal/keypair"
	"appstack/internal/observability"
	"appstack/internal/output"
	"appstack/internal/provision"
	"appstack/internal/secgraph"
	"appstack/internal/stack"
	"appstack/internal/storage"
)

const version = "dev"

func main() {
	a := &app{out: os.Stdout}
	err := a.rootCmd().ExecuteContext(context.Background())
	a.close()
	if err != nil {
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand.
type app struct {
	out io.Writer

	configPath  string
	appID       int
	zones       int
	instances   int
	metricsFile string

	cfg     *Config
	logger  observability.Logger
	metrics *observability.Metrics
	store   storage.Store
	journal audit.AuditLogger
	sentry  bool

	awsCfg *aws.Config
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "appstack",
		Short:         "Provision an application segment in the shared environment",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "path to YAML config file (optional, can use env vars)")
	pf.IntVar(&a.appID, "app-id", 0, "application id, selects the third octet of the subnet ranges")
	pf.IntVar(&a.zones, "max-azs", 0, "number of availability zones to span")
	pf.IntVar(&a.instances, "instances", 0, "number of development instances when EC2 is enabled")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus text metrics to this file on exit")

	root.AddCommand(a.planCmd(), a.deployCmd(), a.outputsCmd(), a.historyCmd(), a.journalCmd())
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	logCfg := observability.ConfigFromEnv()
	logCfg.Output = os.Stderr
	a.logger = observability.NewLogger(logCfg)

	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		a.logger.Error("failed to load config", "error", err)
		return err
	}
	flagSet := cmd.Flags()
	if flagSet.Changed("app-id") {
		cfg.ApplicationID = a.appID
	}
	if flagSet.Changed("max-azs") {
		cfg.Zones = a.zones
	}
	if flagSet.Changed("instances") {
		cfg.Instances = a.instances
	}
	if flagSet.Changed("metrics-file") {
		cfg.MetricsFile = a.metricsFile
	}
	if err := cfg.Validate(); err != nil {
		a.logger.Error("invalid configuration", "error", err)
		return err
	}
	a.cfg = cfg

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          envOr("APP_VERSION", version),
			AttachStacktrace: true,
		})
		if err != nil {
			a.logger.Warn("sentry initialization failed", "error", err)
		} else {
			a.sentry = true
		}
	}

	metricsCfg := observability.MetricsConfigFromEnv()
	if metricsCfg.Enabled {
		a.metrics = observability.NewMetrics(metricsCfg)
	}

	a.store, a.journal = selectStore(a.logger)
	if hc, ok := a.store.(storage.HealthCheck); ok {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := hc.Ping(ctx); err != nil {
			return fmt.Errorf("store unreachable: %w", err)
		}
		st := hc.Stats()
		a.logger.Debug("store ready", "open_connections", st.OpenConnections, "max_open_connections", st.MaxOpenConnections)
	}
	return nil
}

func (a *app) close() {
	if a.metrics != nil && a.cfg != nil && a.cfg.MetricsFile != "" {
		if err := a.metrics.WriteFile(a.cfg.MetricsFile); err != nil {
			a.logger.Warn("failed to write metrics", "path", a.cfg.MetricsFile, "error", err)
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.sentry {
		sentry.Flush(2 * time.Second)
	}
}

// report sends a fatal error to Sentry when it is enabled.
func (a *app) report(err error) error {
	if err != nil && a.sentry {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("application_id", fmt.Sprint(a.cfg.ApplicationID))
			sentry.CaptureException(err)
		})
	}
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) loadAWS(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awsbackend.LoadConfig(ctx, awsbackend.SessionOptions{
		Region:      a.cfg.Region,
		Profile:     a.cfg.Profile,
		RoleARN:     a.cfg.RoleARN,
		ExternalID:  a.cfg.ExternalID,
		SessionName: fmt.Sprintf("appstack-%d", a.cfg.ApplicationID),
	})
	if err != nil {
		return aws.Config{}, err
	}
	a.awsCfg = &cfg
	return cfg, nil
}

func (a *app) resolver(ctx context.Context) (stack.Resolver, error) {
	if s := a.cfg.Static; s != nil {
		network := importer.StaticNetwork{Zones: s.Zones}
		if s.VpcCIDR != "" {
			network.CIDR = netip.MustParsePrefix(s.VpcCIDR)
		}
		return importer.New(importer.StaticLookup(s.Exports), network, a.cfg.Exports), nil
	}
	awsCfg, err := a.loadAWS(ctx)
	if err != nil {
		return nil, err
	}
	clients := awsbackend.NewClients(awsCfg)
	return importer.New(
		awsbackend.NewExportLookup(cloudformation.NewFromConfig(awsCfg)),
		awsbackend.NewNetworkInspector(clients.EC2),
		a.cfg.Exports,
	), nil
}

func (a *app) provisioner() (*provision.Provisioner, error) {
	opts := provision.Options{
		OS:             a.cfg.OS,
		Arch:           a.cfg.Arch,
		KeyName:        a.cfg.KeyName,
		InstanceType:   a.cfg.InstanceType,
		PrivilegedRole: a.cfg.PrivilegedRole,
	}
	if a.cfg.ImagesFile != "" {
		data, err := os.ReadFile(a.cfg.ImagesFile)
		if err != nil {
			return nil, fmt.Errorf("read images file: %w", err)
		}
		tbl, err := images.Parse(data)
		if err != nil {
			return nil, err
		}
		opts.Images = tbl
	}
	return provision.New(opts), nil
}

// composer wires a Composer against be and store. be may be nil for
// planning.
func (a *app) composer(ctx context.Context, be backend.Backend, store storage.Store, sinks ...output.Sink) (*stack.Composer, error) {
	resolver, err := a.resolver(ctx)
	if err != nil {
		return nil, err
	}
	prov, err := a.provisioner()
	if err != nil {
		return nil, err
	}
	var kp keypair.KeyPair
	if a.cfg.Instances > 0 {
		kp, err = keypair.LoadOrGenerate(a.cfg.KeyDir, prov.KeyName())
		if err != nil {
			return nil, err
		}
	}
	return stack.New(stack.Config{
		Importer:    resolver,
		Backend:     be,
		Store:       store,
		Provisioner: prov,
		KeyPair:     kp,
		Allocator:   allocator.Options{Base: a.cfg.baseNetwork()},
		SecGraph:    secgraph.Options{IngressCIDR: a.cfg.IngressCIDR},
		Sinks:       sinks,
		Logger:      a.logger,
		Metrics:     a.metrics,
	}), nil
}

func (a *app) request() (stack.Request, error) {
	ff, err := flags.FromEnv()
	if err != nil {
		return stack.Request{}, err
	}
	return stack.Request{
		ApplicationID: a.cfg.ApplicationID,
		ZoneCount:     a.cfg.Zones,
		InstanceCount: a.cfg.Instances,
		Flags:         ff,
	}, nil
}

func (a *app) planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show what a deploy would create, grant and remove",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			req, err := a.request()
			if err != nil {
				return err
			}
			c, err := a.composer(ctx, nil, a.store)
			if err != nil {
				return err
			}
			p, err := c.Plan(ctx, req)
			if err != nil {
				return err
			}
			return printPlan(a.out, p)
		},
	}
}

func (a *app) deployCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Realise the application stack and publish its outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			req, err := a.request()
			if err != nil {
				return err
			}

			store, journal := a.store, a.journal
			var be backend.Backend
			if dryRun {
				journal = audit.NewMemoryAuditLogger()
				store, err = dryRunStore(ctx, a.store, req.ApplicationID)
				if err != nil {
					return err
				}
				be = backend.NewMemory()
			} else {
				awsCfg, err := a.loadAWS(ctx)
				if err != nil {
					return a.report(err)
				}
				be = awsbackend.New(awsbackend.NewClients(awsCfg), awsbackend.Options{
					RequestsPerSecond: a.cfg.RequestsPerSecond,
					InstanceTimeout:   a.cfg.InstanceTimeout,
					ClusterTimeout:    a.cfg.ClusterTimeout,
					Metrics:           a.metrics,
					Logger:            a.logger,
				})
			}
			be = backend.Instrument(be, backend.InstrumentOptions{Audit: journal, Metrics: a.metrics, Logger: a.logger})

			c, err := a.composer(ctx, be, store, output.WriterSink{W: a.out, Format: a.cfg.OutputFormat})
			if err != nil {
				return err
			}
			d, err := c.Deploy(ctx, req)
			if err != nil {
				return a.report(err)
			}
			a.logger.Info("deployment recorded", "id", d.ID.String(), "dry_run", dryRun)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "realise against an in-memory backend and leave the store untouched")
	return cmd
}

// dryRunStore returns a memory store seeded with the latest deployment of
// applicationID from src.
func dryRunStore(ctx context.Context, src storage.Store, applicationID int) (storage.Store, error) {
	mem := storage.NewMemoryStore()
	latest, ok, err := src.LatestDeployment(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := mem.SaveDeployment(ctx, latest); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

func (a *app) outputsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "Print the outputs published by the last deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := a.store.Outputs(cmd.Context(), a.cfg.ApplicationID)
			if err != nil {
				return err
			}
			return output.WriterSink{W: a.out, Format: a.cfg.OutputFormat}.Publish(cmd.Context(), records)
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var limit, offset int
	var status string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := storage.DefaultDeploymentQueryOptions().WithLimit(limit).WithOffset(offset)
			if status != "" {
				s := domain.DeploymentStatus(status)
				if !domain.IsValidDeploymentStatus(s) {
					return fmt.Errorf("unknown status %q", status)
				}
				opts.Status = s
			}
			list, err := a.store.ListDeployments(cmd.Context(), a.cfg.ApplicationID, opts)
			if err != nil {
				return err
			}
			return printHistory(a.out, list)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of deployments")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of deployments to skip")
	cmd.Flags().StringVar(&status, "status", "", "only show deployments with this status")
	return cmd
}

func (a *app) journalCmd() *cobra.Command {
	var limit int
	var runID string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List backend actions recorded for the application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appID := a.cfg.ApplicationID
			events, total, err := a.journal.List(cmd.Context(), audit.ListOptions{
				Limit:         limit,
				RunID:         runID,
				ApplicationID: &appID,
			})
			if err != nil {
				return err
			}
			return printJournal(a.out, events, total)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().StringVar(&runID, "run", "", "only show events of this deployment id")
	return cmd
}

func printPlan(w io.Writer, p *stack.Plan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "application %d in %s\n\n", p.Request.ApplicationID, p.Shared.VpcID)
	fmt.Fprintln(tw, "SUBNET\tZONE\tCIDR")
	for _, s := range p.Subnets.Subnets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.LogicalID, s.ZoneID, s.CIDR)
	}
	fmt.Fprintln(tw, "\nRESOURCE\tKIND\tREMOVAL")
	for _, r := range p.Resources {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.LogicalName(), r.Kind(), r.Removal())
	}
	if len(p.NewRules) > 0 {
		fmt.Fprintln(tw, "\nNEW RULE\tSOURCE\tDESCRIPTION")
		for _, r := range p.NewRules {
			fmt.Fprintf(tw, "%s %d-%d\t%s\t%s\n", r.Protocol, r.FromPort, r.ToPort, r.Peer, r.Description)
		}
	}
	if len(p.Removed) > 0 {
		fmt.Fprintln(tw, "\nREMOVE\tKIND\tPHYSICAL ID")
		for _, r := range p.Removed {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.LogicalID, r.Kind, r.PhysicalID)
		}
	}
	return tw.Flush()
}

func printHistory(w io.Writer, list []domain.Deployment) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tZONES\tINSTANCES\tRESOURCES\tERROR")
	for _, d := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			d.ID, d.Status, d.CreatedAt.Format(time.RFC3339), d.ZoneCount, d.InstanceCount, len(d.Resources), d.ErrorMessage)
	}
	return tw.Flush()
}

func printJournal(w io.Writer, events []*audit.AuditEvent, total int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tTYPE\tRESOURCE\tPHYSICAL ID\tOK")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
			e.Timestamp.Format(time.RFC3339), e.Action, e.ResourceType, e.ResourceID, e.PhysicalID, e.Success)
	}
	fmt.Fprintf(tw, "\n%d of %d events\n", len(events), total)
	return tw.Flush()
}
