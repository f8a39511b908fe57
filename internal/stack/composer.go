// Package stack composes an application stack: it runs the importer,
// allocator, security graph builder and provisioner, realises the declared
// resources through a backend, tears down resources that are no longer
// declared and publishes the operator outputs.
package stack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"appstack/internal/allocator"
	"appstack/internal/backend"
	"appstack/internal/domain"
	"appstack/internal/keypair"
	"appstack/internal/observability"
	"appstack/internal/output"
	"appstack/internal/provision"
	"appstack/internal/secgraph"
	"appstack/internal/storage"
)

// Pipeline stage names, used in logs, metrics and BackendError.
const (
	StageImport        = "import"
	StageAllocate      = "allocate"
	StageSecurityGraph = "secgraph"
	StageProvision     = "provision"
	StageNetwork       = "network"
	StageSecurity      = "security"
	StageCompute       = "compute"
	StageDatabase      = "database"
	StageTeardown      = "teardown"
	StageOutputs       = "outputs"
)

// teardownOrder deletes instances before the profiles they may use.
var teardownOrder = []domain.ResourceKind{
	domain.KindInstance,
	domain.KindDatabaseCluster,
	domain.KindInstanceProfile,
}

// Resolver produces the shared context. *importer.Importer implements it.
type Resolver interface {
	Resolve(ctx context.Context) (domain.SharedContext, error)
}

// Request is one composition request.
type Request struct {
	ApplicationID int
	ZoneCount     int
	InstanceCount int
	Flags         domain.FeatureFlags
}

// Config wires a Composer.
type Config struct {
	Importer Resolver
	// Backend is required by Deploy only.
	Backend     backend.Backend
	Store       storage.Store
	Provisioner *provision.Provisioner
	// KeyPair supplies the public key imported when instances are declared.
	KeyPair   keypair.KeyPair
	Allocator allocator.Options
	SecGraph  secgraph.Options
	// Sinks receive the outputs in addition to the store.
	Sinks   []output.Sink
	Logger  observability.Logger
	Metrics *observability.Metrics
}

// Composer runs composition passes. A Composer is not safe for concurrent
// Deploy calls for the same application.
type Composer struct {
	importer    Resolver
	backend     backend.Backend
	store       storage.Store
	provisioner *provision.Provisioner
	keyPair     keypair.KeyPair
	allocator   allocator.Options
	secgraph    secgraph.Options
	sinks       []output.Sink
	logger      observability.Logger
	metrics     *observability.Metrics
}

// New creates a Composer. A missing store defaults to an in-memory one and
// a missing provisioner to one with default options.
func New(cfg Config) *Composer {
	c := &Composer{
		importer:    cfg.Importer,
		backend:     cfg.Backend,
		store:       cfg.Store,
		provisioner: cfg.Provisioner,
		keyPair:     cfg.KeyPair,
		allocator:   cfg.Allocator,
		secgraph:    cfg.SecGraph,
		sinks:       cfg.Sinks,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if c.store == nil {
		c.store = storage.NewMemoryStore()
	}
	if c.provisioner == nil {
		c.provisioner = provision.New(provision.Options{})
	}
	if c.logger == nil {
		c.logger = observability.Discard()
	}
	c.logger = c.logger.WithComponent("stack")
	return c
}

func (c *Composer) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx = observability.WithStage(ctx, name)
	start := time.Now()
	err := fn(ctx)
	c.metrics.RecordStage(name, time.Since(start))
	if err != nil {
		c.logger.DebugContext(ctx, "stage failed", "error", err)
	}
	return err
}

// Deploy plans and realises the stack of req.ApplicationID and records the
// run. Configuration errors are returned before anything is recorded. Once
// realisation starts the run is recorded as running, then as completed or
// failed; a failed run keeps the records of everything realised so far.
func (c *Composer) Deploy(ctx context.Context, req Request) (*domain.Deployment, error) {
	if c.backend == nil {
		return nil, ErrNoBackend
	}
	runID := uuid.New()
	ctx = observability.WithRunID(ctx, runID.String())
	ctx = observability.WithApplicationID(ctx, req.ApplicationID)

	p, err := c.Plan(ctx, req)
	if err != nil {
		c.metrics.RecordDeployment(string(domain.DeploymentStatusFailed))
		return nil, err
	}

	now := time.Now().UTC()
	d := domain.Deployment{
		ID:            runID,
		ApplicationID: req.ApplicationID,
		Status:        domain.DeploymentStatusRunning,
		Flags:         req.Flags,
		ZoneCount:     req.ZoneCount,
		InstanceCount: p.InstanceCount,
		Graph:         p.Graph,
		CreatedAt:     now,
	}
	if p.Previous != nil {
		d.Subnets = append([]domain.SubnetRecord(nil), p.Previous.Subnets...)
		d.Resources = append([]domain.ResourceRecord(nil), p.Previous.Resources...)
	}
	if err := c.store.SaveDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	c.logger.InfoContext(ctx, "deployment started", "zones", req.ZoneCount, "instances", p.InstanceCount)

	r := &run{Composer: c, plan: p, deployment: &d, realised: make(map[string]domain.ResourceRecord)}
	for _, step := range []func(context.Context) error{r.network, r.security, r.compute, r.database, r.teardown, r.outputs} {
		if err := step(ctx); err != nil {
			return c.fail(ctx, &d, err)
		}
	}

	completedAt := time.Now().UTC()
	d.Status = domain.DeploymentStatusCompleted
	d.CompletedAt = &completedAt
	if err := c.store.SaveDeployment(ctx, d); err != nil {
		return &d, fmt.Errorf("record deployment: %w", err)
	}
	c.metrics.RecordDeployment(string(d.Status))
	c.logger.InfoContext(ctx, "deployment completed",
		"resources", len(d.Resources),
		"outputs", len(d.Outputs),
		"duration", completedAt.Sub(now).String())
	return &d, nil
}

func (c *Composer) fail(ctx context.Context, d *domain.Deployment, err error) (*domain.Deployment, error) {
	completedAt := time.Now().UTC()
	d.Status = domain.DeploymentStatusFailed
	d.CompletedAt = &completedAt
	d.ErrorMessage = err.Error()
	if saveErr := c.store.SaveDeployment(ctx, *d); saveErr != nil {
		c.logger.ErrorContext(ctx, "failed to record deployment", "error", saveErr)
	}
	c.metrics.RecordDeployment(string(d.Status))
	c.logger.ErrorContext(ctx, "deployment failed", "error", err)
	return d, err
}

// run holds the state of one Deploy pass.
type run struct {
	*Composer
	plan       *Plan
	deployment *domain.Deployment

	subnets  map[string]backend.SubnetResult
	groupID  string
	profiles map[string]string
	realised map[string]domain.ResourceRecord
}

func (r *run) appID() int { return r.plan.Request.ApplicationID }

func (r *run) network(ctx context.Context) error {
	return r.stage(ctx, StageNetwork, func(ctx context.Context) error {
		r.subnets = make(map[string]backend.SubnetResult, len(r.plan.Subnets.Subnets))
		records := make([]domain.SubnetRecord, 0, len(r.plan.Subnets.Subnets))
		for _, s := range r.plan.Subnets.Subnets {
			res, err := r.backend.EnsureSubnet(ctx, r.appID(), r.plan.Shared.VpcID, s)
			if err != nil {
				return &BackendError{Stage: StageNetwork, LogicalID: s.LogicalID, Err: err}
			}
			r.subnets[s.LogicalID] = res
			rec := domain.SubnetRecord{Subnet: s, SubnetID: res.SubnetID, RouteTableID: res.RouteTableID}
			records = append(records, rec)
			r.deployment.Subnets = upsertSubnet(r.deployment.Subnets, rec)
		}
		for _, route := range r.plan.Subnets.Routes {
			res, ok := r.subnets[route.SubnetLogicalID]
			if !ok {
				return fmt.Errorf("route %s references undeclared subnet %s", route.LogicalID, route.SubnetLogicalID)
			}
			if err := r.backend.EnsureRoute(ctx, res.RouteTableID, route); err != nil {
				return &BackendError{Stage: StageNetwork, LogicalID: route.LogicalID, Err: err}
			}
		}
		// A shrunk zone count drops the tail from the record; the subnets
		// themselves stay until an operator removes them.
		r.deployment.Subnets = records
		return nil
	})
}

func (r *run) security(ctx context.Context) error {
	return r.stage(ctx, StageSecurity, func(ctx context.Context) error {
		graph := r.plan.Graph
		id, err := r.backend.EnsureSecurityGroup(ctx, r.appID(), graph.AppGroup)
		if err != nil {
			return &BackendError{Stage: StageSecurity, LogicalID: graph.AppGroup.LogicalID, Err: err}
		}
		r.groupID = id
		graph.AppGroup.ID = id

		if err := r.backend.AuthorizeIngress(ctx, id, r.resolvePeers(graph.AppGroup.Rules)); err != nil {
			return &BackendError{Stage: StageSecurity, LogicalID: graph.AppGroup.LogicalID, Err: err}
		}
		for _, sharedID := range secgraph.SharedGroupIDs(graph) {
			if err := r.backend.AuthorizeIngress(ctx, sharedID, r.resolvePeers(graph.SharedGrants[sharedID])); err != nil {
				return &BackendError{Stage: StageSecurity, LogicalID: sharedID, Err: err}
			}
		}
		r.deployment.Graph = graph
		return nil
	})
}

// resolvePeers replaces references to the application group's logical id
// with its physical id.
func (r *run) resolvePeers(rules []domain.Rule) []domain.Rule {
	out := make([]domain.Rule, len(rules))
	for i, rule := range rules {
		if rule.Peer.GroupRef == secgraph.AppGroupLogicalID {
			rule.Peer.GroupRef = r.groupID
		}
		out[i] = rule
	}
	return out
}

func (r *run) groupFor(logicalID string) (string, error) {
	if logicalID != secgraph.AppGroupLogicalID {
		return "", fmt.Errorf("%w: %s", backend.ErrUnknownGroup, logicalID)
	}
	return r.groupID, nil
}

func (r *run) compute(ctx context.Context) error {
	instances := r.plan.Instances()
	r.profiles = make(map[string]string)
	return r.stage(ctx, StageCompute, func(ctx context.Context) error {
		if len(instances) > 0 {
			name := r.provisioner.KeyName()
			if _, err := r.backend.EnsureKeyPair(ctx, name, r.keyPair.PublicKey); err != nil {
				return &BackendError{Stage: StageCompute, LogicalID: name, Err: err}
			}
		}
		for _, res := range r.plan.Resources {
			p, ok := res.(*domain.InstanceProfile)
			if !ok {
				continue
			}
			rec, err := r.backend.EnsureInstanceProfile(ctx, r.appID(), p)
			if err != nil {
				return &BackendError{Stage: StageCompute, LogicalID: p.LogicalID, Err: err}
			}
			r.profiles[p.LogicalID] = rec.Attributes[domain.AttrProfileName]
			r.record(rec)
		}
		for _, inst := range instances {
			sub, ok := r.subnets[inst.SubnetLogicalID]
			if !ok {
				return fmt.Errorf("instance %s references undeclared subnet %s", inst.LogicalID, inst.SubnetLogicalID)
			}
			groupID, err := r.groupFor(inst.SecurityGroupLogicalID)
			if err != nil {
				return fmt.Errorf("instance %s: %w", inst.LogicalID, err)
			}
			placement := backend.InstancePlacement{SubnetID: sub.SubnetID, SecurityGroupID: groupID}
			if inst.ProfileLogicalID != "" {
				placement.ProfileName = r.profiles[inst.ProfileLogicalID]
			}
			rec, err := r.backend.EnsureInstance(ctx, r.appID(), inst, placement)
			if err != nil {
				return &BackendError{Stage: StageCompute, LogicalID: inst.LogicalID, Err: err}
			}
			r.record(rec)
		}
		return nil
	})
}

func (r *run) database(ctx context.Context) error {
	return r.stage(ctx, StageDatabase, func(ctx context.Context) error {
		for _, res := range r.plan.Resources {
			cl, ok := res.(*domain.DatabaseCluster)
			if !ok {
				continue
			}
			placement := backend.ClusterPlacement{}
			for _, id := range cl.SubnetLogicalIDs {
				sub, ok := r.subnets[id]
				if !ok {
					return fmt.Errorf("cluster %s references undeclared subnet %s", cl.LogicalID, id)
				}
				placement.SubnetIDs = append(placement.SubnetIDs, sub.SubnetID)
			}
			groupID, err := r.groupFor(cl.SecurityGroupLogicalID)
			if err != nil {
				return fmt.Errorf("cluster %s: %w", cl.LogicalID, err)
			}
			placement.SecurityGroupID = groupID
			rec, err := r.backend.EnsureDatabaseCluster(ctx, r.appID(), cl, placement)
			if err != nil {
				return &BackendError{Stage: StageDatabase, LogicalID: cl.LogicalID, Err: err}
			}
			r.record(rec)
		}
		return nil
	})
}

func (r *run) teardown(ctx context.Context) error {
	if len(r.plan.Removed) == 0 {
		return nil
	}
	return r.stage(ctx, StageTeardown, func(ctx context.Context) error {
		for _, kind := range teardownOrder {
			for _, rec := range r.plan.Removed {
				if rec.Kind != kind {
					continue
				}
				if rec.RemovalPolicy == domain.RemovalRetain {
					r.logger.InfoContext(ctx, "leaving retained resource", "logical_id", rec.LogicalID, "physical_id", rec.PhysicalID)
					r.deployment.Resources = dropResource(r.deployment.Resources, rec.LogicalID)
					continue
				}
				err := r.backend.DeleteResource(ctx, rec)
				switch {
				case errors.Is(err, backend.ErrNotFound):
					r.logger.WarnContext(ctx, "resource already gone", "logical_id", rec.LogicalID, "physical_id", rec.PhysicalID)
				case err != nil:
					return &BackendError{Stage: StageTeardown, LogicalID: rec.LogicalID, Err: err}
				default:
					r.logger.InfoContext(ctx, "removed resource", "logical_id", rec.LogicalID, "kind", string(rec.Kind), "policy", string(rec.RemovalPolicy))
				}
				r.deployment.Resources = dropResource(r.deployment.Resources, rec.LogicalID)
			}
		}
		return nil
	})
}

func (r *run) outputs(ctx context.Context) error {
	return r.stage(ctx, StageOutputs, func(ctx context.Context) error {
		sinks := append(append([]output.Sink(nil), r.sinks...), output.StoreSink{Store: r.store, ApplicationID: r.appID()})
		em := output.NewEmitter(sinks...)
		for _, rec := range r.plan.Outputs {
			value, err := output.ResolveTokens(rec.Value, r.lookup)
			if err != nil {
				return fmt.Errorf("output %s: %w", rec.Label, err)
			}
			if err := em.Add(domain.OutputRecord{Label: rec.Label, Value: value}); err != nil {
				return err
			}
		}
		if err := em.Publish(ctx); err != nil {
			return fmt.Errorf("publish outputs: %w", err)
		}
		r.deployment.Outputs = em.Records()
		return nil
	})
}

func (r *run) lookup(logicalID, attribute string) (string, bool) {
	rec, ok := r.realised[logicalID]
	if !ok {
		return "", false
	}
	v := rec.Attributes[attribute]
	return v, v != ""
}

func (r *run) record(rec domain.ResourceRecord) {
	r.realised[rec.LogicalID] = rec
	r.deployment.Resources = upsertResource(r.deployment.Resources, rec)
}

func upsertResource(recs []domain.ResourceRecord, rec domain.ResourceRecord) []domain.ResourceRecord {
	for i := range recs {
		if recs[i].LogicalID == rec.LogicalID {
			recs[i] = rec
			return recs
		}
	}
	return append(recs, rec)
}

func dropResource(recs []domain.ResourceRecord, logicalID string) []domain.ResourceRecord {
	out := recs[:0]
	for _, r := range recs {
		if r.LogicalID != logicalID {
			out = append(out, r)
		}
	}
	return out
}

func upsertSubnet(recs []domain.SubnetRecord, rec domain.SubnetRecord) []domain.SubnetRecord {
	for i := range recs {
		if recs[i].Subnet.LogicalID == rec.Subnet.LogicalID {
			recs[i] = rec
			return recs
		}
	}
	return append(recs, rec)
}
