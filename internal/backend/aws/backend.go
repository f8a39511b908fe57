package aws

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/time/rate"

	"appstack/internal/backend"
	"appstack/internal/observability"
)

// Defaults for Options.
const (
	DefaultRequestsPerSecond = 5
	DefaultBurst             = 10
	DefaultInstanceTimeout   = 10 * time.Minute
	DefaultClusterTimeout    = 45 * time.Minute
)

// Options tunes the AWS backend.
type Options struct {
	// RequestsPerSecond caps API calls across all services.
	RequestsPerSecond float64
	Burst             int
	InstanceTimeout   time.Duration
	ClusterTimeout    time.Duration
	// PollInterval is the delay between cluster deletion checks.
	PollInterval time.Duration
	Metrics      *observability.Metrics
	Logger       observability.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if o.Burst <= 0 {
		o.Burst = DefaultBurst
	}
	if o.InstanceTimeout <= 0 {
		o.InstanceTimeout = DefaultInstanceTimeout
	}
	if o.ClusterTimeout <= 0 {
		o.ClusterTimeout = DefaultClusterTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = observability.Discard()
	}
	return o
}

// Clients bundles the service clients the backend drives.
type Clients struct {
	EC2     EC2API
	RDS     RDSAPI
	IAM     IAMAPI
	Secrets SecretsAPI
}

// NewClients creates service clients from cfg.
func NewClients(cfg aws.Config) Clients {
	return Clients{
		EC2:     ec2.NewFromConfig(cfg),
		RDS:     rds.NewFromConfig(cfg),
		IAM:     iam.NewFromConfig(cfg),
		Secrets: secretsmanager.NewFromConfig(cfg),
	}
}

// Backend provisions resources with the AWS SDK. Every Ensure call first
// looks the resource up by its appstack tags or deterministic name, so a
// rerun reuses what an earlier run created.
type Backend struct {
	ec2     EC2API
	rds     RDSAPI
	iam     IAMAPI
	secrets SecretsAPI
	limiter *rate.Limiter
	opts    Options
	logger  observability.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates a backend from clients.
func New(clients Clients, opts Options) *Backend {
	opts = opts.withDefaults()
	return &Backend{
		ec2:     clients.EC2,
		rds:     clients.RDS,
		iam:     clients.IAM,
		secrets: clients.Secrets,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		opts:    opts,
		logger:  opts.Logger.WithComponent("aws"),
	}
}

// throttle blocks until the limiter admits one more API call.
func (b *Backend) throttle(ctx context.Context) error {
	start := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		b.opts.Metrics.RecordRateLimitWait(waited)
	}
	return nil
}

func tagSpecs(rt ec2types.ResourceType, applicationID int, logicalID string) []ec2types.TagSpecification {
	tags := backend.Tags(applicationID, logicalID)
	spec := ec2types.TagSpecification{ResourceType: rt}
	for _, k := range []string{backend.TagApplicationID, backend.TagLogicalID, backend.TagName} {
		spec.Tags = append(spec.Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return []ec2types.TagSpecification{spec}
}

func ownedFilters(applicationID int, logicalID string) []ec2types.Filter {
	return []ec2types.Filter{
		{Name: aws.String("tag:" + backend.TagApplicationID), Values: []string{strconv.Itoa(applicationID)}},
		{Name: aws.String("tag:" + backend.TagLogicalID), Values: []string{logicalID}},
	}
}
