package backend

import (
	"context"
	"time"

	"appstack/internal/audit"
	"appstack/internal/domain"
	"appstack/internal/observability"
)

// Instrumented wraps a Backend, journaling every call to an audit logger
// and counting it in metrics. Audit failures are logged and never fail the
// call.
type Instrumented struct {
	next    Backend
	audit   audit.AuditLogger
	metrics *observability.Metrics
	logger  observability.Logger
}

// InstrumentOptions configures Instrument. Nil fields disable that sink.
type InstrumentOptions struct {
	Audit   audit.AuditLogger
	Metrics *observability.Metrics
	Logger  observability.Logger
}

// Instrument decorates next.
func Instrument(next Backend, opts InstrumentOptions) *Instrumented {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	return &Instrumented{
		next:    next,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  logger.WithComponent("backend"),
	}
}

type call struct {
	applicationID int
	action        string
	resourceType  string
	logicalID     string
	details       map[string]any
	start         time.Time
}

func (b *Instrumented) begin(applicationID int, action, resourceType, logicalID string) *call {
	return &call{applicationID: applicationID, action: action, resourceType: resourceType, logicalID: logicalID, start: time.Now()}
}

func (b *Instrumented) end(ctx context.Context, c *call, physicalID string, err error) {
	elapsed := time.Since(c.start)
	b.metrics.RecordBackendRequest(c.resourceType, c.action, err, elapsed)

	if err != nil {
		b.logger.WarnContext(ctx, "backend request failed",
			"action", c.action, "resource_type", c.resourceType, "logical_id", c.logicalID,
			"duration_ms", elapsed.Milliseconds(), "error", err)
	} else {
		b.logger.DebugContext(ctx, "backend request",
			"action", c.action, "resource_type", c.resourceType, "logical_id", c.logicalID,
			"physical_id", physicalID, "duration_ms", elapsed.Milliseconds())
	}

	if b.audit == nil {
		return
	}
	ev := &audit.AuditEvent{
		RunID:         observability.RunIDFromContext(ctx),
		ApplicationID: c.applicationID,
		Action:        c.action,
		ResourceType:  c.resourceType,
		ResourceID:    c.logicalID,
		PhysicalID:    physicalID,
		Details:       c.details,
		Success:       err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if aerr := b.audit.Log(ctx, ev); aerr != nil {
		b.logger.WarnContext(ctx, "failed to write audit event", "error", aerr)
	}
}

// EnsureSubnet implements Backend.
func (b *Instrumented) EnsureSubnet(ctx context.Context, applicationID int, vpcID string, s domain.Subnet) (SubnetResult, error) {
	c := b.begin(applicationID, audit.ActionCreate, audit.ResourceSubnet, s.LogicalID)
	c.details = map[string]any{"cidr": s.CIDR.String(), "zone": s.ZoneID}
	r, err := b.next.EnsureSubnet(ctx, applicationID, vpcID, s)
	b.end(ctx, c, r.SubnetID, err)
	return r, err
}

// EnsureRoute implements Backend.
func (b *Instrumented) EnsureRoute(ctx context.Context, routeTableID string, r domain.Route) error {
	c := b.begin(observability.ApplicationIDFromContext(ctx), audit.ActionCreate, audit.ResourceRoute, r.LogicalID)
	c.details = map[string]any{"destination": r.Destination, "gateway": r.GatewayID}
	err := b.next.EnsureRoute(ctx, routeTableID, r)
	b.end(ctx, c, routeTableID, err)
	return err
}

// EnsureSecurityGroup implements Backend.
func (b *Instrumented) EnsureSecurityGroup(ctx context.Context, applicationID int, g domain.SecurityGroup) (string, error) {
	c := b.begin(applicationID, audit.ActionCreate, audit.ResourceSecurityGroup, g.LogicalID)
	c.details = map[string]any{"name": g.Name}
	id, err := b.next.EnsureSecurityGroup(ctx, applicationID, g)
	b.end(ctx, c, id, err)
	return id, err
}

// AuthorizeIngress implements Backend.
func (b *Instrumented) AuthorizeIngress(ctx context.Context, groupID string, rules []domain.Rule) error {
	c := b.begin(observability.ApplicationIDFromContext(ctx), audit.ActionAuthorize, audit.ResourceIngress, groupID)
	keys := make([]string, len(rules))
	for i, r := range rules {
		keys[i] = r.Key()
	}
	c.details = map[string]any{"rules": keys}
	err := b.next.AuthorizeIngress(ctx, groupID, rules)
	b.end(ctx, c, groupID, err)
	return err
}

// EnsureKeyPair implements Backend.
func (b *Instrumented) EnsureKeyPair(ctx context.Context, name string, publicKey []byte) (string, error) {
	c := b.begin(observability.ApplicationIDFromContext(ctx), audit.ActionCreate, audit.ResourceKeyPair, name)
	id, err := b.next.EnsureKeyPair(ctx, name, publicKey)
	b.end(ctx, c, id, err)
	return id, err
}

// EnsureInstanceProfile implements Backend.
func (b *Instrumented) EnsureInstanceProfile(ctx context.Context, applicationID int, p *domain.InstanceProfile) (domain.ResourceRecord, error) {
	c := b.begin(applicationID, audit.ActionCreate, audit.ResourceInstanceProfile, p.LogicalID)
	c.details = map[string]any{"role": p.RoleName, "policies": p.ManagedPolicyARNs}
	rec, err := b.next.EnsureInstanceProfile(ctx, applicationID, p)
	b.end(ctx, c, rec.PhysicalID, err)
	return rec, err
}

// EnsureInstance implements Backend.
func (b *Instrumented) EnsureInstance(ctx context.Context, applicationID int, inst *domain.Instance, placement InstancePlacement) (domain.ResourceRecord, error) {
	c := b.begin(applicationID, audit.ActionCreate, audit.ResourceInstance, inst.LogicalID)
	c.details = map[string]any{"instance_type": inst.InstanceType, "subnet": placement.SubnetID}
	rec, err := b.next.EnsureInstance(ctx, applicationID, inst, placement)
	b.end(ctx, c, rec.PhysicalID, err)
	return rec, err
}

// EnsureDatabaseCluster implements Backend.
func (b *Instrumented) EnsureDatabaseCluster(ctx context.Context, applicationID int, cl *domain.DatabaseCluster, placement ClusterPlacement) (domain.ResourceRecord, error) {
	c := b.begin(applicationID, audit.ActionCreate, audit.ResourceDatabaseCluster, cl.LogicalID)
	c.details = map[string]any{"engine": string(cl.Engine), "engine_version": cl.EngineVersion}
	rec, err := b.next.EnsureDatabaseCluster(ctx, applicationID, cl, placement)
	b.end(ctx, c, rec.PhysicalID, err)
	return rec, err
}

// DeleteResource implements Backend.
func (b *Instrumented) DeleteResource(ctx context.Context, rec domain.ResourceRecord) error {
	c := b.begin(observability.ApplicationIDFromContext(ctx), audit.ActionDelete, string(rec.Kind), rec.LogicalID)
	c.details = map[string]any{"removal_policy": string(rec.RemovalPolicy)}
	err := b.next.DeleteResource(ctx, rec)
	b.end(ctx, c, rec.PhysicalID, err)
	return err
}
