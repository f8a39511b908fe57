package backend

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"appstack/internal/domain"
	"appstack/internal/provision"
)

// Request is one call recorded by the memory backend.
type Request struct {
	Action    string
	Kind      string
	LogicalID string
	Target    string
}

// Memory is an in-memory Backend with deterministic identifiers. It is
// used for dry runs and tests.
type Memory struct {
	mu       sync.Mutex
	seq      map[string]int
	strict   bool
	failOn   func(action, logicalID string) error
	requests []Request

	subnets     map[string]SubnetResult // app/logical -> ids
	knownSubnet map[string]bool
	routes      map[string]bool // rtb/destination
	groups      map[string][]domain.Rule
	groupByKey  map[string]string
	keyPairs    map[string]string
	records     map[string]domain.ResourceRecord // app/logical -> record
	secrets     map[string]string
	dbSubnets   map[string][]string // subnet group -> subnet ids
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithSharedGroups registers groups owned by the shared environment and
// makes the backend reject rules for any group it does not know.
func WithSharedGroups(ids ...string) MemoryOption {
	return func(m *Memory) {
		m.strict = true
		for _, id := range ids {
			if _, ok := m.groups[id]; !ok {
				m.groups[id] = nil
			}
		}
	}
}

// WithFailure makes every call for which fn returns an error fail with it.
func WithFailure(fn func(action, logicalID string) error) MemoryOption {
	return func(m *Memory) { m.failOn = fn }
}

// NewMemory creates an empty memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		seq:         make(map[string]int),
		subnets:     make(map[string]SubnetResult),
		knownSubnet: make(map[string]bool),
		routes:      make(map[string]bool),
		groups:      make(map[string][]domain.Rule),
		groupByKey:  make(map[string]string),
		keyPairs:    make(map[string]string),
		records:     make(map[string]domain.ResourceRecord),
		secrets:     make(map[string]string),
		dbSubnets:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) nextID(prefix string) string {
	m.seq[prefix]++
	return fmt.Sprintf("%s-%08x", prefix, m.seq[prefix])
}

func (m *Memory) record(action, kind, logicalID, target string) error {
	m.requests = append(m.requests, Request{Action: action, Kind: kind, LogicalID: logicalID, Target: target})
	if m.failOn != nil {
		return m.failOn(action, logicalID)
	}
	return nil
}

func key(applicationID int, logicalID string) string {
	return strconv.Itoa(applicationID) + "/" + logicalID
}

// EnsureSubnet implements Backend.
func (m *Memory) EnsureSubnet(_ context.Context, applicationID int, vpcID string, s domain.Subnet) (SubnetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create", "subnet", s.LogicalID, s.CIDR.String()); err != nil {
		return SubnetResult{}, err
	}
	k := key(applicationID, s.LogicalID)
	if r, ok := m.subnets[k]; ok {
		return r, nil
	}
	if vpcID == "" {
		return SubnetResult{}, fmt.Errorf("subnet %s: vpc id is empty", s.LogicalID)
	}
	r := SubnetResult{SubnetID: m.nextID("subnet"), RouteTableID: m.nextID("rtb")}
	m.subnets[k] = r
	m.knownSubnet[r.SubnetID] = true
	return r, nil
}

// EnsureRoute implements Backend.
func (m *Memory) EnsureRoute(_ context.Context, routeTableID string, r domain.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create", "route", r.LogicalID, routeTableID); err != nil {
		return err
	}
	if r.GatewayID == "" {
		return fmt.Errorf("route %s: gateway id is empty", r.LogicalID)
	}
	m.routes[routeTableID+"/"+r.Destination] = true
	return nil
}

// EnsureSecurityGroup implements Backend.
func (m *Memory) EnsureSecurityGroup(_ context.Context, applicationID int, g domain.SecurityGroup) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create", "security_group", g.LogicalID, g.Name); err != nil {
		return "", err
	}
	k := key(applicationID, g.LogicalID)
	if id, ok := m.groupByKey[k]; ok {
		return id, nil
	}
	id := m.nextID("sg")
	m.groupByKey[k] = id
	m.groups[id] = nil
	return id, nil
}

// AuthorizeIngress implements Backend.
func (m *Memory) AuthorizeIngress(_ context.Context, groupID string, rules []domain.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("authorize", "ingress", groupID, strconv.Itoa(len(rules))); err != nil {
		return err
	}
	existing, ok := m.groups[groupID]
	if !ok && m.strict {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.Key()] = true
	}
	for _, r := range rules {
		if r.Peer.GroupRef != "" {
			if _, ok := m.groups[r.Peer.GroupRef]; !ok && m.strict {
				return fmt.Errorf("%w: peer %s", ErrUnknownGroup, r.Peer.GroupRef)
			}
		}
		if !seen[r.Key()] {
			seen[r.Key()] = true
			existing = append(existing, r)
		}
	}
	m.groups[groupID] = existing
	return nil
}

// EnsureKeyPair implements Backend.
func (m *Memory) EnsureKeyPair(_ context.Context, name string, publicKey []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create", "key_pair", name, ""); err != nil {
		return "", err
	}
	if len(publicKey) == 0 {
		return "", fmt.Errorf("key pair %s: empty public key", name)
	}
	if id, ok := m.keyPairs[name]; ok {
		return id, nil
	}
	id := m.nextID("key")
	m.keyPairs[name] = id
	return id, nil
}

// EnsureInstanceProfile implements Backend.
func (m *Memory) EnsureInstanceProfile(_ context.Context, applicationID int, p *domain.InstanceProfile) (domain.ResourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create", string(domain.KindInstanceProfile), p.LogicalID, p.RoleName); err != nil {
		return domain.ResourceRecord{}, err
	}
	k := key(applicationID, p.LogicalID)
	if rec, ok := m.records[k]; ok {
		return rec, nil
	}
	rec := domain.ResourceRecord{
		LogicalID:     p.LogicalID,
		Kind:          domain.KindInstanceProfile,
		PhysicalID:    p.RoleName,
		RemovalPolicy: p.RemovalPolicy,
		Attributes: map[string]string{
			domain.AttrRoleName:    p.RoleName,
			domain.AttrProfileName: p.RoleName,
		},
	}
	m.records[k] = rec
	return rec, nil
}

// EnsureInstance implements Backend.
func (m *Memory) EnsureInstance(_ context.Context, applicationID int, inst *domain.Instance, placement InstancePlacement) (domain.ResourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create", string(domain.KindInstance), inst.LogicalID, placement.SubnetID); err != nil {
		return domain.ResourceRecord{}, err
	}
	k := key(applicationID, inst.LogicalID)
	if rec, ok := m.records[k]; ok {
		return rec, nil
	}
	if !m.knownSubnet[placement.SubnetID] {
		return domain.ResourceRecord{}, fmt.Errorf("instance %s: unknown subnet %q", inst.LogicalID, placement.SubnetID)
	}
	if _, ok := m.groups[placement.SecurityGroupID]; !ok {
		return domain.ResourceRecord{}, fmt.Errorf("%w: %s", ErrUnknownGroup, placement.SecurityGroupID)
	}
	if _, ok := m.keyPairs[inst.KeyName]; !ok {
		return domain.ResourceRecord{}, fmt.Errorf("instance %s: unknown key pair %q", inst.LogicalID, inst.KeyName)
	}
	id := m.nextID("i")
	rec := domain.ResourceRecord{
		LogicalID:     inst.LogicalID,
		Kind:          domain.KindInstance,
		PhysicalID:    id,
		RemovalPolicy: inst.RemovalPolicy,
		Attributes: map[string]string{
			domain.AttrPublicIP: fmt.Sprintf("203.0.113.%d", m.seq["i"]%254+1),
		},
	}
	m.records[k] = rec
	return rec, nil
}

// EnsureDatabaseCluster implements Backend.
func (m *Memory) EnsureDatabaseCluster(_ context.Context, applicationID int, c *domain.DatabaseCluster, placement ClusterPlacement) (domain.ResourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create", string(domain.KindDatabaseCluster), c.LogicalID, c.Identifier); err != nil {
		return domain.ResourceRecord{}, err
	}
	if len(placement.SubnetIDs) == 0 {
		return domain.ResourceRecord{}, fmt.Errorf("cluster %s: no subnets", c.LogicalID)
	}
	for _, id := range placement.SubnetIDs {
		if !m.knownSubnet[id] {
			return domain.ResourceRecord{}, fmt.Errorf("cluster %s: unknown subnet %q", c.LogicalID, id)
		}
	}
	if _, ok := m.groups[placement.SecurityGroupID]; !ok {
		return domain.ResourceRecord{}, fmt.Errorf("%w: %s", ErrUnknownGroup, placement.SecurityGroupID)
	}
	subnetGroup := c.Identifier + "-subnets"
	m.dbSubnets[subnetGroup] = append([]string(nil), placement.SubnetIDs...)

	k := key(applicationID, c.LogicalID)
	if rec, ok := m.records[k]; ok {
		return rec, nil
	}
	password, err := provision.GenerateSecret()
	if err != nil {
		return domain.ResourceRecord{}, err
	}
	m.secrets[c.SecretName] = password

	instanceIDs := make([]string, c.InstanceCount)
	for i := range instanceIDs {
		instanceIDs[i] = fmt.Sprintf("%s-%d", c.Identifier, i+1)
	}
	rec := domain.ResourceRecord{
		LogicalID:     c.LogicalID,
		Kind:          domain.KindDatabaseCluster,
		PhysicalID:    c.Identifier,
		RemovalPolicy: c.RemovalPolicy,
		Attributes: map[string]string{
			domain.AttrEndpoint:      c.Identifier + ".cluster-memory.local",
			domain.AttrPort:          strconv.Itoa(c.Port),
			domain.AttrSecretARN:     "arn:memory:secretsmanager:" + c.SecretName,
			domain.AttrSubnetGroup:   subnetGroup,
			domain.AttrInstanceIDs:   strings.Join(instanceIDs, ","),
			domain.AttrDeleteBackups: strconv.FormatBool(c.DeleteAutomatedBackups),
		},
	}
	m.records[k] = rec
	return rec, nil
}

// DeleteResource implements Backend.
func (m *Memory) DeleteResource(_ context.Context, rec domain.ResourceRecord) error {
	if rec.RemovalPolicy == domain.RemovalRetain {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("delete", string(rec.Kind), rec.LogicalID, rec.PhysicalID); err != nil {
		return err
	}
	for k, r := range m.records {
		if r.Kind == rec.Kind && r.PhysicalID == rec.PhysicalID {
			delete(m.records, k)
			if rec.Kind == domain.KindDatabaseCluster {
				delete(m.secrets, strings.TrimPrefix(r.Attributes[domain.AttrSecretARN], "arn:memory:secretsmanager:"))
				delete(m.dbSubnets, r.Attributes[domain.AttrSubnetGroup])
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s", ErrNotFound, rec.Kind, rec.PhysicalID)
}

// Requests returns every call made so far.
func (m *Memory) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Rules returns the ingress rules of a group.
func (m *Memory) Rules(groupID string) []domain.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Rule(nil), m.groups[groupID]...)
}

// HasRoute reports whether routeTableID routes destination.
func (m *Memory) HasRoute(routeTableID, destination string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routes[routeTableID+"/"+destination]
}

// Records returns the live provisioned resources sorted by logical id.
func (m *Memory) Records() []domain.ResourceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ResourceRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	return out
}

// SubnetGroup returns the subnets of a database subnet group.
func (m *Memory) SubnetGroup(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dbSubnets[name]...)
}

// Secret returns the stored master password for a secret name.
func (m *Memory) Secret(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[name]
	return s, ok
}
