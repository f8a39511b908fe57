// Package domain holds the value types shared by every stage of a stack
// composition: the imported shared environment, the subnet plan, the
// security graph, provisioned resources and operator outputs.
package domain

import (
	"fmt"
	"net/netip"
)

// AnyIPv4 is the CIDR used for "from anywhere" rules and default routes.
const AnyIPv4 = "0.0.0.0/0"

// SharedGroup is a security group owned by the shared (core) stack.
type SharedGroup struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Cluster bool   `json:"cluster,omitempty"`
}

// SharedContext is the resolved view of the shared environment. It is built
// once per run by the importer and treated as read-only afterwards.
type SharedContext struct {
	VpcID             string        `json:"vpc_id"`
	VpcCIDR           netip.Prefix  `json:"vpc_cidr"`
	AvailabilityZones []string      `json:"availability_zones"`
	InternetGatewayID string        `json:"internet_gateway_id"`
	SharedGroups      []SharedGroup `json:"shared_groups"`
}

// ClusterGroup returns the shared group flagged as the cluster group.
func (s SharedContext) ClusterGroup() (SharedGroup, bool) {
	for _, g := range s.SharedGroups {
		if g.Cluster {
			return g, true
		}
	}
	return SharedGroup{}, false
}

// AllocationRequest is the caller input to the address allocator.
type AllocationRequest struct {
	ApplicationID int `json:"application_id"`
	ZoneCount     int `json:"zone_count"`
}

// Subnet is one public subnet bound to one availability zone.
type Subnet struct {
	LogicalID           string       `json:"logical_id"`
	ZoneIndex           int          `json:"zone_index"`
	ZoneID              string       `json:"zone_id"`
	CIDR                netip.Prefix `json:"cidr"`
	Public              bool         `json:"public"`
	MapPublicIPOnLaunch bool         `json:"map_public_ip_on_launch"`
}

// Route sends Destination traffic from a subnet's route table to a gateway.
type Route struct {
	LogicalID       string `json:"logical_id"`
	SubnetLogicalID string `json:"subnet_logical_id"`
	Destination     string `json:"destination"`
	GatewayID       string `json:"gateway_id"`
}

// SubnetPlan is the allocator output. Subnets are ordered by zone index.
type SubnetPlan struct {
	ApplicationID int      `json:"application_id"`
	Subnets       []Subnet `json:"subnets"`
	Routes        []Route  `json:"routes"`
}

// SubnetLogicalIDs returns the logical ids of all subnets in zone order.
func (p SubnetPlan) SubnetLogicalIDs() []string {
	ids := make([]string, 0, len(p.Subnets))
	for _, s := range p.Subnets {
		ids = append(ids, s.LogicalID)
	}
	return ids
}

// Peer is the source of an ingress rule: either a CIDR or a group reference.
// GroupRef holds a logical id until the composer resolves it.
type Peer struct {
	CIDR     string `json:"cidr,omitempty"`
	GroupRef string `json:"group_ref,omitempty"`
}

func (p Peer) String() string {
	if p.GroupRef != "" {
		return "sg:" + p.GroupRef
	}
	return p.CIDR
}

// Rule is a single ingress permission.
type Rule struct {
	Protocol    string `json:"protocol"`
	FromPort    int    `json:"from_port"`
	ToPort      int    `json:"to_port"`
	Peer        Peer   `json:"peer"`
	Description string `json:"description,omitempty"`
}

// Key identifies a rule for set semantics. The description is not part of
// the identity, matching how the provider deduplicates permissions.
func (r Rule) Key() string {
	return fmt.Sprintf("%s/%d-%d/%s", r.Protocol, r.FromPort, r.ToPort, r.Peer)
}

// GroupScope says who owns a security group.
type GroupScope string

const (
	ScopeApplication GroupScope = "application"
	ScopeShared      GroupScope = "shared"
)

// SecurityGroup is a named set of ingress rules.
type SecurityGroup struct {
	LogicalID   string     `json:"logical_id"`
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	VpcID       string     `json:"vpc_id"`
	Scope       GroupScope `json:"scope"`
	Rules       []Rule     `json:"rules"`
}

// SecurityGraph is the application group plus the rules this stack adds to
// groups it does not own, keyed by shared group id.
type SecurityGraph struct {
	AppGroup     SecurityGroup     `json:"app_group"`
	SharedGrants map[string][]Rule `json:"shared_grants"`
}

// FeatureFlags gate the optional resource trees. They are read once at
// composition time.
type FeatureFlags struct {
	Instances  bool `json:"instances"`
	MySQL      bool `json:"mysql"`
	PostgreSQL bool `json:"postgresql"`
}

// OutputRecord is a labelled value surfaced to the operator.
type OutputRecord struct {
	Label string `json:"label"`
	Value string `json:"value"`
}
