// Package backend defines the provisioning backend the composer drives and
// an in-memory implementation of it.
//
// Every Ensure call is idempotent: calling it again with the same logical id
// returns the existing resource. Ingress authorization only ever adds
// permissions; there is no call to revoke one.
package backend

import (
	"context"
	"errors"
	"strconv"

	"appstack/internal/domain"
)

// ErrUnknownGroup is returned when a rule targets a security group the
// backend does not know.
var ErrUnknownGroup = errors.New("unknown security group")

// ErrNotFound is returned by DeleteResource implementations that treat a
// missing resource as an error. The composer ignores it during teardown.
var ErrNotFound = errors.New("resource not found")

// Tag keys applied to every created resource.
const (
	TagApplicationID = "appstack:app-id"
	TagLogicalID     = "appstack:logical-id"
	TagName          = "Name"
)

// Tags returns the tags identifying logicalID of applicationID.
func Tags(applicationID int, logicalID string) map[string]string {
	return map[string]string{
		TagApplicationID: strconv.Itoa(applicationID),
		TagLogicalID:     logicalID,
		TagName:          "appstack-" + strconv.Itoa(applicationID) + "-" + logicalID,
	}
}

// SubnetResult holds the identifiers of a realised subnet.
type SubnetResult struct {
	SubnetID     string
	RouteTableID string
}

// InstancePlacement carries the physical ids an instance launch needs.
type InstancePlacement struct {
	SubnetID        string
	SecurityGroupID string
	// ProfileName is the instance profile to attach, if any.
	ProfileName string
}

// ClusterPlacement carries the physical ids a database cluster needs.
type ClusterPlacement struct {
	SubnetIDs       []string
	SecurityGroupID string
}

// Backend realises declared resources.
type Backend interface {
	// EnsureSubnet creates the subnet with its own route table.
	EnsureSubnet(ctx context.Context, applicationID int, vpcID string, s domain.Subnet) (SubnetResult, error)
	// EnsureRoute adds r to routeTableID.
	EnsureRoute(ctx context.Context, routeTableID string, r domain.Route) error
	// EnsureSecurityGroup creates an application-scoped group and returns its id.
	EnsureSecurityGroup(ctx context.Context, applicationID int, g domain.SecurityGroup) (string, error)
	// AuthorizeIngress adds rules to groupID. Group references in rule
	// peers are physical ids. Rules that already exist are not an error.
	AuthorizeIngress(ctx context.Context, groupID string, rules []domain.Rule) error
	// EnsureKeyPair imports an authorized_keys public key under name.
	EnsureKeyPair(ctx context.Context, name string, publicKey []byte) (string, error)
	// EnsureInstanceProfile creates a role and instance profile.
	EnsureInstanceProfile(ctx context.Context, applicationID int, p *domain.InstanceProfile) (domain.ResourceRecord, error)
	// EnsureInstance launches an instance and waits until it is running.
	// The record carries domain.AttrPublicIP.
	EnsureInstance(ctx context.Context, applicationID int, inst *domain.Instance, placement InstancePlacement) (domain.ResourceRecord, error)
	// EnsureDatabaseCluster creates the credentials secret, subnet group,
	// cluster and writer instances. The record carries domain.AttrEndpoint.
	EnsureDatabaseCluster(ctx context.Context, applicationID int, c *domain.DatabaseCluster, placement ClusterPlacement) (domain.ResourceRecord, error)
	// DeleteResource removes a previously realised resource according to
	// its removal policy. Retained resources are left alone.
	DeleteResource(ctx context.Context, rec domain.ResourceRecord) error
}
