// Package importer resolves references to resources owned by the shared
// (core) stack into a read-only domain.SharedContext.
package importer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"appstack/internal/domain"
	"appstack/internal/validation"
)

// ErrNotFound is returned by an ExportLookup when a name has no value.
var ErrNotFound = errors.New("export not found")

// ExportLookup resolves a well-known export name to its value.
type ExportLookup interface {
	LookupExport(ctx context.Context, name string) (string, error)
}

// NetworkInspector reports facts about the shared network that are not
// exported by name: the zones of the deploying region and the VPC CIDR.
type NetworkInspector interface {
	AvailabilityZones(ctx context.Context) ([]string, error)
	VpcCIDR(ctx context.Context, vpcID string) (netip.Prefix, error)
}

// ExportNames lists the exports the importer reads.
type ExportNames struct {
	Vpc             string   `yaml:"vpc"`
	InternetGateway string   `yaml:"internet_gateway"`
	SharedGroups    []string `yaml:"shared_groups"`
	ClusterGroup    string   `yaml:"cluster_group"`
}

// DefaultExportNames returns the names published by the core stack.
func DefaultExportNames() ExportNames {
	return ExportNames{
		Vpc:             "Core-Vpc",
		InternetGateway: "Core-InternetGateway",
		SharedGroups:    []string{"Core-MySqlSecurityGroup"},
		ClusterGroup:    "Core-ClusterSecurityGroup",
	}
}

// Validate checks every configured name.
func (n ExportNames) Validate() error {
	names := append([]string{n.Vpc, n.InternetGateway, n.ClusterGroup}, n.SharedGroups...)
	for _, name := range names {
		if err := validation.ValidateExportName(name); err != nil {
			return err
		}
	}
	return nil
}

// Importer builds the SharedContext.
type Importer struct {
	lookup  ExportLookup
	network NetworkInspector
	names   ExportNames
}

// New creates an importer.
func New(lookup ExportLookup, network NetworkInspector, names ExportNames) *Importer {
	return &Importer{lookup: lookup, network: network, names: names}
}

// Resolve looks up every export. Any missing export fails the whole call;
// no partial context is returned and nothing is retried.
func (im *Importer) Resolve(ctx context.Context) (domain.SharedContext, error) {
	if err := im.names.Validate(); err != nil {
		return domain.SharedContext{}, err
	}

	vpcID, err := im.resolve(ctx, im.names.Vpc)
	if err != nil {
		return domain.SharedContext{}, err
	}
	igwID, err := im.resolve(ctx, im.names.InternetGateway)
	if err != nil {
		return domain.SharedContext{}, err
	}

	var groups []domain.SharedGroup
	for _, name := range im.names.SharedGroups {
		if name == im.names.ClusterGroup {
			continue
		}
		id, err := im.resolve(ctx, name)
		if err != nil {
			return domain.SharedContext{}, err
		}
		groups = append(groups, domain.SharedGroup{Name: name, ID: id})
	}
	clusterID, err := im.resolve(ctx, im.names.ClusterGroup)
	if err != nil {
		return domain.SharedContext{}, err
	}
	groups = append(groups, domain.SharedGroup{Name: im.names.ClusterGroup, ID: clusterID, Cluster: true})

	zones, err := im.network.AvailabilityZones(ctx)
	if err != nil {
		return domain.SharedContext{}, fmt.Errorf("list availability zones: %w", err)
	}
	vpcCIDR, err := im.network.VpcCIDR(ctx, vpcID)
	if err != nil {
		return domain.SharedContext{}, fmt.Errorf("describe vpc %s: %w", vpcID, err)
	}

	return domain.SharedContext{
		VpcID:             vpcID,
		VpcCIDR:           vpcCIDR,
		AvailabilityZones: append([]string(nil), zones...),
		InternetGatewayID: igwID,
		SharedGroups:      groups,
	}, nil
}

func (im *Importer) resolve(ctx context.Context, name string) (string, error) {
	value, err := im.lookup.LookupExport(ctx, name)
	if errors.Is(err, ErrNotFound) || (err == nil && value == "") {
		return "", validation.MissingExport(name)
	}
	if err != nil {
		return "", fmt.Errorf("lookup export %s: %w", name, err)
	}
	return value, nil
}
