package importer

import (
	"context"
	"net/netip"
)

// StaticLookup serves exports from a fixed map, typically the exports
// section of the configuration file.
type StaticLookup map[string]string

// LookupExport returns the mapped value or ErrNotFound.
func (s StaticLookup) LookupExport(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// StaticNetwork reports a fixed zone list and VPC CIDR.
type StaticNetwork struct {
	Zones []string
	CIDR  netip.Prefix
}

// AvailabilityZones returns the configured zones in order.
func (s StaticNetwork) AvailabilityZones(context.Context) ([]string, error) {
	return s.Zones, nil
}

// VpcCIDR returns the configured CIDR regardless of vpcID.
func (s StaticNetwork) VpcCIDR(context.Context, string) (netip.Prefix, error) {
	return s.CIDR, nil
}
