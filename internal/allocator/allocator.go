// Package allocator derives the per-application subnet plan.
//
// Zone i of application a gets block i of the a-th /24 of the base network,
// at /28 granularity: with the default base 10.0.0.0/16 that is
// 10.0.<a>.<i*16>/28. The function is pure, so re-running it with the same
// inputs yields the same plan, and growing the zone count only appends.
package allocator

import (
	"fmt"
	"net/netip"

	"appstack/internal/cidr"
	"appstack/internal/domain"
	"appstack/internal/validation"
)

const (
	// SliceBits is the prefix length of one application's slice.
	SliceBits = 24
	// SubnetBits is the prefix length of one zone subnet.
	SubnetBits = 28
)

// DefaultBase is the network the application slices are carved from.
var DefaultBase = netip.MustParsePrefix("10.0.0.0/16")

// Options tunes the allocator.
type Options struct {
	Base netip.Prefix
}

func (o Options) base() netip.Prefix {
	if o.Base.IsValid() {
		return o.Base
	}
	return DefaultBase
}

// SubnetRange returns the address range of one zone of one application.
func SubnetRange(base netip.Prefix, applicationID, zoneIndex int) (netip.Prefix, error) {
	if err := validation.ValidateApplicationID(applicationID); err != nil {
		return netip.Prefix{}, err
	}
	slice, err := cidr.Block(base, SliceBits, applicationID)
	if err != nil {
		return netip.Prefix{}, &validation.ConfigError{Field: "application id", Value: applicationID, Reason: err.Error(), Err: validation.ErrOutOfRange}
	}
	block, err := cidr.Block(slice, SubnetBits, zoneIndex)
	if err != nil {
		return netip.Prefix{}, &validation.ConfigError{Field: "zone index", Value: zoneIndex, Reason: err.Error(), Err: validation.ErrOutOfRange}
	}
	return block, nil
}

// SubnetLogicalID names the subnet of zone i.
func SubnetLogicalID(zoneIndex int) string {
	return fmt.Sprintf("Subnet%d", zoneIndex)
}

// Allocate builds the plan for req against the shared environment. All
// failures are configuration errors raised before anything is created.
func Allocate(shared domain.SharedContext, req domain.AllocationRequest, opts Options) (domain.SubnetPlan, error) {
	base := opts.base()
	if err := validation.ValidateBaseNetwork(base); err != nil {
		return domain.SubnetPlan{}, err
	}
	if err := validation.ValidateApplicationID(req.ApplicationID); err != nil {
		return domain.SubnetPlan{}, err
	}
	if err := validation.ValidateZoneCount(req.ZoneCount, len(shared.AvailabilityZones)); err != nil {
		return domain.SubnetPlan{}, err
	}

	plan := domain.SubnetPlan{ApplicationID: req.ApplicationID}
	for i := 0; i < req.ZoneCount; i++ {
		block, err := SubnetRange(base, req.ApplicationID, i)
		if err != nil {
			return domain.SubnetPlan{}, err
		}
		if shared.VpcCIDR.IsValid() && !cidr.PrefixContains(shared.VpcCIDR, block) {
			return domain.SubnetPlan{}, &validation.ConfigError{
				Field:  "subnet range",
				Value:  block,
				Reason: fmt.Sprintf("outside shared vpc cidr %s", shared.VpcCIDR),
				Err:    validation.ErrOutOfRange,
			}
		}
		subnet := domain.Subnet{
			LogicalID:           SubnetLogicalID(i),
			ZoneIndex:           i,
			ZoneID:              shared.AvailabilityZones[i],
			CIDR:                block,
			Public:              true,
			MapPublicIPOnLaunch: true,
		}
		plan.Subnets = append(plan.Subnets, subnet)
		plan.Routes = append(plan.Routes, domain.Route{
			LogicalID:       fmt.Sprintf("PublicRouting%d", i),
			SubnetLogicalID: subnet.LogicalID,
			Destination:     domain.AnyIPv4,
			GatewayID:       shared.InternetGatewayID,
		})
	}
	return plan, nil
}

// RenumberError reports a subnet whose range or zone would change between
// deployments.
type RenumberError struct {
	ZoneIndex int
	Previous  domain.Subnet
	Next      domain.Subnet
}

func (e *RenumberError) Error() string {
	return fmt.Sprintf("subnet %d would move from %s (%s) to %s (%s); existing ranges are never renumbered",
		e.ZoneIndex, e.Previous.CIDR, e.Previous.ZoneID, e.Next.CIDR, e.Next.ZoneID)
}

// Is makes a RenumberError a configuration error.
func (e *RenumberError) Is(target error) bool {
	return target == validation.ErrConfiguration
}

// VerifyAppendOnly checks that next keeps every subnet prev has in common
// with it: same zone index, same zone and same range. Growth appends;
// shrinking drops the tail.
func VerifyAppendOnly(prev, next domain.SubnetPlan) error {
	n := len(prev.Subnets)
	if len(next.Subnets) < n {
		n = len(next.Subnets)
	}
	for i := 0; i < n; i++ {
		p, q := prev.Subnets[i], next.Subnets[i]
		if p.ZoneIndex != q.ZoneIndex || p.ZoneID != q.ZoneID || p.CIDR != q.CIDR {
			return &RenumberError{ZoneIndex: i, Previous: p, Next: q}
		}
	}
	return nil
}

// Overlapping returns the first pair of subnets in plan that share an address.
func Overlapping(plan domain.SubnetPlan) (a, b domain.Subnet, found bool) {
	for i := range plan.Subnets {
		for j := i + 1; j < len(plan.Subnets); j++ {
			if cidr.PrefixesOverlap(plan.Subnets[i].CIDR, plan.Subnets[j].CIDR) {
				return plan.Subnets[i], plan.Subnets[j], true
			}
		}
	}
	return domain.Subnet{}, domain.Subnet{}, false
}
