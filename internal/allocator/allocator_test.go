package allocator

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"testing"

	"appstack/internal/domain"
	"appstack/internal/validation"
)

func sharedWithZones(n int) domain.SharedContext {
	zones := make([]string, n)
	for i := range zones {
		zones[i] = fmt.Sprintf("eu-west-1%c", 'a'+i)
	}
	return domain.SharedContext{
		VpcID:             "vpc-core",
		VpcCIDR:           netip.MustParsePrefix("10.0.0.0/16"),
		AvailabilityZones: zones,
		InternetGatewayID: "igw-core",
	}
}

func TestAllocate_App7TwoZones(t *testing.T) {
	plan, err := Allocate(sharedWithZones(3), domain.AllocationRequest{ApplicationID: 7, ZoneCount: 2}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(plan.Subnets) != 2 {
		t.Fatalf("expected 2 subnets, got %d", len(plan.Subnets))
	}
	want := []struct {
		cidr, zone, id string
	}{
		{"10.0.7.0/28", "eu-west-1a", "Subnet0"},
		{"10.0.7.16/28", "eu-west-1b", "Subnet1"},
	}
	for i, w := range want {
		s := plan.Subnets[i]
		if s.CIDR.String() != w.cidr || s.ZoneID != w.zone || s.LogicalID != w.id {
			t.Errorf("subnet %d = %+v, want %+v", i, s, w)
		}
		if !s.Public || !s.MapPublicIPOnLaunch {
			t.Errorf("subnet %d should be public with public ips", i)
		}
	}
	if len(plan.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(plan.Routes))
	}
	for i, r := range plan.Routes {
		if r.Destination != "0.0.0.0/0" || r.GatewayID != "igw-core" || r.SubnetLogicalID != plan.Subnets[i].LogicalID {
			t.Errorf("route %d = %+v", i, r)
		}
	}
}

func TestAllocate_Deterministic(t *testing.T) {
	shared := sharedWithZones(6)
	for app := 0; app <= 255; app += 17 {
		req := domain.AllocationRequest{ApplicationID: app, ZoneCount: 6}
		a, err := Allocate(shared, req, Options{})
		if err != nil {
			t.Fatalf("app %d: %v", app, err)
		}
		b, err := Allocate(shared, req, Options{})
		if err != nil {
			t.Fatalf("app %d: %v", app, err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Errorf("app %d: plans differ between runs", app)
		}
		if x, y, found := Overlapping(a); found {
			t.Errorf("app %d: %s overlaps %s", app, x.CIDR, y.CIDR)
		}
	}
}

func TestAllocate_AppendOnlyGrowth(t *testing.T) {
	shared := sharedWithZones(4)
	small, err := Allocate(shared, domain.AllocationRequest{ApplicationID: 42, ZoneCount: 2}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	large, err := Allocate(shared, domain.AllocationRequest{ApplicationID: 42, ZoneCount: 4}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(small.Subnets, large.Subnets[:2]) {
		t.Errorf("growth renumbered existing subnets:\n%+v\n%+v", small.Subnets, large.Subnets[:2])
	}
	if err := VerifyAppendOnly(small, large); err != nil {
		t.Errorf("VerifyAppendOnly(small, large): %v", err)
	}
	if err := VerifyAppendOnly(large, small); err != nil {
		t.Errorf("VerifyAppendOnly(large, small): %v", err)
	}
}

func TestAllocate_DistinctApplicationsDoNotOverlap(t *testing.T) {
	shared := sharedWithZones(3)
	a, _ := Allocate(shared, domain.AllocationRequest{ApplicationID: 1, ZoneCount: 3}, Options{})
	b, _ := Allocate(shared, domain.AllocationRequest{ApplicationID: 2, ZoneCount: 3}, Options{})
	merged := domain.SubnetPlan{Subnets: append(append([]domain.Subnet{}, a.Subnets...), b.Subnets...)}
	if x, y, found := Overlapping(merged); found {
		t.Errorf("%s overlaps %s", x.CIDR, y.CIDR)
	}
}

func TestAllocate_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		shared  domain.SharedContext
		req     domain.AllocationRequest
		opts    Options
		wantErr error
	}{
		{"app id too large", sharedWithZones(3), domain.AllocationRequest{ApplicationID: 256, ZoneCount: 1}, Options{}, validation.ErrOutOfRange},
		{"negative app id", sharedWithZones(3), domain.AllocationRequest{ApplicationID: -1, ZoneCount: 1}, Options{}, validation.ErrOutOfRange},
		{"more zones than region", sharedWithZones(2), domain.AllocationRequest{ApplicationID: 1, ZoneCount: 3}, Options{}, validation.ErrZoneUnavailable},
		{"zero zones", sharedWithZones(2), domain.AllocationRequest{ApplicationID: 1, ZoneCount: 0}, Options{}, validation.ErrOutOfRange},
		{"more zones than slice", sharedWithZones(20), domain.AllocationRequest{ApplicationID: 1, ZoneCount: 17}, Options{}, validation.ErrOutOfRange},
		{"bad base", sharedWithZones(2), domain.AllocationRequest{ApplicationID: 1, ZoneCount: 1}, Options{Base: netip.MustParsePrefix("10.0.0.0/8")}, validation.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Allocate(tt.shared, tt.req, tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, validation.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestAllocate_OutsideVpcCIDR(t *testing.T) {
	shared := sharedWithZones(2)
	shared.VpcCIDR = netip.MustParsePrefix("10.1.0.0/16")
	_, err := Allocate(shared, domain.AllocationRequest{ApplicationID: 3, ZoneCount: 1}, Options{})
	if !errors.Is(err, validation.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestAllocate_CustomBase(t *testing.T) {
	shared := sharedWithZones(2)
	shared.VpcCIDR = netip.MustParsePrefix("172.20.0.0/16")
	plan, err := Allocate(shared, domain.AllocationRequest{ApplicationID: 9, ZoneCount: 2},
		Options{Base: netip.MustParsePrefix("172.20.0.0/16")})
	if err != nil {
		t.Fatal(err)
	}
	if got := plan.Subnets[1].CIDR.String(); got != "172.20.9.16/28" {
		t.Errorf("zone 1 = %s, want 172.20.9.16/28", got)
	}
}

func TestVerifyAppendOnly_DetectsRenumbering(t *testing.T) {
	prev, _ := Allocate(sharedWithZones(3), domain.AllocationRequest{ApplicationID: 5, ZoneCount: 2}, Options{})

	reordered := sharedWithZones(3)
	reordered.AvailabilityZones[0], reordered.AvailabilityZones[1] = reordered.AvailabilityZones[1], reordered.AvailabilityZones[0]
	next, _ := Allocate(reordered, domain.AllocationRequest{ApplicationID: 5, ZoneCount: 3}, Options{})

	err := VerifyAppendOnly(prev, next)
	var re *RenumberError
	if !errors.As(err, &re) {
		t.Fatalf("expected RenumberError, got %v", err)
	}
	if re.ZoneIndex != 0 {
		t.Errorf("zone index = %d, want 0", re.ZoneIndex)
	}
	if !errors.Is(err, validation.ErrConfiguration) {
		t.Error("renumbering should be a configuration error")
	}
}

func TestSubnetRange(t *testing.T) {
	got, err := SubnetRange(DefaultBase, 255, 15)
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "10.0.255.240/28" {
		t.Errorf("SubnetRange(255, 15) = %s", got)
	}
	if _, err := SubnetRange(DefaultBase, 1, 16); !errors.Is(err, validation.ErrOutOfRange) {
		t.Errorf("expected out of range for zone 16, got %v", err)
	}
}
