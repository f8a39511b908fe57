package secgraph

import (
	"errors"
	"testing"

	"appstack/internal/domain"
	"appstack/internal/validation"
)

func testShared() domain.SharedContext {
	return domain.SharedContext{
		VpcID:             "vpc-core",
		AvailabilityZones: []string{"eu-west-1a", "eu-west-1b"},
		InternetGatewayID: "igw-core",
		SharedGroups: []domain.SharedGroup{
			{Name: "Core-MySqlSecurityGroup", ID: "sg-mysql"},
			{Name: "Core-ClusterSecurityGroup", ID: "sg-cluster", Cluster: true},
		},
	}
}

func hasRule(rules []domain.Rule, key string) bool {
	for _, r := range rules {
		if r.Key() == key {
			return true
		}
	}
	return false
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		flags     domain.FeatureFlags
		wantRules []string
		noRules   []string
	}{
		{
			name:      "no postgres",
			flags:     domain.FeatureFlags{Instances: true},
			wantRules: []string{"tcp/22-22/0.0.0.0/0", "tcp/3306-3306/0.0.0.0/0"},
			noRules:   []string{"tcp/5432-5432/0.0.0.0/0"},
		},
		{
			name:      "postgres enabled",
			flags:     domain.FeatureFlags{PostgreSQL: true},
			wantRules: []string{"tcp/22-22/0.0.0.0/0", "tcp/3306-3306/0.0.0.0/0", "tcp/5432-5432/0.0.0.0/0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(testShared(), domain.SubnetPlan{ApplicationID: 7}, tt.flags, Options{})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if g.AppGroup.Name != "appstack-7" || g.AppGroup.VpcID != "vpc-core" || g.AppGroup.Scope != domain.ScopeApplication {
				t.Errorf("app group = %+v", g.AppGroup)
			}
			for _, k := range tt.wantRules {
				if !hasRule(g.AppGroup.Rules, k) {
					t.Errorf("missing rule %s", k)
				}
			}
			for _, k := range tt.noRules {
				if hasRule(g.AppGroup.Rules, k) {
					t.Errorf("unexpected rule %s", k)
				}
			}
		})
	}
}

func TestBuild_SharedGrants(t *testing.T) {
	g, err := Build(testShared(), domain.SubnetPlan{ApplicationID: 1}, domain.FeatureFlags{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	allTCP := "tcp/0-65535/sg:" + AppGroupLogicalID

	mysql := g.SharedGrants["sg-mysql"]
	if len(mysql) != 1 || mysql[0].Key() != allTCP || mysql[0].Description != SharedGrantDescription {
		t.Errorf("mysql grants = %+v", mysql)
	}
	cluster := g.SharedGrants["sg-cluster"]
	if !hasRule(cluster, allTCP) || !hasRule(cluster, "tcp/22-22/0.0.0.0/0") {
		t.Errorf("cluster grants = %+v", cluster)
	}
	if ids := SharedGroupIDs(g); len(ids) != 2 || ids[0] != "sg-cluster" {
		t.Errorf("SharedGroupIDs = %v", ids)
	}
}

func TestBuild_IngressCIDR(t *testing.T) {
	g, err := Build(testShared(), domain.SubnetPlan{ApplicationID: 1}, domain.FeatureFlags{}, Options{IngressCIDR: "192.0.2.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	if !hasRule(g.AppGroup.Rules, "tcp/22-22/192.0.2.0/24") {
		t.Errorf("rules = %+v", g.AppGroup.Rules)
	}
	// The cluster group SSH rule is not affected by the application ingress.
	if !hasRule(g.SharedGrants["sg-cluster"], "tcp/22-22/0.0.0.0/0") {
		t.Errorf("cluster ssh rule should stay open")
	}
}

func TestBuild_EmptySharedID(t *testing.T) {
	shared := testShared()
	shared.SharedGroups[0].ID = ""
	_, err := Build(shared, domain.SubnetPlan{ApplicationID: 1}, domain.FeatureFlags{}, Options{})
	if !errors.Is(err, validation.ErrConfiguration) || !errors.Is(err, validation.ErrEmptyValue) {
		t.Errorf("expected empty-value configuration error, got %v", err)
	}
}

func TestMerge_IsAdditive(t *testing.T) {
	withPG, _ := Build(testShared(), domain.SubnetPlan{ApplicationID: 3}, domain.FeatureFlags{PostgreSQL: true}, Options{})
	withPG.AppGroup.ID = "sg-app"
	withoutPG, _ := Build(testShared(), domain.SubnetPlan{ApplicationID: 3}, domain.FeatureFlags{}, Options{})

	merged := Merge(withPG, withoutPG)
	if !hasRule(merged.AppGroup.Rules, "tcp/5432-5432/0.0.0.0/0") {
		t.Error("merge dropped a previously granted rule")
	}
	if merged.AppGroup.ID != "sg-app" {
		t.Errorf("merge lost the realised group id: %q", merged.AppGroup.ID)
	}

	prev := domain.SecurityGraph{SharedGrants: map[string][]domain.Rule{
		"sg-legacy": {{Protocol: "tcp", FromPort: 80, ToPort: 80, Peer: domain.Peer{GroupRef: AppGroupLogicalID}}},
	}}
	merged = Merge(prev, withoutPG)
	if _, ok := merged.SharedGrants["sg-legacy"]; !ok {
		t.Error("merge dropped a shared group")
	}
	for id, rules := range withoutPG.SharedGrants {
		for _, r := range rules {
			if !hasRule(merged.SharedGrants[id], r.Key()) {
				t.Errorf("merged graph missing %s on %s", r.Key(), id)
			}
		}
	}
}

func TestMerge_Idempotent(t *testing.T) {
	g, _ := Build(testShared(), domain.SubnetPlan{ApplicationID: 3}, domain.FeatureFlags{PostgreSQL: true}, Options{})
	once := Merge(g, g)
	twice := Merge(once, g)
	if len(once.AppGroup.Rules) != len(g.AppGroup.Rules) || len(twice.AppGroup.Rules) != len(g.AppGroup.Rules) {
		t.Errorf("merge duplicated rules: %d -> %d -> %d", len(g.AppGroup.Rules), len(once.AppGroup.Rules), len(twice.AppGroup.Rules))
	}
}

func TestDiff(t *testing.T) {
	a := tcp(22, 22, domain.Peer{CIDR: domain.AnyIPv4}, "SSH")
	b := tcp(3306, 3306, domain.Peer{CIDR: domain.AnyIPv4}, "MySQL")
	relabelled := tcp(22, 22, domain.Peer{CIDR: domain.AnyIPv4}, "ssh access")

	got := Diff([]domain.Rule{a}, []domain.Rule{relabelled, b, b})
	if len(got) != 1 || got[0].Key() != b.Key() {
		t.Errorf("Diff = %+v", got)
	}
}
