// Package secgraph builds the application security group and the rules the
// application adds to shared groups it does not own.
package secgraph

import (
	"fmt"
	"sort"

	"appstack/internal/domain"
	"appstack/internal/validation"
)

// AppGroupLogicalID is the logical id of the application security group.
const AppGroupLogicalID = "AppSecurityGroup"

// Well-known ports.
const (
	PortSSH        = 22
	PortMySQL      = 3306
	PortPostgreSQL = 5432
	MaxPort        = 65535
)

// SharedGrantDescription labels the all-TCP rule added to shared groups.
const SharedGrantDescription = "Allow from Dev EC2"

// Options tunes the builder.
type Options struct {
	// IngressCIDR is the source for the application group's public rules.
	// Empty means anywhere.
	IngressCIDR string
}

func (o Options) ingress() string {
	if o.IngressCIDR != "" {
		return o.IngressCIDR
	}
	return domain.AnyIPv4
}

// GroupName returns the provider-visible name of the application group.
func GroupName(applicationID int) string {
	return fmt.Sprintf("appstack-%d", applicationID)
}

// Build derives the security graph. It never removes a rule from a shared
// group; callers merge the result with the previous graph.
func Build(shared domain.SharedContext, plan domain.SubnetPlan, flags domain.FeatureFlags, opts Options) (domain.SecurityGraph, error) {
	if shared.VpcID == "" {
		return domain.SecurityGraph{}, &validation.ConfigError{Field: "vpc id", Value: `""`, Reason: "shared vpc is not resolved", Err: validation.ErrEmptyValue}
	}
	src := domain.Peer{CIDR: opts.ingress()}

	app := domain.SecurityGroup{
		LogicalID:   AppGroupLogicalID,
		Name:        GroupName(plan.ApplicationID),
		Description: fmt.Sprintf("Application %d development access", plan.ApplicationID),
		VpcID:       shared.VpcID,
		Scope:       domain.ScopeApplication,
		Rules: []domain.Rule{
			tcp(PortSSH, PortSSH, src, "SSH"),
			tcp(PortMySQL, PortMySQL, src, "MySQL"),
		},
	}
	if flags.PostgreSQL {
		app.Rules = append(app.Rules, tcp(PortPostgreSQL, PortPostgreSQL, src, "PostgreSQL"))
	}

	grants := make(map[string][]domain.Rule, len(shared.SharedGroups))
	fromApp := domain.Peer{GroupRef: AppGroupLogicalID}
	for _, g := range shared.SharedGroups {
		if g.ID == "" {
			return domain.SecurityGraph{}, &validation.ConfigError{
				Field:  "shared group id",
				Value:  g.Name,
				Reason: "resolved to an empty id",
				Err:    validation.ErrEmptyValue,
			}
		}
		rules := []domain.Rule{tcp(0, MaxPort, fromApp, SharedGrantDescription)}
		if g.Cluster {
			rules = append(rules, tcp(PortSSH, PortSSH, domain.Peer{CIDR: domain.AnyIPv4}, "SSH"))
		}
		grants[g.ID] = appendUnique(grants[g.ID], rules...)
	}

	return domain.SecurityGraph{AppGroup: app, SharedGrants: grants}, nil
}

// Merge unions prev and next. Rules present in prev are kept even when next
// no longer declares them, so a redeploy can only widen access.
func Merge(prev, next domain.SecurityGraph) domain.SecurityGraph {
	out := domain.SecurityGraph{
		AppGroup:     next.AppGroup,
		SharedGrants: make(map[string][]domain.Rule, len(prev.SharedGrants)+len(next.SharedGrants)),
	}
	if out.AppGroup.LogicalID == "" {
		out.AppGroup = prev.AppGroup
	}
	out.AppGroup.Rules = appendUnique(append([]domain.Rule(nil), prev.AppGroup.Rules...), next.AppGroup.Rules...)
	if out.AppGroup.ID == "" {
		out.AppGroup.ID = prev.AppGroup.ID
	}

	for id, rules := range prev.SharedGrants {
		out.SharedGrants[id] = appendUnique(nil, rules...)
	}
	for id, rules := range next.SharedGrants {
		out.SharedGrants[id] = appendUnique(out.SharedGrants[id], rules...)
	}
	return out
}

// Diff returns the rules of next that prev does not already contain.
func Diff(prev, next []domain.Rule) []domain.Rule {
	seen := make(map[string]bool, len(prev))
	for _, r := range prev {
		seen[r.Key()] = true
	}
	var out []domain.Rule
	for _, r := range next {
		if !seen[r.Key()] {
			out = append(out, r)
			seen[r.Key()] = true
		}
	}
	return out
}

// SharedGroupIDs returns the grant keys in sorted order.
func SharedGroupIDs(g domain.SecurityGraph) []string {
	ids := make([]string, 0, len(g.SharedGrants))
	for id := range g.SharedGrants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func tcp(from, to int, peer domain.Peer, desc string) domain.Rule {
	return domain.Rule{Protocol: "tcp", FromPort: from, ToPort: to, Peer: peer, Description: desc}
}

func appendUnique(dst []domain.Rule, rules ...domain.Rule) []domain.Rule {
	seen := make(map[string]bool, len(dst)+len(rules))
	for _, r := range dst {
		seen[r.Key()] = true
	}
	for _, r := range rules {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		dst = append(dst, r)
	}
	return dst
}
