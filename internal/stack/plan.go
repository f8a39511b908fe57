package stack

import (
	"context"
	"fmt"

	"appstack/internal/allocator"
	"appstack/internal/domain"
	"appstack/internal/observability"
	"appstack/internal/secgraph"
	"appstack/internal/validation"
)

// Plan is the declared target state of one application, computed without
// touching the backend.
type Plan struct {
	Request       Request
	InstanceCount int
	Shared        domain.SharedContext
	Subnets       domain.SubnetPlan
	Graph         domain.SecurityGraph
	Resources     []domain.ProvisionedResource
	Outputs       []domain.OutputRecord

	// NewRules are application group rules the previous deployment did not
	// have yet.
	NewRules []domain.Rule
	// Removed are previously realised resources that are no longer declared.
	Removed []domain.ResourceRecord
	// Previous is the last finished deployment, if any.
	Previous *domain.Deployment
}

// Instances returns the declared instances.
func (p *Plan) Instances() []*domain.Instance {
	var out []*domain.Instance
	for _, r := range p.Resources {
		if i, ok := r.(*domain.Instance); ok {
			out = append(out, i)
		}
	}
	return out
}

// Plan runs import, allocation, the security graph and the provisioner and
// compares the result with the previous deployment. Every configuration
// error surfaces here, before any backend request.
func (c *Composer) Plan(ctx context.Context, req Request) (*Plan, error) {
	ctx = observability.WithApplicationID(ctx, req.ApplicationID)
	if err := validation.ValidateApplicationID(req.ApplicationID); err != nil {
		return nil, err
	}
	p := &Plan{Request: req, InstanceCount: req.InstanceCount}
	if err := validation.ValidateInstanceCount(req.InstanceCount); err != nil {
		c.logger.WarnContext(ctx, "treating negative instance count as zero", "instances", req.InstanceCount)
		p.InstanceCount = 0
	}

	err := c.stage(ctx, StageImport, func(ctx context.Context) error {
		shared, err := c.importer.Resolve(ctx)
		p.Shared = shared
		return err
	})
	if err != nil {
		return nil, err
	}

	prev, ok, err := c.store.LatestDeployment(ctx, req.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("load previous deployment: %w", err)
	}
	if ok {
		p.Previous = &prev
	}

	err = c.stage(ctx, StageAllocate, func(ctx context.Context) error {
		plan, err := allocator.Allocate(p.Shared, domain.AllocationRequest{
			ApplicationID: req.ApplicationID,
			ZoneCount:     req.ZoneCount,
		}, c.allocator)
		if err != nil {
			return err
		}
		if p.Previous != nil {
			if err := allocator.VerifyAppendOnly(p.Previous.Plan(), plan); err != nil {
				return err
			}
		}
		p.Subnets = plan
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = c.stage(ctx, StageSecurityGraph, func(ctx context.Context) error {
		graph, err := secgraph.Build(p.Shared, p.Subnets, req.Flags, c.secgraph)
		if err != nil {
			return err
		}
		if p.Previous != nil {
			p.NewRules = secgraph.Diff(p.Previous.Graph.AppGroup.Rules, graph.AppGroup.Rules)
			graph = secgraph.Merge(p.Previous.Graph, graph)
		} else {
			p.NewRules = graph.AppGroup.Rules
		}
		p.Graph = graph
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = c.stage(ctx, StageProvision, func(ctx context.Context) error {
		res, err := c.provisioner.Provision(req.Flags, p.Subnets, p.Graph, p.InstanceCount)
		if err != nil {
			return err
		}
		p.Resources = res.Resources
		p.Outputs = res.Outputs
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(p.Instances()) > 0 && len(c.keyPair.PublicKey) == 0 {
		return nil, &validation.ConfigError{
			Field:  "key pair",
			Value:  c.provisioner.KeyName(),
			Reason: "instances need a public key",
			Err:    validation.ErrEmptyValue,
		}
	}

	if p.Previous != nil {
		declared := make(map[string]bool, len(p.Resources))
		for _, r := range p.Resources {
			declared[r.LogicalName()] = true
		}
		for _, rec := range p.Previous.Resources {
			if !declared[rec.LogicalID] {
				p.Removed = append(p.Removed, rec)
			}
		}
	}

	c.logger.InfoContext(ctx, "planned stack",
		"subnets", len(p.Subnets.Subnets),
		"resources", len(p.Resources),
		"new_rules", len(p.NewRules),
		"removed", len(p.Removed))
	return p, nil
}
