package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus is the outcome of a composition run.
type DeploymentStatus string

const (
	DeploymentStatusRunning   DeploymentStatus = "running"
	DeploymentStatusCompleted DeploymentStatus = "completed"
	DeploymentStatusFailed    DeploymentStatus = "failed"
)

// ValidDeploymentStatuses contains all valid deployment statuses.
var ValidDeploymentStatuses = []DeploymentStatus{
	DeploymentStatusRunning,
	DeploymentStatusCompleted,
	DeploymentStatusFailed,
}

// IsValidDeploymentStatus checks if a deployment status is valid.
func IsValidDeploymentStatus(s DeploymentStatus) bool {
	for _, valid := range ValidDeploymentStatuses {
		if s == valid {
			return true
		}
	}
	return false
}

// SubnetRecord ties a planned subnet to the identifiers the backend returned.
type SubnetRecord struct {
	Subnet       Subnet `json:"subnet"`
	SubnetID     string `json:"subnet_id"`
	RouteTableID string `json:"route_table_id"`
}

// ResourceRecord is the persisted form of a realised ProvisionedResource.
// Attributes keep whatever the backend needs to delete it later.
type ResourceRecord struct {
	LogicalID     string            `json:"logical_id"`
	Kind          ResourceKind      `json:"kind"`
	PhysicalID    string            `json:"physical_id"`
	RemovalPolicy RemovalPolicy     `json:"removal_policy"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Deployment is the record of one composition run for one application.
type Deployment struct {
	ID            uuid.UUID        `json:"id"`
	ApplicationID int              `json:"application_id"`
	Status        DeploymentStatus `json:"status"`
	Flags         FeatureFlags     `json:"flags"`
	ZoneCount     int              `json:"zone_count"`
	InstanceCount int              `json:"instance_count"`
	Subnets       []SubnetRecord   `json:"subnets"`
	Graph         SecurityGraph    `json:"graph"`
	Resources     []ResourceRecord `json:"resources"`
	Outputs       []OutputRecord   `json:"outputs"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// Plan rebuilds the subnet plan recorded by this deployment.
func (d Deployment) Plan() SubnetPlan {
	plan := SubnetPlan{ApplicationID: d.ApplicationID}
	for _, s := range d.Subnets {
		plan.Subnets = append(plan.Subnets, s.Subnet)
	}
	return plan
}

// Resource returns the record with the given logical id.
func (d Deployment) Resource(logicalID string) (ResourceRecord, bool) {
	for _, r := range d.Resources {
		if r.LogicalID == logicalID {
			return r, true
		}
	}
	return ResourceRecord{}, false
}
