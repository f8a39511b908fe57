// Package audit records every action the composer takes against a
// provisioning backend, so an operator can see what a run created,
// authorized or deleted.
package audit

import (
	"context"
	"time"
)

// AuditEvent represents a single backend action.
type AuditEvent struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	RunID         string         `json:"run_id,omitempty"`
	ApplicationID int            `json:"application_id"`
	Action        string         `json:"action"`        // "create", "authorize", "delete"
	ResourceType  string         `json:"resource_type"` // "subnet", "instance", ...
	ResourceID    string         `json:"resource_id"`   // logical id
	PhysicalID    string         `json:"physical_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
}

// ListOptions provides filtering and pagination options for listing audit events.
type ListOptions struct {
	Limit         int
	Offset        int
	RunID         string
	ApplicationID *int
	Action        string
	ResourceType  string
	Since         *time.Time
	Until         *time.Time
}

// AuditLogger defines the interface for audit logging operations.
type AuditLogger interface {
	// Log records an audit event.
	Log(ctx context.Context, event *AuditEvent) error

	// List retrieves audit events with optional filtering, newest first.
	List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error)

	// GetByResource retrieves audit events for a specific resource.
	GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error)
}

// Valid actions for audit events.
const (
	ActionCreate    = "create"
	ActionAuthorize = "authorize"
	ActionDelete    = "delete"
)

// Valid resource types for audit events.
const (
	ResourceSubnet          = "subnet"
	ResourceRoute           = "route"
	ResourceSecurityGroup   = "security_group"
	ResourceIngress         = "ingress"
	ResourceKeyPair         = "key_pair"
	ResourceInstance        = "instance"
	ResourceDatabaseCluster = "database_cluster"
	ResourceInstanceProfile = "instance_profile"
)

// Default and maximum page sizes for List.
const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
