// Package storage provides storage interfaces and implementations for
// deployment history and application outputs.
// This file defines the optional interfaces SQL-backed stores implement.
package storage

import (
	"context"
	"time"

	"appstack/internal/domain"
)

// DeploymentQueryOptions filters ListDeployments.
type DeploymentQueryOptions struct {
	// Status filters by exact deployment status.
	Status domain.DeploymentStatus

	// Since filters deployments created at or after this time.
	Since time.Time

	// Limit is the maximum number of results. Zero means the default.
	Limit int

	// Offset is the number of results to skip.
	Offset int
}

// DefaultDeploymentQueryOptions returns sensible defaults for deployment queries.
func DefaultDeploymentQueryOptions() DeploymentQueryOptions {
	return DeploymentQueryOptions{Limit: 20}
}

// WithLimit returns a copy of options with the specified limit.
func (o DeploymentQueryOptions) WithLimit(limit int) DeploymentQueryOptions {
	o.Limit = limit
	return o
}

// WithOffset returns a copy of options with the specified offset.
func (o DeploymentQueryOptions) WithOffset(offset int) DeploymentQueryOptions {
	o.Offset = offset
	return o
}

// NormalizedLimit returns the effective limit, applying the default and cap.
func (o DeploymentQueryOptions) NormalizedLimit() int {
	if o.Limit <= 0 {
		return 20
	}
	if o.Limit > 500 {
		return 500
	}
	return o.Limit
}

// HealthCheck provides database health checking.
type HealthCheck interface {
	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Stats returns database connection pool statistics.
	Stats() *DBStats
}

// DBStats contains database connection pool statistics.
type DBStats struct {
	// MaxOpenConnections is the maximum number of open connections.
	MaxOpenConnections int

	// OpenConnections is the current number of open connections.
	OpenConnections int

	// InUse is the number of connections currently in use.
	InUse int

	// Idle is the number of idle connections.
	Idle int

	// WaitCount is the total number of connections waited for.
	WaitCount int64

	// WaitDuration is the total time blocked waiting for a new connection.
	WaitDuration int64 // nanoseconds
}
