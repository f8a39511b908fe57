//go:build !sqlite && !postgres

package main

import (
	"os"

	"appstack/internal/audit"
	"appstack/internal/observability"
	"appstack/internal/storage"
)

// selectStore returns the in-memory store when built without the 'sqlite'
// or 'postgres' tag. History does not survive the process.
func selectStore(logger observability.Logger) (storage.Store, audit.AuditLogger) {
	if os.Getenv("SQLITE_DSN") != "" || os.Getenv("DATABASE_URL") != "" {
		logger.Warn("database configured, but binary not built with -tags sqlite or postgres; using in-memory store")
	}
	return storage.NewMemoryStore(), audit.NewMemoryAuditLogger()
}
