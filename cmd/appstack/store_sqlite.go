//go:build sqlite && !postgres

package main

import (
	"os"

	"appstack/internal/audit"
	"appstack/internal/observability"
	"appstack/internal/storage"
	sqlitestore "appstack/internal/storage/sqlite"
)

func sqliteDSN() string {
	dsn := os.Getenv("SQLITE_DSN")
	if dsn == "" {
		dsn = "file:appstack.db?cache=shared&_fk=1"
	}
	return dsn
}

// selectStore returns a SQLite-backed store and audit journal when built
// with the 'sqlite' tag. Configure with env var SQLITE_DSN.
func selectStore(logger observability.Logger) (storage.Store, audit.AuditLogger) {
	dsn := sqliteDSN()
	st, err := sqlitestore.New(dsn)
	if err != nil {
		logger.Error("sqlite init failed; falling back to memory store", "error", err)
		return storage.NewMemoryStore(), audit.NewMemoryAuditLogger()
	}
	logger.Debug("using sqlite store", "dsn", dsn)
	return st, audit.NewSQLiteAuditLoggerFromDB(st.DB())
}
