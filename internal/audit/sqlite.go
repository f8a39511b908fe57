//go:build sqlite

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-less SQLite driver
)

// SQLiteAuditLogger is a SQLite-backed implementation of AuditLogger. The
// audit_events table is created by the storage migrations.
type SQLiteAuditLogger struct {
	db *sql.DB
}

// NewSQLiteAuditLoggerFromDB creates a SQLite-backed audit logger sharing the
// deployment store's connection.
func NewSQLiteAuditLoggerFromDB(db *sql.DB) *SQLiteAuditLogger {
	return &SQLiteAuditLogger{db: db}
}

// Log records an audit event to the database.
func (s *SQLiteAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var details sql.NullString
	if len(event.Details) > 0 {
		if data, err := json.Marshal(event.Details); err == nil {
			details = sql.NullString{String: string(data), Valid: true}
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, run_id, application_id, action, resource_type, resource_id, physical_id, details, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Timestamp.Format(time.RFC3339Nano),
		event.RunID,
		event.ApplicationID,
		event.Action,
		event.ResourceType,
		event.ResourceID,
		sql.NullString{String: event.PhysicalID, Valid: event.PhysicalID != ""},
		details,
		event.Success,
		sql.NullString{String: event.Error, Valid: event.Error != ""},
	)
	return err
}

// List retrieves audit events with optional filtering.
func (s *SQLiteAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	where, args := sqliteWhere(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT id, timestamp, run_id, application_id, action, resource_type, resource_id, physical_id, details, success, error FROM audit_events WHERE " +
		where + " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(opts.Limit), opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var timestamp string
		var physicalID, details, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &timestamp, &e.RunID, &e.ApplicationID, &e.Action, &e.ResourceType, &e.ResourceID, &physicalID, &details, &e.Success, &errMsg); err != nil {
			return nil, 0, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		e.PhysicalID = physicalID.String
		e.Error = errMsg.String
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

// GetByResource retrieves audit events for a specific resource.
func (s *SQLiteAuditLogger) GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, run_id, application_id, action, resource_type, resource_id, physical_id, details, success, error
		FROM audit_events WHERE resource_type = ? AND resource_id = ? ORDER BY timestamp DESC`,
		resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var timestamp string
		var physicalID, details, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &timestamp, &e.RunID, &e.ApplicationID, &e.Action, &e.ResourceType, &e.ResourceID, &physicalID, &details, &e.Success, &errMsg); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		e.PhysicalID = physicalID.String
		e.Error = errMsg.String
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func sqliteWhere(opts ListOptions) (string, []any) {
	where := "1=1"
	args := []any{}
	if opts.RunID != "" {
		where += " AND run_id = ?"
		args = append(args, opts.RunID)
	}
	if opts.ApplicationID != nil {
		where += " AND application_id = ?"
		args = append(args, *opts.ApplicationID)
	}
	if opts.Action != "" {
		where += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.ResourceType != "" {
		where += " AND resource_type = ?"
		args = append(args, opts.ResourceType)
	}
	if opts.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if opts.Until != nil {
		where += " AND timestamp <= ?"
		args = append(args, opts.Until.UTC().Format(time.RFC3339Nano))
	}
	return where, args
}
