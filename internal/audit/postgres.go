//go:build postgres

package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditLogger is a PostgreSQL-backed implementation of AuditLogger.
type PostgresAuditLogger struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditLoggerFromPool creates a PostgreSQL-backed audit logger
// sharing the deployment store's pool.
func NewPostgresAuditLoggerFromPool(pool *pgxpool.Pool) *PostgresAuditLogger {
	return &PostgresAuditLogger{pool: pool}
}

// Log records an audit event to the database.
func (s *PostgresAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var details *string
	if len(event.Details) > 0 {
		if data, err := json.Marshal(event.Details); err == nil {
			s := string(data)
			details = &s
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, timestamp, run_id, application_id, action,
			resource_type, resource_id, physical_id, details, success, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)`,
		event.ID, event.Timestamp, event.RunID, event.ApplicationID, event.Action,
		event.ResourceType, event.ResourceID, nullStr(event.PhysicalID),
		details, event.Success, nullStr(event.Error),
	)
	return err
}

// List retrieves audit events with optional filtering.
func (s *PostgresAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	where := "TRUE"
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where += " AND " + cond + " $" + strconv.Itoa(len(args))
	}
	if opts.RunID != "" {
		add("run_id =", opts.RunID)
	}
	if opts.ApplicationID != nil {
		add("application_id =", *opts.ApplicationID)
	}
	if opts.Action != "" {
		add("action =", opts.Action)
	}
	if opts.ResourceType != "" {
		add("resource_type =", opts.ResourceType)
	}
	if opts.Since != nil {
		add("timestamp >=", *opts.Since)
	}
	if opts.Until != nil {
		add("timestamp <=", *opts.Until)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := "SELECT id, timestamp, run_id, application_id, action, resource_type, resource_id, physical_id, details::text, success, error FROM audit_events WHERE " +
		where + " ORDER BY timestamp DESC LIMIT $" + strconv.Itoa(n+1) + " OFFSET $" + strconv.Itoa(n+2)
	args = append(args, normalizeLimit(opts.Limit), opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events, err := scanAuditEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// GetByResource retrieves audit events for a specific resource.
func (s *PostgresAuditLogger) GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, timestamp, run_id, application_id, action, resource_type, resource_id,
			physical_id, details::text, success, error
		FROM audit_events
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY timestamp DESC
		LIMIT 1000`, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

func scanAuditEvents(rows pgx.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var physicalID, details, errMsg *string
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.RunID, &e.ApplicationID, &e.Action,
			&e.ResourceType, &e.ResourceID, &physicalID, &details, &e.Success, &errMsg,
		); err != nil {
			return nil, err
		}
		if physicalID != nil {
			e.PhysicalID = *physicalID
		}
		if errMsg != nil {
			e.Error = *errMsg
		}
		if details != nil && *details != "" {
			_ = json.Unmarshal([]byte(*details), &e.Details)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
