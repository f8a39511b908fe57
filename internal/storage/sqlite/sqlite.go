//go:build sqlite

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"appstack/internal/domain"
	"appstack/internal/storage"
)

// timeFormat is fixed width so timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Status returns schema_migrations and schema_info summary for the given DSN without creating a Store.
func Status(dsn string) (string, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return "", err
	}
	defer db.Close()
	var latest int
	_ = db.QueryRow(`SELECT COALESCE(MAX(version),0) FROM schema_migrations`).Scan(&latest)
	var schemaVersion, minSupported int
	var appVersion, appliedAt string
	_ = db.QueryRow(`SELECT schema_version, min_supported_schema, app_version, applied_at FROM schema_info WHERE id=1`).Scan(&schemaVersion, &minSupported, &appVersion, &appliedAt)
	var count int
	_ = db.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&count)
	return fmt.Sprintf("schema_version=%d applied=%d latest=%d app_version=%s applied_at=%s min_supported=%d", schemaVersion, count, latest, appVersion, appliedAt, minSupported), nil
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.HealthCheck = (*Store)(nil)
)

// DB returns the underlying handle for shared access (audit logger).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Ping checks database connectivity (implements storage.HealthCheck).
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Stats returns connection pool statistics (implements storage.HealthCheck).
func (s *Store) Stats() *storage.DBStats {
	st := s.db.Stats()
	return &storage.DBStats{
		MaxOpenConnections: st.MaxOpenConnections,
		OpenConnections:    st.OpenConnections,
		InUse:              st.InUse,
		Idle:               st.Idle,
		WaitCount:          st.WaitCount,
		WaitDuration:       st.WaitDuration.Nanoseconds(),
	}
}

func (s *Store) SaveDeployment(ctx context.Context, d domain.Deployment) error {
	if err := storage.ValidateDeployment(d); err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cols, err := marshalColumns(d)
	if err != nil {
		return err
	}
	var completed sql.NullString
	if d.CompletedAt != nil {
		completed = sql.NullString{String: d.CompletedAt.UTC().Format(timeFormat), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments(id, application_id, status, flags, zone_count, instance_count, subnets, graph, resources, outputs, error_message, created_at, completed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, flags=excluded.flags, zone_count=excluded.zone_count,
			instance_count=excluded.instance_count, subnets=excluded.subnets, graph=excluded.graph,
			resources=excluded.resources, outputs=excluded.outputs,
			error_message=excluded.error_message, completed_at=excluded.completed_at`,
		d.ID.String(), d.ApplicationID, string(d.Status), cols.flags, d.ZoneCount, d.InstanceCount,
		cols.subnets, cols.graph, cols.resources, cols.outputs,
		sql.NullString{String: d.ErrorMessage, Valid: d.ErrorMessage != ""},
		d.CreatedAt.UTC().Format(timeFormat), completed)
	return storage.WrapIfConflict(err)
}

const deploymentColumns = `id, application_id, status, flags, zone_count, instance_count, subnets, graph, resources, outputs, error_message, created_at, completed_at`

func (s *Store) GetDeployment(ctx context.Context, id uuid.UUID) (domain.Deployment, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id=?`, id.String())
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Deployment{}, false, nil
	}
	if err != nil {
		return domain.Deployment{}, false, err
	}
	return d, true, nil
}

func (s *Store) LatestDeployment(ctx context.Context, applicationID int) (domain.Deployment, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments
		WHERE application_id=? AND status <> ? ORDER BY created_at DESC LIMIT 1`,
		applicationID, string(domain.DeploymentStatusRunning))
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Deployment{}, false, nil
	}
	if err != nil {
		return domain.Deployment{}, false, err
	}
	return d, true, nil
}

func (s *Store) ListDeployments(ctx context.Context, applicationID int, opts storage.DeploymentQueryOptions) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE application_id=?`
	args := []any{applicationID}
	if opts.Status != "" {
		query += ` AND status=?`
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, opts.Since.UTC().Format(timeFormat))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.NormalizedLimit(), opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceOutputs(ctx context.Context, applicationID int, records []domain.OutputRecord) error {
	if err := storage.ValidateOutputs(records); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outputs WHERE application_id=?`, applicationID); err != nil {
		_ = tx.Rollback()
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for i, r := range records {
		if _, err := tx.ExecContext(ctx, `INSERT INTO outputs(application_id, position, label, value, updated_at) VALUES(?, ?, ?, ?, ?)`,
			applicationID, i, r.Label, r.Value, now); err != nil {
			_ = tx.Rollback()
			return storage.WrapIfConflict(err)
		}
	}
	return tx.Commit()
}

func (s *Store) Outputs(ctx context.Context, applicationID int) ([]domain.OutputRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label, value FROM outputs WHERE application_id=? ORDER BY position ASC`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.OutputRecord{}
	for rows.Next() {
		var r domain.OutputRecord
		if err := rows.Scan(&r.Label, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type columns struct {
	flags, subnets, graph, resources, outputs string
}

func marshalColumns(d domain.Deployment) (columns, error) {
	var c columns
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&c.flags, d.Flags},
		{&c.subnets, nonNil(d.Subnets)},
		{&c.graph, d.Graph},
		{&c.resources, nonNil(d.Resources)},
		{&c.outputs, nonNil(d.Outputs)},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return columns{}, fmt.Errorf("encode deployment: %w", err)
		}
		*f.dst = string(b)
	}
	return c, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (domain.Deployment, error) {
	var d domain.Deployment
	var id, status, created string
	var c columns
	var errMsg, completed sql.NullString
	if err := row.Scan(&id, &d.ApplicationID, &status, &c.flags, &d.ZoneCount, &d.InstanceCount,
		&c.subnets, &c.graph, &c.resources, &c.outputs, &errMsg, &created, &completed); err != nil {
		return domain.Deployment{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("deployment id %q: %w", id, err)
	}
	d.ID = parsed
	d.Status = domain.DeploymentStatus(status)
	d.ErrorMessage = errMsg.String
	if t, e := time.Parse(time.RFC3339Nano, created); e == nil {
		d.CreatedAt = t
	}
	if completed.Valid {
		if t, e := time.Parse(time.RFC3339Nano, completed.String); e == nil {
			d.CompletedAt = &t
		}
	}
	for _, f := range []struct {
		src string
		dst any
	}{
		{c.flags, &d.Flags},
		{c.subnets, &d.Subnets},
		{c.graph, &d.Graph},
		{c.resources, &d.Resources},
		{c.outputs, &d.Outputs},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return domain.Deployment{}, fmt.Errorf("decode deployment %s: %w", id, err)
		}
	}
	return d, nil
}
