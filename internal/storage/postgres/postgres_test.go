//go:build postgres

package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"appstack/internal/audit"
	"appstack/internal/domain"
	"appstack/internal/storage"
	pgmigrations "appstack/migrations/postgres"
)

// testDB holds a shared database connection for test suites.
// It's initialized once via TestMain and reused across test functions.
var testDB struct {
	connStr   string
	pool      *pgxpool.Pool
	store     *Store
	container testcontainers.Container
}

// TestMain sets up a PostgreSQL database for tests.
// It supports two modes:
//  1. DATABASE_URL env var - uses an existing PostgreSQL instance (CI/custom)
//  2. testcontainers-go - automatically starts a PostgreSQL container
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("appstack_test"),
			tcpostgres.WithUsername("appstack"),
			tcpostgres.WithPassword("appstack"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start PostgreSQL container: %v\n", err)
			os.Exit(1)
		}
		testDB.container = container

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get connection string: %v\n", err)
			_ = container.Terminate(ctx)
			os.Exit(1)
		}
	}

	testDB.connStr = connStr

	// Create the store (runs migrations)
	store, err := New(connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create store: %v\n", err)
		if testDB.container != nil {
			_ = testDB.container.Terminate(ctx)
		}
		os.Exit(1)
	}
	testDB.store = store
	testDB.pool = store.Pool()

	code := m.Run()

	// Cleanup
	_ = store.Close()
	if testDB.container != nil {
		_ = testDB.container.Terminate(ctx)
	}

	os.Exit(code)
}

// resetDB truncates all data tables between tests to ensure isolation.
func resetDB(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"outputs", "deployments", "audit_events"} {
		if _, err := testDB.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("failed to reset table %s: %v", table, err)
		}
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	files, err := listMigrations(pgmigrations.Files)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no embedded migrations")
	}
	if err := runMigrations(ctx, testDB.pool); err != nil {
		t.Fatalf("second run: %v", err)
	}
	v, err := testDB.store.SchemaVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := files[len(files)-1].version; v != want {
		t.Errorf("SchemaVersion() = %d, want %d", v, want)
	}
}

func sampleDeployment(app int, status domain.DeploymentStatus, created time.Time) domain.Deployment {
	return domain.Deployment{
		ID:            uuid.New(),
		ApplicationID: app,
		Status:        status,
		Flags:         domain.FeatureFlags{Instances: true, PostgreSQL: true},
		ZoneCount:     2,
		InstanceCount: 1,
		Subnets: []domain.SubnetRecord{{
			Subnet:   domain.Subnet{LogicalID: "Subnet0", CIDR: netip.MustParsePrefix("10.0.7.0/28"), ZoneID: "eu-west-1a", Public: true},
			SubnetID: "subnet-1", RouteTableID: "rtb-1",
		}},
		Graph: domain.SecurityGraph{
			AppGroup: domain.SecurityGroup{LogicalID: "AppSecurityGroup", ID: "sg-app"},
		},
		Resources: []domain.ResourceRecord{{LogicalID: "Postgresql", Kind: domain.KindDatabaseCluster, PhysicalID: "appstack-7-postgresql", RemovalPolicy: domain.RemovalDestroy}},
		CreatedAt: created,
	}
}

// =============================================================================
// Deployments
// =============================================================================

func TestSaveAndGetDeployment(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	s := testDB.store

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	d := sampleDeployment(7, domain.DeploymentStatusRunning, created)
	if err := s.SaveDeployment(ctx, d); err != nil {
		t.Fatalf("SaveDeployment failed: %v", err)
	}

	done := created.Add(time.Minute)
	d.Status = domain.DeploymentStatusCompleted
	d.CompletedAt = &done
	d.Outputs = []domain.OutputRecord{{Label: "PostgresqlEndpoint", Value: "pg.local"}}
	if err := s.SaveDeployment(ctx, d); err != nil {
		t.Fatalf("SaveDeployment (update) failed: %v", err)
	}

	got, ok, err := s.GetDeployment(ctx, d.ID)
	if err != nil || !ok {
		t.Fatalf("GetDeployment failed: %v ok=%v", err, ok)
	}
	if got.Status != domain.DeploymentStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("expected completed_at %v, got %v", done, got.CompletedAt)
	}
	if got.Subnets[0].Subnet.CIDR.String() != "10.0.7.0/28" {
		t.Errorf("unexpected subnets: %+v", got.Subnets)
	}
	if len(got.Outputs) != 1 || got.Outputs[0].Value != "pg.local" {
		t.Errorf("unexpected outputs: %+v", got.Outputs)
	}

	if _, ok, err := s.GetDeployment(ctx, uuid.New()); err != nil || ok {
		t.Errorf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestLatestAndListDeployments(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	s := testDB.store
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	completed := sampleDeployment(7, domain.DeploymentStatusCompleted, base)
	failed := sampleDeployment(7, domain.DeploymentStatusFailed, base.Add(time.Hour))
	running := sampleDeployment(7, domain.DeploymentStatusRunning, base.Add(2*time.Hour))
	other := sampleDeployment(8, domain.DeploymentStatusCompleted, base.Add(3*time.Hour))
	for _, d := range []domain.Deployment{completed, failed, running, other} {
		if err := s.SaveDeployment(ctx, d); err != nil {
			t.Fatalf("SaveDeployment failed: %v", err)
		}
	}

	latest, ok, err := s.LatestDeployment(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("LatestDeployment failed: %v ok=%v", err, ok)
	}
	if latest.ID != failed.ID {
		t.Errorf("expected failed deployment, got %s", latest.Status)
	}

	t.Run("all", func(t *testing.T) {
		lst, err := s.ListDeployments(ctx, 7, storage.DeploymentQueryOptions{})
		if err != nil {
			t.Fatalf("ListDeployments failed: %v", err)
		}
		if len(lst) != 3 || lst[0].ID != running.ID {
			t.Errorf("unexpected list: %d", len(lst))
		}
	})
	t.Run("status", func(t *testing.T) {
		lst, _ := s.ListDeployments(ctx, 7, storage.DeploymentQueryOptions{Status: domain.DeploymentStatusCompleted})
		if len(lst) != 1 || lst[0].ID != completed.ID {
			t.Errorf("unexpected list: %d", len(lst))
		}
	})
	t.Run("page", func(t *testing.T) {
		lst, _ := s.ListDeployments(ctx, 7, storage.DefaultDeploymentQueryOptions().WithLimit(1).WithOffset(2))
		if len(lst) != 1 || lst[0].ID != completed.ID {
			t.Errorf("unexpected page: %d", len(lst))
		}
	})
	t.Run("since", func(t *testing.T) {
		lst, _ := s.ListDeployments(ctx, 7, storage.DeploymentQueryOptions{Since: base.Add(90 * time.Minute)})
		if len(lst) != 1 || lst[0].ID != running.ID {
			t.Errorf("unexpected list: %d", len(lst))
		}
	})
}

func TestSaveDeploymentValidation(t *testing.T) {
	err := testDB.store.SaveDeployment(context.Background(), domain.Deployment{ApplicationID: 1, Status: domain.DeploymentStatusCompleted})
	if !errors.Is(err, storage.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// =============================================================================
// Outputs
// =============================================================================

func TestReplaceOutputs(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	s := testDB.store

	first := []domain.OutputRecord{{Label: "SSH0", Value: "ssh a"}, {Label: "MysqlEndpoint", Value: "db"}}
	if err := s.ReplaceOutputs(ctx, 7, first); err != nil {
		t.Fatalf("ReplaceOutputs failed: %v", err)
	}
	got, err := s.Outputs(ctx, 7)
	if err != nil {
		t.Fatalf("Outputs failed: %v", err)
	}
	if len(got) != 2 || got[0].Label != "SSH0" || got[1].Label != "MysqlEndpoint" {
		t.Errorf("unexpected outputs: %+v", got)
	}

	if err := s.ReplaceOutputs(ctx, 7, nil); err != nil {
		t.Fatalf("ReplaceOutputs (clear) failed: %v", err)
	}
	if got, _ := s.Outputs(ctx, 7); len(got) != 0 {
		t.Errorf("expected no outputs, got %+v", got)
	}
}

// =============================================================================
// Audit logger sharing the pool
// =============================================================================

func TestAuditLoggerOnStorePool(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	al := audit.NewPostgresAuditLoggerFromPool(testDB.pool)

	events := []*audit.AuditEvent{
		{RunID: "run-1", ApplicationID: 7, Action: audit.ActionCreate, ResourceType: audit.ResourceSubnet, ResourceID: "Subnet0", PhysicalID: "subnet-1", Success: true, Details: map[string]any{"cidr": "10.0.7.0/28"}},
		{RunID: "run-1", ApplicationID: 7, Action: audit.ActionAuthorize, ResourceType: audit.ResourceIngress, ResourceID: "sg-core", Success: false, Error: "denied"},
	}
	for _, e := range events {
		if err := al.Log(ctx, e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	got, total, err := al.List(ctx, audit.ListOptions{RunID: "run-1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Fatalf("expected 2 events, got %d/%d", len(got), total)
	}

	byResource, err := al.GetByResource(ctx, audit.ResourceSubnet, "Subnet0")
	if err != nil || len(byResource) != 1 {
		t.Fatalf("GetByResource failed: %v (%d)", err, len(byResource))
	}
	if byResource[0].Details["cidr"] != "10.0.7.0/28" {
		t.Errorf("details not preserved: %+v", byResource[0].Details)
	}
}
