package storage

import (
	"appstack/internal/domain"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newDeployment(app int, status domain.DeploymentStatus, created time.Time) domain.Deployment {
	return domain.Deployment{
		ID:            uuid.New(),
		ApplicationID: app,
		Status:        status,
		ZoneCount:     2,
		Resources: []domain.ResourceRecord{
			{LogicalID: "DevInstance00", Kind: domain.KindInstance, PhysicalID: "i-1", RemovalPolicy: domain.RemovalDelete, Attributes: map[string]string{domain.AttrPublicIP: "203.0.113.1"}},
		},
		CreatedAt: created,
	}
}

func TestMemoryStore_Deployments(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := newDeployment(7, domain.DeploymentStatusCompleted, base)
	second := newDeployment(7, domain.DeploymentStatusFailed, base.Add(time.Hour))
	running := newDeployment(7, domain.DeploymentStatusRunning, base.Add(2*time.Hour))
	other := newDeployment(8, domain.DeploymentStatusCompleted, base.Add(3*time.Hour))
	for _, d := range []domain.Deployment{first, second, running, other} {
		if err := m.SaveDeployment(ctx, d); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	// Latest skips running deployments
	latest, ok, err := m.LatestDeployment(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("latest: %v ok=%v", err, ok)
	}
	if latest.ID != second.ID {
		t.Fatalf("expected failed deployment to be latest, got %s", latest.Status)
	}

	// Mutating the returned copy must not leak into the store
	latest.Resources[0].Attributes[domain.AttrPublicIP] = "mutated"
	again, _, _ := m.GetDeployment(ctx, second.ID)
	if again.Resources[0].Attributes[domain.AttrPublicIP] != "203.0.113.1" {
		t.Fatalf("store returned shared attribute map")
	}

	lst, err := m.ListDeployments(ctx, 7, DeploymentQueryOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(lst) != 3 || lst[0].ID != running.ID || lst[2].ID != first.ID {
		t.Fatalf("unexpected order: %+v", lst)
	}

	lst, _ = m.ListDeployments(ctx, 7, DeploymentQueryOptions{Status: domain.DeploymentStatusCompleted})
	if len(lst) != 1 || lst[0].ID != first.ID {
		t.Fatalf("status filter: %+v", lst)
	}
	lst, _ = m.ListDeployments(ctx, 7, DefaultDeploymentQueryOptions().WithLimit(1).WithOffset(1))
	if len(lst) != 1 || lst[0].ID != second.ID {
		t.Fatalf("pagination: %+v", lst)
	}
	lst, _ = m.ListDeployments(ctx, 7, DeploymentQueryOptions{Offset: 10})
	if len(lst) != 0 {
		t.Fatalf("expected empty page, got %d", len(lst))
	}

	// Upsert by id
	first.Status = domain.DeploymentStatusFailed
	first.ErrorMessage = "boom"
	if err := m.SaveDeployment(ctx, first); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, ok, _ := m.GetDeployment(ctx, first.ID)
	if !ok || got.ErrorMessage != "boom" {
		t.Fatalf("update not applied: %+v", got)
	}

	if _, ok, _ := m.LatestDeployment(ctx, 99); ok {
		t.Fatalf("expected no deployment for unknown application")
	}
}

func TestMemoryStore_Validation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	cases := []domain.Deployment{
		{ApplicationID: 1, Status: domain.DeploymentStatusCompleted},
		{ID: uuid.New(), ApplicationID: -1, Status: domain.DeploymentStatusCompleted},
		{ID: uuid.New(), ApplicationID: 1, Status: "bogus"},
	}
	for _, d := range cases {
		if err := m.SaveDeployment(ctx, d); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation for %+v, got %v", d, err)
		}
	}
}

func TestMemoryStore_Outputs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first := []domain.OutputRecord{{Label: "SSH0", Value: "ssh a"}, {Label: "MysqlEndpoint", Value: "db"}}
	if err := m.ReplaceOutputs(ctx, 7, first); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := m.ReplaceOutputs(ctx, 7, []domain.OutputRecord{{Label: "SSH0", Value: "ssh b"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := m.Outputs(ctx, 7)
	if err != nil {
		t.Fatalf("outputs: %v", err)
	}
	if len(got) != 1 || got[0].Value != "ssh b" {
		t.Fatalf("outputs were not replaced: %+v", got)
	}

	dup := []domain.OutputRecord{{Label: "SSH0"}, {Label: "SSH0"}}
	if err := m.ReplaceOutputs(ctx, 7, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := m.ReplaceOutputs(ctx, 7, []domain.OutputRecord{{Value: "x"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	empty, _ := m.Outputs(ctx, 8)
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}
}

func TestWrapIfConflict(t *testing.T) {
	if WrapIfConflict(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	if err := WrapIfConflict(errors.New("UNIQUE constraint failed: outputs.label")); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	plain := errors.New("disk full")
	if WrapIfConflict(plain) != plain {
		t.Fatal("unrelated errors must pass through")
	}
}
