package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"appstack/internal/domain"
)

// Store records composition runs and the outputs currently published for
// each application.
type Store interface {
	// SaveDeployment inserts or replaces the deployment with d.ID.
	SaveDeployment(ctx context.Context, d domain.Deployment) error
	// GetDeployment returns the deployment with id.
	GetDeployment(ctx context.Context, id uuid.UUID) (domain.Deployment, bool, error)
	// LatestDeployment returns the most recent deployment of applicationID
	// that reached a terminal status.
	LatestDeployment(ctx context.Context, applicationID int) (domain.Deployment, bool, error)
	// ListDeployments returns the deployments of applicationID, newest first.
	ListDeployments(ctx context.Context, applicationID int, opts DeploymentQueryOptions) ([]domain.Deployment, error)
	// ReplaceOutputs swaps the published outputs of applicationID.
	ReplaceOutputs(ctx context.Context, applicationID int, records []domain.OutputRecord) error
	// Outputs returns the published outputs of applicationID in emit order.
	Outputs(ctx context.Context, applicationID int) ([]domain.OutputRecord, error)
	// Close releases resources held by the store
	Close() error
}

// ValidateDeployment checks the fields every store requires.
func ValidateDeployment(d domain.Deployment) error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("deployment id required: %w", ErrValidation)
	}
	if d.ApplicationID < 0 {
		return fmt.Errorf("application id must be non-negative: %w", ErrValidation)
	}
	if !domain.IsValidDeploymentStatus(d.Status) {
		return fmt.Errorf("invalid deployment status %q: %w", d.Status, ErrValidation)
	}
	return nil
}

// ValidateOutputs rejects empty and duplicate labels.
func ValidateOutputs(records []domain.OutputRecord) error {
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Label == "" {
			return fmt.Errorf("output label required: %w", ErrValidation)
		}
		if seen[r.Label] {
			return fmt.Errorf("output %q: %w", r.Label, ErrConflict)
		}
		seen[r.Label] = true
	}
	return nil
}

// MemoryStore is an in-memory implementation for quick start and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	deployments map[uuid.UUID]domain.Deployment
	outputs     map[int][]domain.OutputRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deployments: make(map[uuid.UUID]domain.Deployment), outputs: make(map[int][]domain.OutputRecord)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) SaveDeployment(ctx context.Context, d domain.Deployment) error {
	if err := ValidateDeployment(d); err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[d.ID] = cloneDeployment(d)
	return nil
}

func (m *MemoryStore) GetDeployment(ctx context.Context, id uuid.UUID) (domain.Deployment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return domain.Deployment{}, false, nil
	}
	return cloneDeployment(d), true, nil
}

func (m *MemoryStore) LatestDeployment(ctx context.Context, applicationID int) (domain.Deployment, bool, error) {
	for _, d := range m.sorted(applicationID) {
		if d.Status != domain.DeploymentStatusRunning {
			return cloneDeployment(d), true, nil
		}
	}
	return domain.Deployment{}, false, nil
}

func (m *MemoryStore) ListDeployments(ctx context.Context, applicationID int, opts DeploymentQueryOptions) ([]domain.Deployment, error) {
	var out []domain.Deployment
	for _, d := range m.sorted(applicationID) {
		if opts.Status != "" && d.Status != opts.Status {
			continue
		}
		if !opts.Since.IsZero() && d.CreatedAt.Before(opts.Since) {
			continue
		}
		out = append(out, cloneDeployment(d))
	}
	if opts.Offset >= len(out) {
		return []domain.Deployment{}, nil
	}
	out = out[opts.Offset:]
	if limit := opts.NormalizedLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sorted returns the deployments of applicationID newest first.
func (m *MemoryStore) sorted(applicationID int) []domain.Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Deployment
	for _, d := range m.deployments {
		if d.ApplicationID == applicationID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) ReplaceOutputs(ctx context.Context, applicationID int, records []domain.OutputRecord) error {
	if err := ValidateOutputs(records); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[applicationID] = append([]domain.OutputRecord(nil), records...)
	return nil
}

func (m *MemoryStore) Outputs(ctx context.Context, applicationID int) ([]domain.OutputRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.OutputRecord{}, m.outputs[applicationID]...), nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneDeployment(d domain.Deployment) domain.Deployment {
	d.Subnets = append([]domain.SubnetRecord(nil), d.Subnets...)
	d.Outputs = append([]domain.OutputRecord(nil), d.Outputs...)
	resources := make([]domain.ResourceRecord, len(d.Resources))
	for i, r := range d.Resources {
		if r.Attributes != nil {
			attrs := make(map[string]string, len(r.Attributes))
			for k, v := range r.Attributes {
				attrs[k] = v
			}
			r.Attributes = attrs
		}
		resources[i] = r
	}
	d.Resources = resources
	if d.Graph.SharedGrants != nil {
		grants := make(map[string][]domain.Rule, len(d.Graph.SharedGrants))
		for k, v := range d.Graph.SharedGrants {
			grants[k] = append([]domain.Rule(nil), v...)
		}
		d.Graph.SharedGrants = grants
	}
	d.Graph.AppGroup.Rules = append([]domain.Rule(nil), d.Graph.AppGroup.Rules...)
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		d.CompletedAt = &t
	}
	return d
}
