package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents is the default maximum number of events to store.
const DefaultMaxEvents = 10000

// MemoryAuditLogger is an in-memory implementation of AuditLogger.
// It stores events in a slice with newest events first.
// This implementation is thread-safe and limits storage to prevent unbounded growth.
type MemoryAuditLogger struct {
	mu        sync.RWMutex
	events    []*AuditEvent
	maxEvents int
}

// MemoryAuditLoggerOption configures a MemoryAuditLogger.
type MemoryAuditLoggerOption func(*MemoryAuditLogger)

// WithMaxEvents sets the maximum number of events to store.
func WithMaxEvents(n int) MemoryAuditLoggerOption {
	return func(m *MemoryAuditLogger) {
		if n > 0 {
			m.maxEvents = n
		}
	}
}

// NewMemoryAuditLogger creates a new in-memory audit logger.
func NewMemoryAuditLogger(opts ...MemoryAuditLoggerOption) *MemoryAuditLogger {
	m := &MemoryAuditLogger{
		events:    make([]*AuditEvent, 0),
		maxEvents: DefaultMaxEvents,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Log records an audit event.
func (m *MemoryAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Prepend a copy (newest first)
	m.events = append([]*AuditEvent{copyEvent(event)}, m.events...)

	if len(m.events) > m.maxEvents {
		m.events = m.events[:m.maxEvents]
	}
	return nil
}

// List retrieves audit events with optional filtering.
// Returns the filtered events, total count, and any error.
func (m *MemoryAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var filtered []*AuditEvent
	for _, e := range m.events {
		if matchesFilters(e, opts) {
			filtered = append(filtered, e)
		}
	}
	total := len(filtered)

	limit := normalizeLimit(opts.Limit)
	start := opts.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	if start < 0 {
		start = 0
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	result := filtered[start:end]
	copies := make([]*AuditEvent, len(result))
	for i, e := range result {
		copies[i] = copyEvent(e)
	}
	return copies, total, nil
}

// GetByResource retrieves audit events for a specific resource.
func (m *MemoryAuditLogger) GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AuditEvent
	for _, e := range m.events {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			result = append(result, copyEvent(e))
		}
	}
	return result, nil
}

func matchesFilters(e *AuditEvent, opts ListOptions) bool {
	if opts.RunID != "" && e.RunID != opts.RunID {
		return false
	}
	if opts.ApplicationID != nil && e.ApplicationID != *opts.ApplicationID {
		return false
	}
	if opts.Action != "" && e.Action != opts.Action {
		return false
	}
	if opts.ResourceType != "" && e.ResourceType != opts.ResourceType {
		return false
	}
	if opts.Since != nil && e.Timestamp.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && e.Timestamp.After(*opts.Until) {
		return false
	}
	return true
}

// copyEvent creates a deep copy of an audit event.
func copyEvent(e *AuditEvent) *AuditEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Details = copyMap(e.Details)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
