package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func subnetEvent(app int, logicalID string) *AuditEvent {
	return &AuditEvent{
		RunID:         "run-1",
		ApplicationID: app,
		Action:        ActionCreate,
		ResourceType:  ResourceSubnet,
		ResourceID:    logicalID,
		PhysicalID:    "subnet-" + logicalID,
		Success:       true,
	}
}

func TestMemoryAuditLogger_Log(t *testing.T) {
	logger := NewMemoryAuditLogger()
	ctx := context.Background()

	if err := logger.Log(ctx, subnetEvent(7, "Subnet0")); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	events, total, err := logger.List(ctx, ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(events) != 1 {
		t.Fatalf("expected 1 event, got total=%d len=%d", total, len(events))
	}
	if events[0].ID == "" {
		t.Error("expected ID to be assigned")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("expected Timestamp to be assigned")
	}
	if events[0].PhysicalID != "subnet-Subnet0" {
		t.Errorf("expected PhysicalID 'subnet-Subnet0', got %q", events[0].PhysicalID)
	}
}

func TestMemoryAuditLogger_Log_NilEvent(t *testing.T) {
	logger := NewMemoryAuditLogger()
	if err := logger.Log(context.Background(), nil); err != nil {
		t.Fatalf("Log(nil) should not error, got %v", err)
	}
}

func TestMemoryAuditLogger_Log_MaxEvents(t *testing.T) {
	logger := NewMemoryAuditLogger(WithMaxEvents(5))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := logger.Log(ctx, subnetEvent(1, fmt.Sprintf("Subnet%d", i))); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	events, total, err := logger.List(ctx, ListOptions{Limit: 100})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 5 || len(events) != 5 {
		t.Fatalf("expected 5 events, got total=%d len=%d", total, len(events))
	}
	if events[0].ResourceID != "Subnet9" {
		t.Errorf("expected newest event first, got %q", events[0].ResourceID)
	}
}

func TestMemoryAuditLogger_List_Filtering(t *testing.T) {
	logger := NewMemoryAuditLogger()
	ctx := context.Background()

	events := []*AuditEvent{
		{RunID: "run-a", ApplicationID: 1, Action: ActionCreate, ResourceType: ResourceSubnet, ResourceID: "Subnet0", Success: true},
		{RunID: "run-a", ApplicationID: 1, Action: ActionAuthorize, ResourceType: ResourceIngress, ResourceID: "sg-core", Success: true},
		{RunID: "run-b", ApplicationID: 2, Action: ActionCreate, ResourceType: ResourceInstance, ResourceID: "DevInstance00", Success: false, Error: "throttled"},
		{RunID: "run-b", ApplicationID: 2, Action: ActionDelete, ResourceType: ResourceDatabaseCluster, ResourceID: "Mysql", Success: true},
	}
	for _, e := range events {
		if err := logger.Log(ctx, e); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	app2 := 2
	tests := []struct {
		name     string
		opts     ListOptions
		expected int
	}{
		{name: "filter by run", opts: ListOptions{RunID: "run-a"}, expected: 2},
		{name: "filter by application", opts: ListOptions{ApplicationID: &app2}, expected: 2},
		{name: "filter by action", opts: ListOptions{Action: ActionCreate}, expected: 2},
		{name: "filter by resource type", opts: ListOptions{ResourceType: ResourceIngress}, expected: 1},
		{name: "filter by multiple criteria", opts: ListOptions{RunID: "run-b", Action: ActionDelete}, expected: 1},
		{name: "no matches", opts: ListOptions{RunID: "nonexistent"}, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, total, err := logger.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if total != tt.expected {
				t.Errorf("expected total %d, got %d", tt.expected, total)
			}
			if len(result) != tt.expected {
				t.Errorf("expected %d events, got %d", tt.expected, len(result))
			}
		})
	}
}

func TestMemoryAuditLogger_List_TimeFiltering(t *testing.T) {
	logger := NewMemoryAuditLogger()
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	event := subnetEvent(1, "Subnet0")
	event.ID = "test-id"
	event.Timestamp = now
	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	tests := []struct {
		name     string
		opts     ListOptions
		expected int
	}{
		{name: "since in past", opts: ListOptions{Since: &past}, expected: 1},
		{name: "since in future", opts: ListOptions{Since: &future}, expected: 0},
		{name: "until in future", opts: ListOptions{Until: &future}, expected: 1},
		{name: "until in past", opts: ListOptions{Until: &past}, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, total, err := logger.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if total != tt.expected || len(result) != tt.expected {
				t.Errorf("expected %d events, got total=%d len=%d", tt.expected, total, len(result))
			}
		})
	}
}

func TestMemoryAuditLogger_List_Pagination(t *testing.T) {
	logger := NewMemoryAuditLogger()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if err := logger.Log(ctx, subnetEvent(1, fmt.Sprintf("Subnet%d", i))); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	tests := []struct {
		name          string
		opts          ListOptions
		expectedLen   int
		expectedTotal int
	}{
		{name: "first page", opts: ListOptions{Limit: 10, Offset: 0}, expectedLen: 10, expectedTotal: 25},
		{name: "second page", opts: ListOptions{Limit: 10, Offset: 10}, expectedLen: 10, expectedTotal: 25},
		{name: "third page (partial)", opts: ListOptions{Limit: 10, Offset: 20}, expectedLen: 5, expectedTotal: 25},
		{name: "beyond range", opts: ListOptions{Limit: 10, Offset: 100}, expectedLen: 0, expectedTotal: 25},
		{name: "default limit", opts: ListOptions{Limit: 0}, expectedLen: 25, expectedTotal: 25},
		{name: "max limit enforcement", opts: ListOptions{Limit: 2000}, expectedLen: 25, expectedTotal: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, total, err := logger.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if total != tt.expectedTotal {
				t.Errorf("expected total %d, got %d", tt.expectedTotal, total)
			}
			if len(result) != tt.expectedLen {
				t.Errorf("expected %d events, got %d", tt.expectedLen, len(result))
			}
		})
	}
}

func TestMemoryAuditLogger_GetByResource(t *testing.T) {
	logger := NewMemoryAuditLogger()
	ctx := context.Background()

	events := []*AuditEvent{
		{Action: ActionCreate, ResourceType: ResourceInstance, ResourceID: "DevInstance00", Success: true},
		{Action: ActionDelete, ResourceType: ResourceInstance, ResourceID: "DevInstance00", Success: true},
		{Action: ActionCreate, ResourceType: ResourceInstance, ResourceID: "DevInstance01", Success: true},
		{Action: ActionCreate, ResourceType: ResourceDatabaseCluster, ResourceID: "DevInstance00", Success: true},
	}
	for _, e := range events {
		if err := logger.Log(ctx, e); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	result, err := logger.GetByResource(ctx, ResourceInstance, "DevInstance00")
	if err != nil {
		t.Fatalf("GetByResource() error = %v", err)
	}
	if len(result) != 2 {
		t.Errorf("expected 2 events for DevInstance00, got %d", len(result))
	}

	result, err = logger.GetByResource(ctx, ResourceInstance, "DevInstance99")
	if err != nil {
		t.Fatalf("GetByResource() error = %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected 0 events for nonexistent resource, got %d", len(result))
	}
}

func TestMemoryAuditLogger_Concurrency(t *testing.T) {
	logger := NewMemoryAuditLogger()
	ctx := context.Background()

	var wg sync.WaitGroup
	numGoroutines := 100
	eventsPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				if err := logger.Log(ctx, subnetEvent(id%256, "Subnet0")); err != nil {
					t.Errorf("Log() error = %v", err)
				}
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, _, err := logger.List(ctx, ListOptions{Limit: 10}); err != nil {
					t.Errorf("List() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	_, total, err := logger.List(ctx, ListOptions{Limit: 10000})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if expected := numGoroutines * eventsPerGoroutine; total != expected {
		t.Errorf("expected %d events, got %d", expected, total)
	}
}

func TestMemoryAuditLogger_ImmutableResults(t *testing.T) {
	logger := NewMemoryAuditLogger()
	ctx := context.Background()

	event := subnetEvent(1, "Subnet0")
	event.Details = map[string]any{"cidr": "10.0.1.0/28"}
	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	event.PhysicalID = "tampered"
	event.Details["cidr"] = "tampered"

	events, _, err := logger.List(ctx, ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if events[0].PhysicalID != "subnet-Subnet0" {
		t.Errorf("modification leaked: %q", events[0].PhysicalID)
	}
	if events[0].Details["cidr"] != "10.0.1.0/28" {
		t.Errorf("details modification leaked: %v", events[0].Details["cidr"])
	}

	events[0].Details["cidr"] = "again"
	events2, _, _ := logger.List(ctx, ListOptions{Limit: 10})
	if events2[0].Details["cidr"] != "10.0.1.0/28" {
		t.Errorf("returned modification leaked: %v", events2[0].Details["cidr"])
	}
}

func TestWithMaxEvents(t *testing.T) {
	tests := []struct {
		name          string
		maxEvents     int
		logCount      int
		expectedCount int
	}{
		{name: "custom max", maxEvents: 100, logCount: 150, expectedCount: 100},
		{name: "zero preserves default", maxEvents: 0, logCount: 10, expectedCount: 10},
		{name: "negative preserves default", maxEvents: -1, logCount: 10, expectedCount: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewMemoryAuditLogger(WithMaxEvents(tt.maxEvents))
			ctx := context.Background()
			for i := 0; i < tt.logCount; i++ {
				if err := logger.Log(ctx, subnetEvent(1, "Subnet0")); err != nil {
					t.Fatalf("Log() error = %v", err)
				}
			}
			_, total, err := logger.List(ctx, ListOptions{Limit: 100000})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if total != tt.expectedCount {
				t.Errorf("expected total %d, got %d", tt.expectedCount, total)
			}
		})
	}
}
