package observability

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", Version: "1.0.0"})

	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	if m.namespace != "test" {
		t.Errorf("expected namespace 'test', got %q", m.namespace)
	}
	if m.version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %q", m.version)
	}
	if NewMetrics(MetricsConfig{}).namespace != "appstack" {
		t.Error("expected empty namespace to default to 'appstack'")
	}
}

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()

	if !cfg.Enabled {
		t.Error("expected Enabled=true by default")
	}
	if cfg.Namespace != "appstack" {
		t.Errorf("expected namespace 'appstack', got %q", cfg.Namespace)
	}
	if cfg.Version != "dev" {
		t.Errorf("expected version 'dev', got %q", cfg.Version)
	}
}

func TestMetricsConfigFromEnv(t *testing.T) {
	t.Setenv("APPSTACK_METRICS_ENABLED", "false")
	t.Setenv("APP_VERSION", "v2.0.0")

	cfg := MetricsConfigFromEnv()

	if cfg.Enabled {
		t.Error("expected Enabled=false from env")
	}
	if cfg.Version != "v2.0.0" {
		t.Errorf("expected version 'v2.0.0', got %q", cfg.Version)
	}
}

func TestMetricsConfigFromEnvEnabled(t *testing.T) {
	tests := []struct {
		envValue string
		want     bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"false", false},
		{"FALSE", false},
		{"0", false},
		{"", true}, // default
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv("APPSTACK_METRICS_ENABLED", tt.envValue)
			cfg := MetricsConfigFromEnv()
			if cfg.Enabled != tt.want {
				t.Errorf("expected Enabled=%v for env=%q, got %v", tt.want, tt.envValue, cfg.Enabled)
			}
		})
	}
}

func TestRecordBackendRequest(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "test", Version: "1.0.0"})

	m.RecordBackendRequest("subnet", "create", nil, 100*time.Millisecond)
	m.RecordBackendRequest("subnet", "create", nil, 200*time.Millisecond)
	m.RecordBackendRequest("subnet", "create", errors.New("boom"), 50*time.Millisecond)
	m.RecordBackendRequest("instance", "delete", nil, 150*time.Millisecond)

	tests := []struct {
		kind, action, result string
		want                 int64
	}{
		{"subnet", "create", ResultSuccess, 2},
		{"subnet", "create", ResultError, 1},
		{"instance", "delete", ResultSuccess, 1},
		{"instance", "create", ResultSuccess, 0},
	}
	for _, tt := range tests {
		if got := m.BackendRequestCount(tt.kind, tt.action, tt.result); got != tt.want {
			t.Errorf("%s/%s/%s = %d, want %d", tt.kind, tt.action, tt.result, got, tt.want)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.backendDurations["subnet:create"]; c == nil || c.count() != 3 {
		t.Error("expected 3 duration samples for subnet:create")
	}
}

func TestWriteTo(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "test", Version: "1.0.0"})
	m.RecordBackendRequest("subnet", "create", nil, 100*time.Millisecond)
	m.RecordStage("allocate", 2*time.Millisecond)
	m.RecordDeployment("completed")
	m.RecordRateLimitWait(500 * time.Millisecond)

	var buf bytes.Buffer
	n, err := m.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo() reported %d bytes, wrote %d", n, buf.Len())
	}

	body := buf.String()
	expected := []string{
		`test_info{version="1.0.0"} 1`,
		"# TYPE test_backend_requests_total counter",
		`test_backend_requests_total{kind="subnet",action="create",result="success"} 1`,
		`test_backend_request_duration_seconds{kind="subnet",action="create",quantile="0.50"}`,
		`test_backend_request_duration_seconds_count{kind="subnet",action="create"} 1`,
		`test_stage_duration_seconds_count{stage="allocate"} 1`,
		`test_deployments_total{status="completed"} 1`,
		"test_rate_limit_wait_seconds_sum 0.500000",
		"test_rate_limit_wait_seconds_count 1",
	}
	for _, want := range expected {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output:\n%s", want, body)
		}
	}
}

func TestWriteFile(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "test", Version: "1.0.0"})
	m.RecordDeployment("failed")

	path := filepath.Join(t.TempDir(), "appstack.prom")
	if err := m.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `test_deployments_total{status="failed"} 1`) {
		t.Errorf("unexpected file content:\n%s", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected temporary files to be cleaned up, found %d entries", len(entries))
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordBackendRequest("subnet", "create", nil, time.Second)
	m.RecordStage("import", time.Second)
	m.RecordDeployment("completed")
	m.RecordRateLimitWait(time.Second)
	if m.BackendRequestCount("subnet", "create", ResultSuccess) != 0 {
		t.Error("expected zero count from nil metrics")
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Errorf("WriteTo() on nil metrics error = %v", err)
	}
}

func TestDurationCollector(t *testing.T) {
	d := newDurationCollector(5)

	d.add(100 * time.Millisecond)
	d.add(200 * time.Millisecond)
	d.add(300 * time.Millisecond)
	d.add(400 * time.Millisecond)
	d.add(500 * time.Millisecond)

	if d.count() != 5 {
		t.Errorf("expected count 5, got %d", d.count())
	}

	sum := d.sum()
	if sum < 1.4 || sum > 1.6 {
		t.Errorf("expected sum around 1.5s, got %f", sum)
	}

	p50 := d.quantile(0.5)
	if p50 < 0.25 || p50 > 0.35 {
		t.Errorf("expected p50 around 0.3s, got %f", p50)
	}

	p99 := d.quantile(0.99)
	if p99 < 0.45 || p99 > 0.55 {
		t.Errorf("expected p99 around 0.5s, got %f", p99)
	}
}

func TestDurationCollectorMaxSize(t *testing.T) {
	d := newDurationCollector(3)

	d.add(100 * time.Millisecond)
	d.add(200 * time.Millisecond)
	d.add(300 * time.Millisecond)
	d.add(400 * time.Millisecond) // Should push out 100ms

	if d.count() != 3 {
		t.Errorf("expected count 3, got %d", d.count())
	}

	// Samples should be [200ms, 300ms, 400ms]
	sum := d.sum()
	if sum < 0.85 || sum > 0.95 {
		t.Errorf("expected sum around 0.9s (200+300+400ms), got %f", sum)
	}
}

func TestDurationCollectorEmpty(t *testing.T) {
	d := newDurationCollector(5)

	if d.count() != 0 {
		t.Errorf("expected count 0, got %d", d.count())
	}
	if d.sum() != 0 {
		t.Errorf("expected sum 0, got %f", d.sum())
	}
	if d.quantile(0.5) != 0 {
		t.Errorf("expected quantile 0, got %f", d.quantile(0.5))
	}
}

func TestMetricsContext(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "test", Version: "1.0.0"})

	ctx := WithMetrics(context.Background(), m)
	if got := GetMetrics(ctx); got != m {
		t.Error("expected to get metrics from context")
	}
}

func TestGetMetricsNilContext(t *testing.T) {
	if got := GetMetrics(context.Background()); got != nil {
		t.Error("expected nil metrics from empty context")
	}
}

func TestNoopMetrics(t *testing.T) {
	if m := NoopMetrics(); m != nil {
		t.Error("expected NoopMetrics to return nil")
	}
}

func TestMetricsConcurrentAccess(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "test", Version: "1.0.0"})

	done := make(chan bool)
	for i := 0; i < 100; i++ {
		go func(i int) {
			m.RecordBackendRequest("instance", "create", nil, time.Duration(i)*time.Millisecond)
			m.RecordStage("realise", time.Millisecond)
			m.RecordRateLimitWait(time.Millisecond)
			done <- true
		}(i)
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	if got := m.BackendRequestCount("instance", "create", ResultSuccess); got != 100 {
		t.Errorf("expected 100 requests recorded, got %d", got)
	}
	if m.rateLimitWaits.Load() != 100 {
		t.Errorf("expected 100 rate limit waits, got %d", m.rateLimitWaits.Load())
	}
}
