package observability

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool
	// Namespace prefix for all metrics (default: appstack).
	Namespace string
	// Version is the application version for the info metric.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "appstack",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv creates a MetricsConfig from environment variables.
// APPSTACK_METRICS_ENABLED: true/false (default: true)
// APP_VERSION: version string (default: dev)
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()

	if v := os.Getenv("APPSTACK_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Result labels for backend requests.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics collects counters and durations for one process.
// Thread-safe for concurrent use. A nil *Metrics discards everything.
type Metrics struct {
	mu        sync.RWMutex
	namespace string
	version   string

	// Backend request counters: key = "kind:action:result"
	backendCounts map[string]*atomic.Int64

	// Backend request durations: key = "kind:action"
	backendDurations map[string]*durationCollector

	// Stage durations: key = stage name
	stageDurations map[string]*durationCollector

	// Deployment outcomes: key = status
	deployments map[string]*atomic.Int64

	// Time spent waiting on the backend rate limiter.
	rateLimitWaitNanos atomic.Int64
	rateLimitWaits     atomic.Int64
}

// durationCollector collects duration samples for quantile computation.
// It keeps a sliding window of samples.
type durationCollector struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
}

func newDurationCollector(maxSize int) *durationCollector {
	return &durationCollector{
		samples: make([]float64, 0, maxSize),
		maxSize: maxSize,
	}
}

func (d *durationCollector) add(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seconds := duration.Seconds()
	if len(d.samples) >= d.maxSize {
		// Remove oldest sample (simple ring buffer behavior)
		copy(d.samples, d.samples[1:])
		d.samples = d.samples[:len(d.samples)-1]
	}
	d.samples = append(d.samples, seconds)
}

func (d *durationCollector) quantile(q float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.samples) == 0 {
		return 0
	}

	sorted := make([]float64, len(d.samples))
	copy(sorted, d.samples)
	sort.Float64s(sorted)

	idx := q * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	// Linear interpolation
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

func (d *durationCollector) sum() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var total float64
	for _, s := range d.samples {
		total += s
	}
	return total
}

func (d *durationCollector) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.samples)
}

// NewMetrics creates a new Metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "appstack"
	}
	return &Metrics{
		namespace:        cfg.Namespace,
		version:          cfg.Version,
		backendCounts:    make(map[string]*atomic.Int64),
		backendDurations: make(map[string]*durationCollector),
		stageDurations:   make(map[string]*durationCollector),
		deployments:      make(map[string]*atomic.Int64),
	}
}

// RecordBackendRequest records one backend call.
func (m *Metrics) RecordBackendRequest(kind, action string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.counter(m.backendCounts, kind+":"+action+":"+result).Add(1)
	m.collector(m.backendDurations, kind+":"+action).add(duration)
}

// RecordStage records how long one pipeline stage took.
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.collector(m.stageDurations, stage).add(duration)
}

// RecordDeployment counts a finished run by status.
func (m *Metrics) RecordDeployment(status string) {
	if m == nil {
		return
	}
	m.counter(m.deployments, status).Add(1)
}

// RecordRateLimitWait records time spent blocked on the rate limiter.
func (m *Metrics) RecordRateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWaits.Add(1)
	m.rateLimitWaitNanos.Add(int64(d))
}

// BackendRequestCount returns the counter for kind/action/result.
func (m *Metrics) BackendRequestCount(kind, action, result string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.backendCounts[kind+":"+action+":"+result]; ok {
		return c.Load()
	}
	return 0
}

// DeploymentCount returns how many runs finished with status.
func (m *Metrics) DeploymentCount(status string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.deployments[status]; ok {
		return c.Load()
	}
	return 0
}

func (m *Metrics) counter(set map[string]*atomic.Int64, key string) *atomic.Int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := set[key]
	if !ok {
		c = &atomic.Int64{}
		set[key] = c
	}
	return c
}

func (m *Metrics) collector(set map[string]*durationCollector, key string) *durationCollector {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := set[key]
	if !ok {
		c = newDurationCollector(1000) // Keep last 1000 samples
		set[key] = c
	}
	return c
}

// WriteTo writes all metrics in Prometheus text format.
func (m *Metrics) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if m != nil {
		m.writePrometheusMetrics(cw)
	}
	if cw.err == nil {
		cw.err = cw.w.(*bufio.Writer).Flush()
	}
	return cw.n, cw.err
}

// WriteFile writes the metrics to path for a node_exporter textfile
// collector. The file is replaced atomically.
func (m *Metrics) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := m.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (m *Metrics) writePrometheusMetrics(w io.Writer) {
	ns := m.namespace

	fmt.Fprintf(w, "# HELP %s_info Application information\n", ns)
	fmt.Fprintf(w, "# TYPE %s_info gauge\n", ns)
	fmt.Fprintf(w, "%s_info{version=%q} 1\n\n", ns, m.version)

	m.mu.RLock()
	defer m.mu.RUnlock()

	fmt.Fprintf(w, "# HELP %s_backend_requests_total Total number of backend requests\n", ns)
	fmt.Fprintf(w, "# TYPE %s_backend_requests_total counter\n", ns)
	for _, key := range sortedKeys(m.backendCounts) {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) == 3 {
			fmt.Fprintf(w, "%s_backend_requests_total{kind=%q,action=%q,result=%q} %d\n",
				ns, parts[0], parts[1], parts[2], m.backendCounts[key].Load())
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_backend_request_duration_seconds Backend request duration in seconds\n", ns)
	fmt.Fprintf(w, "# TYPE %s_backend_request_duration_seconds summary\n", ns)
	for _, key := range sortedKeys(m.backendDurations) {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) == 2 {
			labels := fmt.Sprintf("kind=%q,action=%q", parts[0], parts[1])
			writeSummary(w, ns+"_backend_request_duration_seconds", labels, m.backendDurations[key])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_stage_duration_seconds Pipeline stage duration in seconds\n", ns)
	fmt.Fprintf(w, "# TYPE %s_stage_duration_seconds summary\n", ns)
	for _, key := range sortedKeys(m.stageDurations) {
		writeSummary(w, ns+"_stage_duration_seconds", fmt.Sprintf("stage=%q", key), m.stageDurations[key])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_deployments_total Finished deployments by status\n", ns)
	fmt.Fprintf(w, "# TYPE %s_deployments_total counter\n", ns)
	for _, key := range sortedKeys(m.deployments) {
		fmt.Fprintf(w, "%s_deployments_total{status=%q} %d\n", ns, key, m.deployments[key].Load())
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_rate_limit_wait_seconds Time spent waiting on the backend rate limiter\n", ns)
	fmt.Fprintf(w, "# TYPE %s_rate_limit_wait_seconds summary\n", ns)
	fmt.Fprintf(w, "%s_rate_limit_wait_seconds_sum %.6f\n", ns, time.Duration(m.rateLimitWaitNanos.Load()).Seconds())
	fmt.Fprintf(w, "%s_rate_limit_wait_seconds_count %d\n", ns, m.rateLimitWaits.Load())
}

func writeSummary(w io.Writer, name, labels string, c *durationCollector) {
	for _, q := range []float64{0.5, 0.9, 0.99} {
		fmt.Fprintf(w, "%s{%s,quantile=\"%.2f\"} %.6f\n", name, labels, q, c.quantile(q))
	}
	fmt.Fprintf(w, "%s_sum{%s} %.6f\n", name, labels, c.sum())
	fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, c.count())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

// NoopMetrics returns a Metrics instance that doesn't collect anything.
// Useful for testing or when metrics are disabled.
func NoopMetrics() *Metrics {
	return nil
}

// GetMetrics extracts Metrics from context if present.
func GetMetrics(ctx context.Context) *Metrics {
	if m, ok := ctx.Value(metricsContextKey).(*Metrics); ok {
		return m
	}
	return nil
}

// WithMetrics adds Metrics to the context.
func WithMetrics(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, metricsContextKey, m)
}

// metricsContextKey is the context key for metrics.
type metricsContextKeyType string

const metricsContextKey metricsContextKeyType = "metrics"
