package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/calebmorton/perimeter-api/internal/version"
)

// New

func TestNew_RegistryPopulated(t *testing.T) {
	m := New()

	// MustRegister in New() would panic if any metric failed to register.
	// Verify the registry is functional by scraping it.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()

	// Non-Vec metrics (gauge, counter) appear immediately
	immediateMetrics := []string{
		"http_inflight_requests",
		"http_panic_total",
		"http_requests_flood_limited_total",
		"audit_batches_shipped_total",
		"policy_watcher_polls_total",
		"profiling_active",
	}
	for _, name := range immediateMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}

	// Go/process collectors should be present
	if !strings.Contains(body, "go_goroutines") {
		t.Error("go collector metrics missing")
	}
}

func TestNew_GoCollectorPresent(t *testing.T) {
	m := New()

	families, _ := m.reg.Gather()
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	if !names["go_goroutines"] {
		t.Fatal("go_goroutines metric missing - Go collector not registered")
	}
}

// Handler

func TestHandler_ContentType(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	// promhttp with OpenMetrics enabled produces either text/plain or application/openmetrics-text
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "openmetrics") {
		t.Fatalf("Content-Type = %q, want text/plain or openmetrics", ct)
	}
}

// Counters

func TestIncHttpPanic(t *testing.T) {
	m := New()

	m.IncHttpPanic()
	m.IncHttpPanic()
	m.IncHttpPanic()

	val := counterValue(t, m.reg, "http_panic_total")
	if val != 3 {
		t.Fatalf("http_panic_total = %f, want 3", val)
	}
}

func TestIncRateLimitDenied(t *testing.T) {
	m := New()

	m.IncRateLimitDenied("/api/v1/documents")
	m.IncRateLimitDenied("/api/v1/documents")
	m.IncRateLimitDenied("/api/v1/feedback")

	f := gatherMetric(t, m.reg, "http_requests_rate_limited_total")
	if f == nil {
		t.Fatal("http_requests_rate_limited_total not found")
	}
	if len(f.GetMetric()) != 2 {
		t.Fatalf("expected 2 route label combos, got %d", len(f.GetMetric()))
	}
}

func TestIncFloodDenied(t *testing.T) {
	m := New()
	m.IncFloodDenied()
	m.IncFloodDenied()

	val := counterValue(t, m.reg, "http_requests_flood_limited_total")
	if val != 2 {
		t.Fatalf("http_requests_flood_limited_total = %f, want 2", val)
	}
}

func TestIncSecurityEvent(t *testing.T) {
	m := New()
	m.IncSecurityEvent("rate_limit_exceeded")
	m.IncSecurityEvent("rate_limit_exceeded")
	m.IncSecurityEvent("invalid_content_type")

	f := gatherMetric(t, m.reg, "security_events_total")
	if f == nil {
		t.Fatal("security_events_total not found")
	}
	if len(f.GetMetric()) != 2 {
		t.Fatalf("expected 2 event type combos, got %d", len(f.GetMetric()))
	}
}

// Audit shipper metrics

func TestIncAuditBatchShipped(t *testing.T) {
	m := New()
	m.IncAuditBatchShipped(10)
	m.IncAuditBatchShipped(5)

	if val := counterValue(t, m.reg, "audit_batches_shipped_total"); val != 2 {
		t.Fatalf("audit_batches_shipped_total = %f, want 2", val)
	}
	if val := counterValue(t, m.reg, "audit_events_shipped_total"); val != 15 {
		t.Fatalf("audit_events_shipped_total = %f, want 15", val)
	}
}

func TestIncAuditEventDropped(t *testing.T) {
	m := New()
	m.IncAuditEventDropped()

	if val := counterValue(t, m.reg, "audit_events_dropped_total"); val != 1 {
		t.Fatalf("audit_events_dropped_total = %f, want 1", val)
	}
}

// Policy watcher metrics

func TestIncPolicyPolls(t *testing.T) {
	m := New()
	m.IncPolicyPolls()
	m.IncPolicyPolls()

	val := counterValue(t, m.reg, "policy_watcher_polls_total")
	if val != 2 {
		t.Fatalf("policy_watcher_polls_total = %f, want 2", val)
	}
}

func TestIncPolicyError(t *testing.T) {
	m := New()
	m.IncPolicyError("ssm")
	m.IncPolicyError("ssm")
	m.IncPolicyError("parse")

	f := gatherMetric(t, m.reg, "policy_watcher_errors_total")
	if f == nil {
		t.Fatal("policy_watcher_errors_total not found")
	}
	if len(f.GetMetric()) != 2 {
		t.Fatalf("expected 2 error type combos, got %d", len(f.GetMetric()))
	}
}

func TestSetPolicyLastSuccess(t *testing.T) {
	m := New()
	m.SetPolicyLastSuccess(1700000000)

	f := gatherMetric(t, m.reg, "policy_watcher_last_success_timestamp_seconds")
	if f == nil {
		t.Fatal("policy_watcher_last_success_timestamp_seconds not found")
	}
	val := f.GetMetric()[0].GetGauge().GetValue()
	if val != 1700000000 {
		t.Fatalf("value = %f, want 1700000000", val)
	}
}

// SetBuildInfoFromVersion

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()

	dirty := true
	vi := version.Info{
		Version:    "1.2.3",
		Commit:     "abc123",
		CommitDate: "2026-01-01",
		BuildId:    "build-42",
		BuildDate:  "2026-01-01T00:00:00Z",
		GoVersion:  "go1.24.0",
		VCSDirty:   &dirty,
	}

	m.SetBuildInfoFromVersion("myapp", "server", vi)

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil {
		t.Fatal("build_info metric not found")
	}

	metrics := f.GetMetric()
	if len(metrics) != 1 {
		t.Fatalf("build_info metric count = %d, want 1", len(metrics))
	}
	if metrics[0].GetGauge().GetValue() != 1 {
		t.Fatalf("build_info value = %f, want 1", metrics[0].GetGauge().GetValue())
	}

	labels := make(map[string]string)
	for _, lp := range metrics[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}

	checks := map[string]string{
		"app":        "myapp",
		"component":  "server",
		"version":    "1.2.3",
		"commit":     "abc123",
		"build_id":   "build-42",
		"go_version": "go1.24.0",
		"vcs_dirty":  "true",
	}
	for k, want := range checks {
		if got := labels[k]; got != want {
			t.Errorf("build_info label %q = %q, want %q", k, got, want)
		}
	}
}

func TestSetBuildInfoFromVersion_NilVCSDirty(t *testing.T) {
	m := New()

	vi := version.Info{
		Version:  "dev",
		VCSDirty: nil,
	}

	m.SetBuildInfoFromVersion("app", "comp", vi)

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil {
		t.Fatal("build_info not found")
	}

	labels := make(map[string]string)
	for _, lp := range f.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}

	if labels["vcs_dirty"] != "unknown" {
		t.Fatalf("vcs_dirty = %q, want %q (nil should map to unknown)", labels["vcs_dirty"], "unknown")
	}
}

// Isolation - each New() gets its own registry

func TestNew_IsolatedRegistries(t *testing.T) {
	m1 := New()
	m2 := New()

	m1.IncHttpPanic()
	m1.IncHttpPanic()

	val1 := counterValue(t, m1.reg, "http_panic_total")
	if val1 != 2 {
		t.Fatalf("m1 panic count = %f, want 2", val1)
	}

	f := gatherMetric(t, m2.reg, "http_panic_total")
	if f != nil {
		for _, metric := range f.GetMetric() {
			if metric.GetCounter().GetValue() != 0 {
				t.Fatalf("m2 panic count = %f, want 0", metric.GetCounter().GetValue())
			}
		}
	}
}

// Handler serves full scrape without error

func TestHandler_FullScrape(t *testing.T) {
	m := New()

	dirty := false
	m.SetBuildInfoFromVersion("test", "test", version.Info{Version: "test", VCSDirty: &dirty})
	m.IncHttpPanic()
	m.IncFloodDenied()
	m.IncSecurityEvent("insecure_transport")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body, _ := io.ReadAll(rec.Result().Body)
	if len(body) < 500 {
		t.Fatalf("metrics body suspiciously small: %d bytes", len(body))
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)

	f := gatherMetric(t, m.reg, "profiling_active")
	if f == nil {
		t.Fatal("profiling_active metric not found")
	}
	if val := f.GetMetric()[0].GetGauge().GetValue(); val != 1 {
		t.Fatalf("profiling_active = %f, want 1", val)
	}

	m.SetProfilingActive(false)
	f = gatherMetric(t, m.reg, "profiling_active")
	if val := f.GetMetric()[0].GetGauge().GetValue(); val != 0 {
		t.Fatalf("profiling_active = %f, want 0", val)
	}
}

// helpers

// gatherMetric collects metrics from the registry and finds one by name.
func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// counterValue returns the value of the first metric in a counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	if len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}
