package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/servekit/drain"
)

func TestNew_RegistryPopulated(t *testing.T) {
	m := New(Options{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"http_panic_total",
		"drain_rejected_requests_total",
		"http_requests_rate_limited_total",
		"trust_policy_prefixes",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("go collector metrics missing")
	}
}

func TestNew_CoordinatorGauges(t *testing.T) {
	c := drain.New()
	m := New(Options{Coordinator: c})

	tok, err := c.BeginRequest()
	if err != nil {
		t.Fatalf("BeginRequest: %v", err)
	}
	defer c.EndRequest(tok)

	f := gatherMetric(t, m.reg, "drain_inflight_requests")
	if f == nil {
		t.Fatal("drain_inflight_requests not found")
	}
	if got := f.GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("drain_inflight_requests = %f, want 1", got)
	}

	f = gatherMetric(t, m.reg, "drain_state")
	if f == nil {
		t.Fatal("drain_state not found")
	}
	if got := f.GetMetric()[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("drain_state = %f, want 0 (running)", got)
	}
}

func TestNew_NilCoordinatorSkipsGauges(t *testing.T) {
	m := New(Options{})

	if f := gatherMetric(t, m.reg, "drain_inflight_requests"); f != nil {
		t.Fatal("drain_inflight_requests registered without a coordinator")
	}
}

func TestHandler_ContentType(t *testing.T) {
	m := New(Options{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "openmetrics") {
		t.Fatalf("Content-Type = %q, want text/plain or openmetrics", ct)
	}
}

func TestCounters(t *testing.T) {
	m := New(Options{})

	m.IncHTTPPanic()
	m.IncHTTPPanic()
	m.IncDrainRejected()
	m.IncRateLimitDenied()
	m.IncRateLimitDenied()
	m.IncRateLimitDenied()
	m.IncRateLimitCapacity()
	m.IncTrustPolicySwap()
	m.IncTrustPolicyError()

	checks := []struct {
		name string
		want float64
	}{
		{"http_panic_total", 2},
		{"drain_rejected_requests_total", 1},
		{"http_requests_rate_limited_total", 3},
		{"http_requests_rate_limited_capacity_total", 1},
		{"trust_policy_swaps_total", 1},
		{"trust_policy_errors_total", 1},
	}
	for _, c := range checks {
		if got := counterValue(t, m.reg, c.name); got != c.want {
			t.Errorf("%s = %f, want %f", c.name, got, c.want)
		}
	}
}

func TestSetTrustPolicyInfo(t *testing.T) {
	m := New(Options{})

	loaded := time.Unix(1700000000, 0)
	m.SetTrustPolicyInfo(12, loaded)

	f := gatherMetric(t, m.reg, "trust_policy_prefixes")
	if f == nil {
		t.Fatal("trust_policy_prefixes not found")
	}
	if got := f.GetMetric()[0].GetGauge().GetValue(); got != 12 {
		t.Fatalf("trust_policy_prefixes = %f, want 12", got)
	}

	f = gatherMetric(t, m.reg, "trust_policy_last_refresh_timestamp_seconds")
	if got := f.GetMetric()[0].GetGauge().GetValue(); got != 1700000000 {
		t.Fatalf("refresh timestamp = %f, want 1700000000", got)
	}
}

func TestSetBuildInfo(t *testing.T) {
	m := New(Options{})

	m.SetBuildInfo("echoserver", "1.2.3", "abc123", "go1.24.11")

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil {
		t.Fatal("build_info metric not found")
	}
	metric := f.GetMetric()[0]
	if metric.GetGauge().GetValue() != 1 {
		t.Fatalf("build_info value = %f, want 1", metric.GetGauge().GetValue())
	}

	labels := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["version"] != "1.2.3" || labels["commit"] != "abc123" {
		t.Fatalf("build_info labels = %v", labels)
	}
}

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
