package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func TestStatusWriter_WriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	sw.WriteHeader(http.StatusNotFound)

	if sw.status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", sw.status)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("underlying code = %d, want 404", rec.Code)
	}
}

func TestStatusWriter_Write_DefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	n, err := sw.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	if sw.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", sw.status)
	}
	if sw.n != 5 {
		t.Fatalf("bytes = %d, want 5", sw.n)
	}
}

func TestStatusWriter_Write_AccumulatesBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	sw.Write([]byte("aaa"))
	sw.Write([]byte("bbbbb"))

	if sw.n != 8 {
		t.Fatalf("bytes = %d, want 8", sw.n)
	}
}

func TestMiddleware_IncrementsReqTotal(t *testing.T) {
	m := New(Options{})

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/echo", http.NoBody)
	handler.ServeHTTP(rec, req)

	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil {
		t.Fatal("http_requests_total not found")
	}

	var total float64
	for _, metric := range f.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	if total != 1 {
		t.Fatalf("http_requests_total = %f, want 1", total)
	}
}

func TestMiddleware_CorrectLabels(t *testing.T) {
	m := New(Options{})

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/missing", http.NoBody)
	handler.ServeHTTP(rec, req)

	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil {
		t.Fatal("metric not found")
	}

	labels := make(map[string]string)
	for _, lp := range f.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["method"] != "POST" {
		t.Errorf("method = %q, want POST", labels["method"])
	}
	if labels["status"] != "404" {
		t.Errorf("status = %q, want 404", labels["status"])
	}
	if labels["route"] != "/missing" {
		t.Errorf("route = %q, want /missing (URL path fallback)", labels["route"])
	}
}

func TestMiddleware_UsesChiRoutePattern(t *testing.T) {
	m := New(Options{})

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/users/42", http.NoBody)
	r.ServeHTTP(rec, req)

	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil {
		t.Fatal("metric not found")
	}

	labels := make(map[string]string)
	for _, lp := range f.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["route"] != "/users/{id}" {
		t.Fatalf("route = %q, want /users/{id}", labels["route"])
	}
}

func TestMiddleware_DefaultStatus200(t *testing.T) {
	m := New(Options{})

	// Handler never calls WriteHeader or Write.
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/noop", http.NoBody)
	handler.ServeHTTP(rec, req)

	f := gatherMetric(t, m.reg, "http_requests_total")
	labels := make(map[string]string)
	for _, lp := range f.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["status"] != "200" {
		t.Fatalf("status = %q, want 200", labels["status"])
	}
}

func TestMiddleware_ObservesDurationAndSize(t *testing.T) {
	m := New(Options{})

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/echo", http.NoBody)
	handler.ServeHTTP(rec, req)

	for _, name := range []string{"http_request_duration_seconds", "http_response_size_bytes"} {
		f := gatherMetric(t, m.reg, name)
		if f == nil {
			t.Fatalf("%s not found", name)
		}
		if got := f.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
			t.Fatalf("%s sample count = %d, want 1", name, got)
		}
	}

	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if got := f.GetMetric()[0].GetHistogram().GetSampleSum(); got != 10 {
		t.Fatalf("http_response_size_bytes sum = %f, want 10", got)
	}
}

func TestTraceExemplar_NoSpan(t *testing.T) {
	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("exemplar = %v, want nil without a span", ex)
	}
}

func TestTraceExemplar_SampledSpan(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	ex := traceExemplar(ctx)
	if ex == nil {
		t.Fatal("exemplar = nil, want trace_id label")
	}
	if ex["trace_id"] != tid.String() {
		t.Fatalf("trace_id = %q, want %q", ex["trace_id"], tid.String())
	}
}
