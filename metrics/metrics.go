// Package metrics wires a private prometheus registry with the metrics a
// drain-aware HTTP service wants on day one: request totals and latencies,
// the coordinator's live in-flight count and state, drain rejections, trust
// policy refreshes, and rate limiting.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/servekit/drain"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec

	httpPanicTotal     prometheus.Counter
	drainRejectedTotal prometheus.Counter

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	trustPolicyPrefixes  prometheus.Gauge
	trustPolicySwaps     prometheus.Counter
	trustPolicyErrors    prometheus.Counter
	trustPolicyRefreshTs prometheus.Gauge

	buildInfo *prometheus.GaugeVec
}

// Options for New. Coordinator is optional; when set, in-flight count and
// drain state are exported as live gauge functions reading straight from it.
type Options struct {
	Coordinator *drain.Coordinator
}

// New returns a fresh registry + standard collectors + HTTP metrics.
// Safe labels only (method, route, status) to avoid cardinality explosions.
func New(opts Options) *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		drainRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drain_rejected_requests_total",
			Help: "Total requests rejected because drain had begun",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity was reached",
		}),
		trustPolicyPrefixes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trust_policy_prefixes",
			Help: "Number of trusted proxy ranges in the active policy",
		}),
		trustPolicySwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trust_policy_swaps_total",
			Help: "Total successful trust policy reloads",
		}),
		trustPolicyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trust_policy_errors_total",
			Help: "Total trust policy reload failures",
		}),
		trustPolicyRefreshTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trust_policy_last_refresh_timestamp_seconds",
			Help: "Unix timestamp of the last successful trust policy load",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "go_version"}),
	}
	reg.MustRegister(
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.drainRejectedTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.trustPolicyPrefixes,
		m.trustPolicySwaps,
		m.trustPolicyErrors,
		m.trustPolicyRefreshTs,
		m.buildInfo,
	)

	if c := opts.Coordinator; c != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "drain_inflight_requests",
				Help: "Current number of tracked in-flight requests",
			}, func() float64 { return float64(c.Inflight()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "drain_state",
				Help: "Coordinator state (0=running, 1=draining, 2=stopped)",
			}, func() float64 { return float64(c.State()) }),
		)
	}

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry exposes the underlying registry for host-registered collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) IncHTTPPanic() { m.httpPanicTotal.Inc() }

func (m *ServerMetrics) IncDrainRejected() { m.drainRejectedTotal.Inc() }

func (m *ServerMetrics) IncRateLimitDenied() { m.ratelimitDeniedTotal.Inc() }

func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacityTotal.Inc() }

// SetTrustPolicyInfo records the active policy size after a successful load.
func (m *ServerMetrics) SetTrustPolicyInfo(prefixes int, loadedAt time.Time) {
	m.trustPolicyPrefixes.Set(float64(prefixes))
	m.trustPolicyRefreshTs.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) IncTrustPolicySwap() { m.trustPolicySwaps.Inc() }

func (m *ServerMetrics) IncTrustPolicyError() { m.trustPolicyErrors.Inc() }

// SetBuildInfo is set once at startup.
func (m *ServerMetrics) SetBuildInfo(app, version, commit, goVersion string) {
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"version":    version,
		"commit":     commit,
		"go_version": goVersion,
	}).Set(1)
}
