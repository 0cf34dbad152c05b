package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/servekit/drain"
	"github.com/keithlinneman/servekit/health"
	"github.com/keithlinneman/servekit/httpmw"
	"github.com/keithlinneman/servekit/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Coordinator tracks in-flight requests and gates admission during
	// shutdown. Required for drain-aware stops; nil disables tracking.
	Coordinator *drain.Coordinator

	// DrainGrace bounds how long stop() waits for in-flight requests
	// before shutting the listener down anyway. Zero means 30s.
	DrainGrace time.Duration

	// ClientIP configures trusted-proxy resolution for the request path.
	ClientIP httpmw.ClientIPOptions

	// MetricsMW instruments app routes; typically metrics.ServerMetrics.Middleware.
	MetricsMW func(http.Handler) http.Handler

	// RateLimitMW limits per-client request rates using the resolved address.
	RateLimitMW func(http.Handler) http.Handler

	// Routes registers application routes. Called with the drain-gated
	// route group, so everything registered here is tracked and rejected
	// once draining begins.
	Routes func(chi.Router)

	// Health endpoints are mounted outside the drain gate so orchestrators
	// can keep probing while the server winds down.
	Health    health.Probe
	Readiness health.Probe

	// MaxBodyBytes caps request bodies on app routes. Zero means 1 MB.
	MaxBodyBytes int64

	UseRecoverMW bool
	OnPanic      func()

	// OnDrainRejected is called for each request turned away during drain.
	OnDrainRejected func()
}
