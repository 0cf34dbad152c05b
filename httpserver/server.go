// Package httpserver assembles the serving listener: chi routing, the
// middleware stack, and a stop function that drains in-flight requests
// before closing the listener.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/servekit/drain"
	"github.com/keithlinneman/servekit/httpmw"
	"github.com/keithlinneman/servekit/opshttp"
	"github.com/keithlinneman/servekit/xerrors"
)

// NewHandler builds the HTTP handler with routes + middleware.
// main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	r := chi.NewRouter()

	// Health endpoints stay outside the drain gate: probes must keep
	// answering while the server winds down so orchestrators can watch
	// readiness flip instead of getting 503s with Retry-After.
	if opts.Health != nil {
		r.Get("/-/healthy", opshttp.ProbeHandler(opts.Health, "ok"))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", opshttp.ProbeHandler(opts.Readiness, "ready"))
	}

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	r.Group(func(gr chi.Router) {
		// Admission check first so rejected requests cost nothing further.
		if opts.Coordinator != nil {
			gr.Use(httpmw.Drain(opts.Coordinator, opts.OnDrainRejected))
		}

		if opts.MetricsMW != nil {
			gr.Use(opts.MetricsMW)
		}

		// Compress text responses
		gr.Use(middleware.Compress(5,
			"text/html",
			"text/plain",
			"application/json",
		))

		gr.Use(httpmw.WithLogger(opts.Logger))
		gr.Use(httpmw.AccessLog())
		gr.Use(httpmw.MaxBody(maxBody))

		if opts.Routes != nil {
			opts.Routes(gr)
		}
	})

	// Middleware (outermost first in wrapping order)
	var h http.Handler = r

	// Decide which requests get traced
	shouldTrace := func(p string) bool {
		switch p {
		case "/-/healthy", "/-/ready", "/favicon.ico", "/robots.txt":
			return false
		}
		return true
	}

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	// Rate limiting (after client IP mw so it uses the resolved address)
	if opts.RateLimitMW != nil {
		h = opts.RateLimitMW(h)
	}

	// Client IP resolution (must run before rate limiter and logging)
	h = httpmw.ClientIPWithOptions(opts.ClientIP)(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to log panics and serve a 500
	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}

	// Security headers outermost so they are on every response
	h = httpmw.SecurityHeaders(h)

	return h
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB

	DefaultDrainGrace = 30 * time.Second
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start runs the public HTTP server. The returned stop(ctx) begins a drain,
// waits for in-flight requests up to the grace period, then shuts the
// listener down. Safe to call more than once; later calls return the first
// result.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	grace := opts.DrainGrace
	if grace <= 0 {
		grace = DefaultDrainGrace
	}

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down", "grace", grace.String())

			if c := opts.Coordinator; c != nil {
				if err := c.BeginDrain(grace); err != nil && !errors.Is(err, drain.ErrAlreadyDraining) {
					opts.Logger.Error(sctx, err, "begin drain")
				}
				outcome, err := c.AwaitDrained(sctx)
				switch {
				case err != nil:
					opts.Logger.Warn(sctx, "drain wait aborted",
						"error", err.Error(),
						"inflight", c.Inflight(),
					)
				case outcome == drain.TimedOut:
					opts.Logger.Warn(sctx, "drain deadline passed with requests in flight",
						"inflight", c.Inflight(),
					)
				default:
					opts.Logger.Info(sctx, "drain complete")
				}
			}

			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
