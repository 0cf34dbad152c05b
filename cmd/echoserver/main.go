// Command echoserver is a demo HTTP service wired with the full servekit
// stack: trusted-proxy client IP resolution, drain-aware graceful shutdown,
// per-client rate limiting, metrics, and optional tracing/profiling.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/servekit/drain"
	"github.com/keithlinneman/servekit/forwarded"
	"github.com/keithlinneman/servekit/health"
	"github.com/keithlinneman/servekit/httpmw"
	"github.com/keithlinneman/servekit/httpserver"
	"github.com/keithlinneman/servekit/internal/cfg"
	"github.com/keithlinneman/servekit/internal/otelx"
	"github.com/keithlinneman/servekit/internal/prof"
	v "github.com/keithlinneman/servekit/internal/version"
	"github.com/keithlinneman/servekit/log"
	"github.com/keithlinneman/servekit/metrics"
	"github.com/keithlinneman/servekit/opshttp"
	"github.com/keithlinneman/servekit/ratelimit"
	"github.com/keithlinneman/servekit/respond"
	"github.com/keithlinneman/servekit/trustsource"
)

const appName = "echoserver"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (commit=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, "SERVEKIT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             appName,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSONFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"drain_grace", conf.DrainGrace.String(),
		"trusted_ranges", conf.TrustedRanges,
		"trust_source", conf.TrustSource,
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	// Profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":     appName,
			"version": vi.Version,
			"commit":  vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Tracing. Insecure because the collector is expected on localhost.
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  appName,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Drain coordinator gates admission and tracks in-flight requests.
	coord := drain.New()

	m := metrics.New(metrics.Options{Coordinator: coord})
	m.SetBuildInfo(appName, vi.Version, vi.Commit, vi.GoVersion)

	// Trust policy: static inline ranges, a polled external source, or
	// nothing (every peer is the client).
	var policySource httpmw.PolicySource
	switch {
	case conf.TrustSource != "":
		src, err := trustsource.NewSourceFromURI(ctx, conf.TrustSource)
		if err != nil {
			L.Error(ctx, err, "trust source init failed")
			os.Exit(1)
		}
		mgr := trustsource.NewManager(nil)
		loader, err := trustsource.NewLoader(trustsource.LoaderOptions{
			Source:  src,
			Manager: mgr,
			Logger:  L,
			Metrics: m,
		})
		if err != nil {
			L.Error(ctx, err, "trust loader init failed")
			os.Exit(1)
		}
		if _, err := loader.Load(ctx); err != nil {
			// keep running with an empty policy; the watcher retries
			L.Error(ctx, err, "initial trust policy load failed, trusting nothing until source recovers")
		}
		watcher := trustsource.NewWatcher(trustsource.WatcherOptions{
			Loader:       loader,
			Logger:       L,
			PollInterval: conf.TrustPollInterval,
		})
		go watcher.Run(ctx)
		policySource = mgr
	case conf.TrustedRanges != "":
		p, err := forwarded.NewTrustPolicy(cfg.SplitRanges(conf.TrustedRanges)...)
		if err != nil {
			L.Error(ctx, err, "bad trusted-ranges")
			os.Exit(1)
		}
		policySource = httpmw.StaticPolicy{Policy: p}
	}

	// Rate limiter keyed by the resolved client address
	var rateLimitMW func(http.Handler) http.Handler
	if conf.RateLimitPerSec > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitPerSec, conf.RateLimitBurst),
			ratelimit.WithOnDenied(func(addr netip.Addr) {
				m.IncRateLimitDenied()
			}),
			ratelimit.WithOnFirstDenied(func(addr netip.Addr) {
				L.Warn(ctx, "rate limit triggered", "client", addr.String())
			}),
			ratelimit.WithMaxVisitors(100_000),
			ratelimit.WithOnCapacity(func(addr netip.Addr) {
				m.IncRateLimitCapacity()
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	readiness := health.DrainProbe(coord)

	httpStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:          L,
		Port:            conf.HTTPPort,
		Coordinator:     coord,
		DrainGrace:      conf.DrainGrace,
		ClientIP:        httpmw.ClientIPOptions{Source: policySource},
		MetricsMW:       m.Middleware,
		RateLimitMW:     rateLimitMW,
		Routes:          registerRoutes,
		Health:          health.Fixed(true, ""),
		Readiness:       readiness,
		UseRecoverMW:    true,
		OnPanic:         m.IncHTTPPanic,
		OnDrainRejected: m.IncDrainRejected,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = httpStop(context.Background()) }()

	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd kills the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.DrainGrace+10*time.Second)
	defer cancel()

	// a second signal cancels the shutdown context, abandoning the drain wait
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	drainDone := make(chan struct{})
	go func() {
		select {
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, abandoning drain")
			cancel()
		case <-drainDone:
		}
	}()

	// stop begins the drain, waits for in-flight requests up to the grace
	// period, then closes the listener
	if err := httpStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	close(drainDone)
	signal.Stop(forceCh)

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete",
		"drain_outcome", outcomeString(coord),
	)
}

func outcomeString(c *drain.Coordinator) string {
	if c.State() != drain.Stopped {
		return "not_drained"
	}
	if c.Inflight() > 0 {
		return drain.TimedOut.String()
	}
	return drain.Completed.String()
}

// registerRoutes mounts the demo endpoints on the drain-gated route group.
func registerRoutes(r chi.Router) {
	r.Get("/echo", func(w http.ResponseWriter, req *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]any{
			"client":     httpmw.ClientIPFromContext(req.Context()).String(),
			"request_id": httpmw.RequestIDFromContext(req.Context()),
			"method":     req.Method,
			"path":       req.URL.Path,
		})
	})
	r.Get("/version", func(w http.ResponseWriter, req *http.Request) {
		respond.JSON(w, http.StatusOK, v.Get())
	})
	r.Get("/sleep", func(w http.ResponseWriter, req *http.Request) {
		// handy for exercising drain behavior by hand
		d, err := time.ParseDuration(req.URL.Query().Get("d"))
		if err != nil || d < 0 || d > 30*time.Second {
			respond.Error(w, http.StatusBadRequest, "d must be a duration up to 30s")
			return
		}
		select {
		case <-time.After(d):
			respond.JSON(w, http.StatusOK, map[string]string{"slept": d.String()})
		case <-req.Context().Done():
		}
	})
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when we were started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
