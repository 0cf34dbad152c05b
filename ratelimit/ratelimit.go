// Package ratelimit is middleware for per-client rate limiting.
//
// Simple in-memory implementation, not shared between instances or
// distributed. It protects a single process from one client flooding it and
// gives observability hooks for counting and logging offenders. It does not
// protect against distributed attacks across many addresses, and inbound
// data is already accepted by the time this runs.
//
// Clients are keyed by the resolved client address, so the key survives
// trusted proxy hops instead of collapsing every request onto the proxy's
// own address.
package ratelimit

import (
	"context"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/servekit/httpmw"
	"github.com/keithlinneman/servekit/respond"
)

// visitor tracks a single client's limiter and last activity.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial hook already fired.
	// resets when the entry is evicted and re-created
	logged bool
}

// IPLimiter holds per-client rate limiters with background eviction.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[netip.Addr]*visitor

	// rate controls: requests per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle client stays in the map before eviction
	ttl time.Duration

	// maxVisitors bounds the map so an address-spraying client cannot
	// grow it without limit; 0 means unbounded
	maxVisitors int

	// OnFirstDenied is called once per visitor when they first get limited
	OnFirstDenied func(addr netip.Addr)

	// OnDenied is called on every denied request
	OnDenied func(addr netip.Addr)

	// OnCapacity is called when a new visitor is turned away because the
	// map is full
	OnCapacity func(addr netip.Addr)
}

type Option func(*IPLimiter)

// WithRate sets the bucket size and the refill rate. burst is the total
// capacity of the bucket, perSecond is how many tokens are added each second.
// WithRate(10, 50) allows 50 requests at once, then refills at 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle client stays in the map before cleanup.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) {
		l.ttl = d
	}
}

// WithMaxVisitors caps the number of tracked clients. When the cap is hit,
// requests from unknown clients are denied until eviction frees room.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) {
		l.maxVisitors = n
	}
}

// WithOnFirstDenied sets a callback for the first denial per visitor.
// Intentionally separate from OnDenied: log once, count every denial.
func WithOnFirstDenied(fn func(addr netip.Addr)) Option {
	return func(l *IPLimiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(addr netip.Addr)) Option {
	return func(l *IPLimiter) {
		l.OnDenied = fn
	}
}

// WithOnCapacity sets a callback for denials caused by the visitor cap.
func WithOnCapacity(fn func(addr netip.Addr)) Option {
	return func(l *IPLimiter) {
		l.OnCapacity = fn
	}
}

// New creates an IPLimiter and starts the background cleanup goroutine.
// The goroutine exits when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:  make(map[netip.Addr]*visitor),
		perSecond: 10,
		burst:     30,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// allow reports whether a request from addr may proceed. It creates the
// visitor entry on first sight and fires the denial hooks as configured.
func (l *IPLimiter) allow(addr netip.Addr) bool {
	l.mu.Lock()
	v, exists := l.visitors[addr]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			l.mu.Unlock()
			if l.OnCapacity != nil {
				l.OnCapacity(addr)
			}
			return false
		}
		v = &visitor{
			limiter: rate.NewLimiter(l.perSecond, l.burst),
		}
		l.visitors[addr] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.logged {
		v.logged = true
		// release the lock before calling hooks, they may do slow work
		l.mu.Unlock()
		if l.OnFirstDenied != nil {
			l.OnFirstDenied(addr)
		}
		if l.OnDenied != nil {
			l.OnDenied(addr)
		}
		return false
	}

	l.mu.Unlock()

	if !allowed && l.OnDenied != nil {
		l.OnDenied(addr)
	}

	return allowed
}

// cleanup periodically evicts visitors not seen within the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for addr, v := range l.visitors {
				if now.Sub(v.lastSeen) > l.ttl {
					delete(l.visitors, addr)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Len reports the number of tracked clients.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Middleware rejects requests over the per-client rate limit with 429.
// It reads the client address resolved by httpmw.ClientIP, so it must be
// installed after that middleware.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := httpmw.ClientIPFromContext(r.Context())

		if !l.allow(addr) {
			w.Header().Set("Retry-After", "30")
			// intentionally no detail about limits, remaining budget,
			// or when the bucket refills
			respond.Error(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
