package httpmw

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/servekit/forwarded"
)

type clientIPKey struct{}

// PolicySource supplies the current trust policy per request. A static
// policy is the common case; trustsource.Manager implements this for
// policies that refresh at runtime. Implementations must return immutable
// policies - resolution shares them across every in-flight request.
type PolicySource interface {
	TrustPolicy() *forwarded.TrustPolicy
}

// StaticPolicy adapts a fixed policy into a PolicySource.
type StaticPolicy struct{ Policy *forwarded.TrustPolicy }

func (s StaticPolicy) TrustPolicy() *forwarded.TrustPolicy { return s.Policy }

// ClientIPOptions configures client address resolution.
type ClientIPOptions struct {
	// Source supplies the trusted intermediary ranges. nil trusts nothing:
	// the forwarding header is ignored and the peer address wins.
	Source PolicySource

	// Header is the forwarding header to read. Default X-Forwarded-For.
	Header string

	// MaxHops caps chain length; beyond it the header is treated as
	// malformed. Default forwarded.DefaultMaxHops.
	MaxHops int
}

// ClientIP is ClientIPWithOptions with defaults: no trusted proxies, so the
// forwarding header is never believed.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions returns middleware that resolves the trusted client
// address for each request and stores it in the context. When the header is
// absent, malformed, or asserted by an untrusted peer, resolution falls back
// to the transport peer and the forwarding headers are stripped so nothing
// downstream accidentally trusts them.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	header := opts.Header
	if header == "" {
		header = "X-Forwarded-For"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := resolveClientAddr(r, header, opts)
			ctx := WithClientIP(r.Context(), addr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveClientAddr computes the trusted client address for one request.
func resolveClientAddr(r *http.Request, header string, opts ClientIPOptions) netip.Addr {
	peer := peerAddr(r)

	var policy *forwarded.TrustPolicy
	if opts.Source != nil {
		policy = opts.Source.TrustPolicy()
	}

	// Fast path: peer not trusted means no header can matter. Strip the
	// forwarding headers so downstream code cannot trust them either.
	if !policy.Contains(peer) {
		r.Header.Del(header)
		r.Header.Del("X-Forwarded-Proto")
		return peer
	}

	chain, err := forwarded.ParseChain(r.Header.Get(header), opts.MaxHops)
	if err != nil {
		// malformed header from behind a trusted proxy: fall back to the
		// peer, never fail the request over it
		r.Header.Del(header)
		r.Header.Del("X-Forwarded-Proto")
		return peer
	}
	return forwarded.Resolve(peer, chain, policy)
}

// peerAddr extracts the transport peer address from RemoteAddr. The zero
// netip.Addr is returned for values that are not addresses at all (possible
// with custom listeners or unix sockets).
func peerAddr(r *http.Request) netip.Addr {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	if a, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		return a.Unmap()
	}
	return netip.Addr{}
}

// WithClientIP attaches the resolved client address to the context.
func WithClientIP(ctx context.Context, addr netip.Addr) context.Context {
	if !addr.IsValid() {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, addr)
}

// ClientIPFromContext returns the resolved client address, or the zero Addr
// if the ClientIP middleware did not run.
func ClientIPFromContext(ctx context.Context) netip.Addr {
	addr, _ := ctx.Value(clientIPKey{}).(netip.Addr)
	return addr
}
