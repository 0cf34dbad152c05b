// Package forwarded computes the client address a service should trust when
// it sits behind one or more forwarding proxies.
//
// A forwarding header (X-Forwarded-For and friends) is a chain of claims:
// each intermediary appends the address it received the request from, so the
// client-claimed hop comes first and the hop adjacent to the observed peer
// comes last. None of it is trustworthy on its own - any client can send the
// header. The only sound rule is to walk the chain inward from the peer and
// stop at the first address that is not a declared trusted intermediary:
// an untrusted hop must never be allowed to assert a further hop.
//
// All addresses are normalized to their IPv4 form when they are IPv4-mapped
// IPv6 (::ffff:a.b.c.d), both in parsed chains and before range checks, so
// mixed chains compare consistently.
package forwarded

import (
	"errors"
	"net/netip"
	"strings"

	"github.com/keithlinneman/servekit/xerrors"
)

// DefaultMaxHops caps how many hops ParseChain will accept. Adversarial
// clients can pad the header arbitrarily; the cap bounds work per request.
const DefaultMaxHops = 32

// ErrMalformedChain reports a forwarding header that is present but not a
// usable chain: non-address text, or more hops than the configured cap.
// Callers recover by falling back to the raw peer address.
var ErrMalformedChain = errors.New("malformed forwarding chain")

// Chain is an ordered sequence of claimed addresses from a forwarding
// header: client-claimed hop first, nearest hop last. It lives for one
// request only.
type Chain []netip.Addr

// ParseChain parses a comma-separated forwarding header value into a Chain.
// maxHops <= 0 means DefaultMaxHops. An empty or all-whitespace value is a
// valid empty chain. Anything that does not parse as an IP address (ports,
// obfuscated node names, garbage) makes the whole chain malformed - partial
// trust in a header a client controls is worse than none.
func ParseChain(header string, maxHops int) (Chain, error) {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if strings.TrimSpace(header) == "" {
		return nil, nil
	}
	parts := strings.Split(header, ",")
	if len(parts) > maxHops {
		return nil, xerrors.Wrapf(ErrMalformedChain, "%d hops exceeds cap %d", len(parts), maxHops)
	}
	chain := make(Chain, 0, len(parts))
	for _, part := range parts {
		addr, err := netip.ParseAddr(strings.TrimSpace(part))
		if err != nil {
			return nil, xerrors.Wrapf(ErrMalformedChain, "hop %q", strings.TrimSpace(part))
		}
		chain = append(chain, addr.Unmap())
	}
	return chain, nil
}

// TrustPolicy is the set of network ranges whose operators are assumed not
// to forge forwarding claims. Built once at startup, immutable afterwards,
// safe to share across concurrent resolutions. Updates are modeled by
// swapping whole policies (see the trustsource package), never by mutation.
type TrustPolicy struct {
	prefixes []netip.Prefix
}

// NewTrustPolicy parses CIDR prefixes into a policy. An empty list is a
// valid policy that trusts nothing.
func NewTrustPolicy(cidrs ...string) (*TrustPolicy, error) {
	p := &TrustPolicy{prefixes: make([]netip.Prefix, 0, len(cidrs))}
	for _, c := range cidrs {
		pfx, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, xerrors.Wrapf(err, "invalid trusted range %q", c)
		}
		p.prefixes = append(p.prefixes, pfx.Masked())
	}
	return p, nil
}

// NewTrustPolicyFromPrefixes builds a policy from already-parsed prefixes.
func NewTrustPolicyFromPrefixes(prefixes []netip.Prefix) *TrustPolicy {
	p := &TrustPolicy{prefixes: make([]netip.Prefix, len(prefixes))}
	for i, pfx := range prefixes {
		p.prefixes[i] = pfx.Masked()
	}
	return p
}

// Contains reports whether addr falls inside any trusted range. A nil
// policy trusts nothing.
func (p *TrustPolicy) Contains(addr netip.Addr) bool {
	if p == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, pfx := range p.prefixes {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// Prefixes returns a copy of the trusted ranges, for logging and metrics.
func (p *TrustPolicy) Prefixes() []netip.Prefix {
	if p == nil {
		return nil
	}
	out := make([]netip.Prefix, len(p.prefixes))
	copy(out, p.prefixes)
	return out
}

// Len returns the number of trusted ranges.
func (p *TrustPolicy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.prefixes)
}

// Resolve walks the chain from the nearest hop back toward the
// client-claimed hop and returns the first address that is not a trusted
// intermediary. Starting from the observed peer, each trusted address is
// allowed to assert the next hop inward; the first untrusted address is the
// answer. An empty chain returns the peer unchanged.
//
// Resolve is pure: no locking, no allocation, safe for any number of
// concurrent calls sharing one policy.
func Resolve(peer netip.Addr, chain Chain, policy *TrustPolicy) netip.Addr {
	current := peer.Unmap()
	for i := len(chain) - 1; i >= 0; i-- {
		if !policy.Contains(current) {
			return current
		}
		current = chain[i].Unmap()
	}
	return current
}
