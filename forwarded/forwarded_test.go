package forwarded

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func mustPolicy(t *testing.T, cidrs ...string) *TrustPolicy {
	t.Helper()
	p, err := NewTrustPolicy(cidrs...)
	if err != nil {
		t.Fatalf("NewTrustPolicy(%v): %v", cidrs, err)
	}
	return p
}

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

// ParseChain

func TestParseChain(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		maxHops int
		want    []string
		wantErr bool
	}{
		{
			name:   "empty header is empty chain",
			header: "",
			want:   nil,
		},
		{
			name:   "whitespace only is empty chain",
			header: "   ",
			want:   nil,
		},
		{
			name:   "single hop",
			header: "203.0.113.5",
			want:   []string{"203.0.113.5"},
		},
		{
			name:   "multi hop preserves order",
			header: "203.0.113.5, 10.0.0.2, 10.0.0.3",
			want:   []string{"203.0.113.5", "10.0.0.2", "10.0.0.3"},
		},
		{
			name:   "whitespace around hops trimmed",
			header: "  203.0.113.5  ,  10.0.0.2  ",
			want:   []string{"203.0.113.5", "10.0.0.2"},
		},
		{
			name:   "ipv6 hops",
			header: "2001:db8::1, fd00::1",
			want:   []string{"2001:db8::1", "fd00::1"},
		},
		{
			name:   "ipv4-mapped ipv6 normalized to ipv4",
			header: "::ffff:203.0.113.5",
			want:   []string{"203.0.113.5"},
		},
		{
			name:    "garbage hop is malformed",
			header:  "203.0.113.5, not-an-ip",
			wantErr: true,
		},
		{
			name:    "ip with port is malformed",
			header:  "203.0.113.5:443",
			wantErr: true,
		},
		{
			name:    "empty hop between commas is malformed",
			header:  "203.0.113.5,,10.0.0.2",
			wantErr: true,
		},
		{
			name:    "exceeds explicit cap",
			header:  "10.0.0.1, 10.0.0.2, 10.0.0.3",
			maxHops: 2,
			wantErr: true,
		},
		{
			name:    "exceeds default cap",
			header:  strings.Repeat("10.0.0.1, ", DefaultMaxHops) + "10.0.0.1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := ParseChain(tt.header, tt.maxHops)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want error, got chain %v", chain)
				}
				if !errors.Is(err, ErrMalformedChain) {
					t.Fatalf("error should match ErrMalformedChain, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseChain: %v", err)
			}
			if len(chain) != len(tt.want) {
				t.Fatalf("chain = %v, want %v", chain, tt.want)
			}
			for i, w := range tt.want {
				if chain[i] != addr(t, w) {
					t.Errorf("hop %d = %v, want %v", i, chain[i], w)
				}
			}
		})
	}
}

// TrustPolicy

func TestNewTrustPolicy_InvalidCIDR(t *testing.T) {
	if _, err := NewTrustPolicy("10.0.0.0/8", "banana"); err == nil {
		t.Fatal("want error for invalid CIDR")
	}
}

func TestTrustPolicy_Contains(t *testing.T) {
	p := mustPolicy(t, "10.0.0.0/8", "2001:db8::/32")

	tests := []struct {
		addr string
		want bool
	}{
		{"10.0.0.1", true},
		{"10.255.255.254", true},
		{"11.0.0.1", false},
		{"203.0.113.5", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		// ipv4-mapped form of a trusted v4 address
		{"::ffff:10.0.0.1", true},
	}
	for _, tt := range tests {
		if got := p.Contains(addr(t, tt.addr)); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestTrustPolicy_NilAndEmpty(t *testing.T) {
	var nilPolicy *TrustPolicy
	if nilPolicy.Contains(addr(t, "10.0.0.1")) {
		t.Error("nil policy should trust nothing")
	}
	if nilPolicy.Len() != 0 {
		t.Error("nil policy Len should be 0")
	}

	empty := mustPolicy(t)
	if empty.Contains(addr(t, "10.0.0.1")) {
		t.Error("empty policy should trust nothing")
	}
}

func TestTrustPolicy_PrefixesIsACopy(t *testing.T) {
	p := mustPolicy(t, "10.0.0.0/8")
	got := p.Prefixes()
	got[0] = netip.MustParsePrefix("192.168.0.0/16")
	if !p.Contains(addr(t, "10.0.0.1")) {
		t.Fatal("mutating the returned slice must not affect the policy")
	}
}

// Resolve

func TestResolve_EmptyChainReturnsPeer(t *testing.T) {
	p := mustPolicy(t, "10.0.0.0/8")
	for _, peer := range []string{"10.0.0.1", "203.0.113.9", "2001:db8::1"} {
		if got := Resolve(addr(t, peer), nil, p); got != addr(t, peer) {
			t.Errorf("Resolve(%s, empty) = %v, want peer", peer, got)
		}
	}
}

func TestResolve_AllTrustedReturnsClientClaimedHop(t *testing.T) {
	p := mustPolicy(t, "10.0.0.0/8", "203.0.0.0/8")
	chain := Chain{addr(t, "203.0.113.5"), addr(t, "10.0.0.2"), addr(t, "10.0.0.3")}
	// every hop trusted: walk all the way to the leftmost claim
	if got := Resolve(addr(t, "10.0.0.1"), chain, p); got != addr(t, "203.0.113.5") {
		t.Fatalf("Resolve = %v, want 203.0.113.5", got)
	}
}

func TestResolve_StopsAtFirstUntrustedHop(t *testing.T) {
	p := mustPolicy(t, "10.0.0.0/8")

	tests := []struct {
		name  string
		peer  string
		chain []string
		want  string
	}{
		{
			name:  "untrusted peer ignores chain entirely",
			peer:  "203.0.113.1",
			chain: []string{"198.51.100.7"},
			want:  "203.0.113.1",
		},
		{
			name:  "trusted peer and hop, untrusted client claim",
			peer:  "10.0.0.1",
			chain: []string{"203.0.113.5", "10.0.0.2"},
			want:  "203.0.113.5",
		},
		{
			name:  "untrusted middle hop stops the walk",
			peer:  "10.0.0.1",
			chain: []string{"198.51.100.7", "203.0.113.5", "10.0.0.2"},
			want:  "203.0.113.5",
		},
		{
			name:  "single trusted hop behind trusted peer",
			peer:  "10.0.0.1",
			chain: []string{"10.0.0.2"},
			want:  "10.0.0.2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := make(Chain, len(tt.chain))
			for i, s := range tt.chain {
				chain[i] = addr(t, s)
			}
			if got := Resolve(addr(t, tt.peer), chain, p); got != addr(t, tt.want) {
				t.Fatalf("Resolve = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolve_UntrustedHopCannotAssertFurther(t *testing.T) {
	// The hop at 203.0.113.5 is untrusted; the claim to its left
	// (198.51.100.7) must never be returned no matter what it says.
	p := mustPolicy(t, "10.0.0.0/8")
	chain := Chain{addr(t, "198.51.100.7"), addr(t, "203.0.113.5")}
	if got := Resolve(addr(t, "10.0.0.1"), chain, p); got != addr(t, "203.0.113.5") {
		t.Fatalf("Resolve = %v, want the untrusted hop itself", got)
	}
}

func TestResolve_LoopingChainIsJustHops(t *testing.T) {
	// duplicate/looping addresses get no special handling, the length cap
	// already bounds the work
	p := mustPolicy(t, "10.0.0.0/8")
	chain := Chain{addr(t, "203.0.113.5"), addr(t, "10.0.0.2"), addr(t, "10.0.0.2")}
	if got := Resolve(addr(t, "10.0.0.1"), chain, p); got != addr(t, "203.0.113.5") {
		t.Fatalf("Resolve = %v", got)
	}
}

func TestResolve_IPv4MappedPeerNormalized(t *testing.T) {
	p := mustPolicy(t, "10.0.0.0/8")
	peer := addr(t, "::ffff:10.0.0.1")
	chain := Chain{addr(t, "203.0.113.5")}
	if got := Resolve(peer, chain, p); got != addr(t, "203.0.113.5") {
		t.Fatalf("Resolve = %v, mapped peer should be trusted as 10.0.0.1", got)
	}
}

func TestResolve_NilPolicyReturnsPeer(t *testing.T) {
	chain := Chain{addr(t, "203.0.113.5")}
	if got := Resolve(addr(t, "10.0.0.1"), chain, nil); got != addr(t, "10.0.0.1") {
		t.Fatalf("Resolve = %v, want peer with nil policy", got)
	}
}
