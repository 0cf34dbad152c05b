// Package trustsource loads trusted proxy ranges from an external source
// (a local file, an SSM parameter, or an S3 object) and keeps the active
// forwarded.TrustPolicy hot-swappable while the server runs.
//
// Policies themselves stay immutable; the Manager swaps an atomic pointer so
// readers on the request path never take a lock and never observe a
// half-updated range list. A Watcher polls the source and swaps in a new
// policy only when the raw bytes actually changed and parsed cleanly, so a
// bad push keeps the last good policy in place.
package trustsource

import (
	"sync/atomic"
	"time"

	"github.com/keithlinneman/servekit/forwarded"
)

// Manager holds the active trust policy. It implements httpmw.PolicySource.
// The zero value is unusable; call NewManager.
type Manager struct {
	active atomic.Pointer[activePolicy]
}

type activePolicy struct {
	policy   *forwarded.TrustPolicy
	checksum string
	loadedAt time.Time
}

// NewManager creates a Manager seeded with the given policy. A nil policy is
// valid and trusts nothing, which fails closed: every peer is treated as the
// client until a real policy is loaded.
func NewManager(initial *forwarded.TrustPolicy) *Manager {
	m := &Manager{}
	m.Set(initial, "")
	return m
}

// Set swaps the active policy. checksum is the content hash of the raw bytes
// the policy was parsed from, used by the Loader for change detection.
func (m *Manager) Set(p *forwarded.TrustPolicy, checksum string) {
	m.active.Store(&activePolicy{
		policy:   p,
		checksum: checksum,
		loadedAt: time.Now().UTC(),
	})
}

// TrustPolicy returns the active policy. May be nil (trust nothing).
func (m *Manager) TrustPolicy() *forwarded.TrustPolicy {
	return m.active.Load().policy
}

// Checksum returns the content hash of the currently active policy bytes.
func (m *Manager) Checksum() string {
	return m.active.Load().checksum
}

// LoadedAt returns when the active policy was swapped in.
func (m *Manager) LoadedAt() time.Time {
	return m.active.Load().loadedAt
}
