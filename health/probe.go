// Package health defines the probe contract used by liveness and readiness
// endpoints. Probes are evaluated at request time so checks always reflect
// current state.
package health

import (
	"context"

	"github.com/keithlinneman/servekit/drain"
	"github.com/keithlinneman/servekit/xerrors"
)

// Probe is evaluated at request time.
// nil = OK, non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always returns ok or fails with the given reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All is AND: passes only if all probes pass; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any is OR: passes if any probe passes; otherwise returns the last error (or a generic one).
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		ok := false
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				last = err
			} else {
				ok = true
			}
		}
		if ok {
			return nil
		}
		if last != nil {
			return last
		}
		return xerrors.New("no healthy probes")
	}
}

// DrainProbe fails readiness as soon as the coordinator leaves Running, with
// the drain state as the reason. Load balancers stop routing to the instance
// while in-flight requests finish.
func DrainProbe(c *drain.Coordinator) CheckFunc {
	return func(context.Context) error {
		if c == nil {
			return nil
		}
		if s := c.State(); s != drain.Running {
			return xerrors.Newf("draining: state=%s inflight=%d", s, c.Inflight())
		}
		return nil
	}
}
