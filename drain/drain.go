// Package drain coordinates graceful shutdown of a service that handles many
// requests concurrently. A single Coordinator tracks every in-flight request;
// once draining begins no new work is admitted, existing work may finish, and
// a waiter is released when the tracked set empties or the grace deadline
// passes, whichever comes first.
//
// The Coordinator is explicit state, not a package global: construct one and
// thread it through the request path (typically via httpmw.Drain). It never
// cancels requests itself - reporting TimedOut and deciding what to do about
// the stragglers are separate jobs, and the second one belongs to the host.
package drain

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the coordinator's lifecycle phase. Transitions are monotonic:
// Running -> Draining -> Stopped, never backwards.
type State int

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome is how a drain ended.
type Outcome int

const (
	// Completed means every tracked request finished before the deadline.
	Completed Outcome = iota
	// TimedOut means the deadline passed with requests still in flight.
	// Those requests were not cancelled; Inflight reports how many remain.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ErrRejected reports a request arriving after drain began. The host should
// answer with a service-unavailable response; the process itself is fine.
var ErrRejected = errors.New("drain: not accepting new requests")

// ErrAlreadyDraining reports a second BeginDrain call, which is host misuse.
var ErrAlreadyDraining = errors.New("drain: drain already begun")

// Token is an opaque handle for one in-flight request. The zero Token is
// invalid. Each token must be released exactly once via EndRequest.
type Token struct {
	id uint64
}

// Coordinator tracks in-flight requests and owns the drain state machine.
// The zero value is not usable; call New.
type Coordinator struct {
	mu       sync.Mutex
	state    State
	deadline time.Time
	outcome  Outcome
	nextID   uint64
	inflight map[uint64]struct{}
	timer    *time.Timer
	// stopped is closed, under mu, exactly when state becomes Stopped.
	// Waiters block on it without holding mu.
	stopped chan struct{}
}

// New returns a Coordinator in the Running state.
func New() *Coordinator {
	return &Coordinator{
		inflight: make(map[uint64]struct{}),
		stopped:  make(chan struct{}),
	}
}

// BeginRequest admits one request and returns its token. After BeginDrain it
// fails with ErrRejected so the host can answer 503 instead of accepting
// work it may not finish.
func (c *Coordinator) BeginRequest() (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return Token{}, ErrRejected
	}
	c.nextID++
	c.inflight[c.nextID] = struct{}{}
	return Token{id: c.nextID}, nil
}

// EndRequest releases a token. Releasing the zero token or releasing a token
// twice panics: both mean the host's begin/end pairing is broken, and a
// corrupted in-flight count would make drain either hang or finish early.
func (c *Coordinator) EndRequest(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.id == 0 {
		panic("drain: released zero token")
	}
	if _, ok := c.inflight[t.id]; !ok {
		panic("drain: token released twice")
	}
	delete(c.inflight, t.id)
	// the emptiness check and the Stopped transition stay under one lock
	// so a request can never slip in between them
	if c.state == Draining && len(c.inflight) == 0 {
		c.stopLocked(Completed)
	}
}

// BeginDrain moves Running -> Draining with deadline now+grace and returns
// immediately. If nothing is in flight the coordinator stops on the spot.
// Calling it twice returns ErrAlreadyDraining.
func (c *Coordinator) BeginDrain(grace time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return ErrAlreadyDraining
	}
	c.state = Draining
	c.deadline = time.Now().Add(grace)
	if len(c.inflight) == 0 {
		c.stopLocked(Completed)
		return nil
	}
	c.timer = time.AfterFunc(grace, c.expire)
	return nil
}

func (c *Coordinator) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Draining {
		c.stopLocked(TimedOut)
	}
}

// stopLocked finishes the state machine. Callers hold mu.
func (c *Coordinator) stopLocked(o Outcome) {
	c.state = Stopped
	c.outcome = o
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	close(c.stopped)
}

// AwaitDrained blocks until the coordinator reaches Stopped, then reports
// whether the drain Completed or TimedOut. It holds no lock while waiting,
// so concurrent EndRequest calls are never blocked by a waiter. Cancelling
// ctx abandons the wait without touching drain state.
func (c *Coordinator) AwaitDrained(ctx context.Context) (Outcome, error) {
	select {
	case <-c.stopped:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.outcome, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Deadline returns the drain deadline. ok is false before BeginDrain.
func (c *Coordinator) Deadline() (deadline time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.state != Running
}

// Inflight returns the exact count of requests that have begun but not
// finished, including any that outlived a timed-out drain.
func (c *Coordinator) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
