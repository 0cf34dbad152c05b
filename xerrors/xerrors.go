// Package xerrors provides error constructors and wrappers that capture the
// call stack at the point of creation, so logs can point at where an error
// actually happened instead of where it was logged.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// traced is the single wrapper type. msg is empty for WithStack/EnsureTrace,
// non-empty for Wrap/New.
type traced struct {
	err error
	msg string
	pcs []uintptr
}

func (t *traced) Error() string {
	if t.msg == "" {
		return t.err.Error()
	}
	return t.msg + ": " + t.err.Error()
}

func (t *traced) Unwrap() error { return t.err }

// StackPCs exposes the captured program counters to the log package's
// stack handler.
func (t *traced) StackPCs() []uintptr { return t.pcs }

func capture(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// +2 skips runtime.Callers and capture itself
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

// New returns a new error with a captured stack.
func New(msg string) error {
	return &traced{err: errors.New(msg), pcs: capture(1)}
}

// Newf returns a new formatted error with a captured stack.
func Newf(format string, args ...any) error {
	return &traced{err: fmt.Errorf(format, args...), pcs: capture(1)}
}

// Wrap annotates err with msg and captures the stack at the wrap site.
// Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, msg: msg, pcs: capture(1)}
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, msg: fmt.Sprintf(format, args...), pcs: capture(1)}
}

// WithStack attaches a stack to err without changing its message.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, pcs: capture(1)}
}

// EnsureTrace attaches a stack only if err does not already carry one
// anywhere in its chain. Safe to call at package boundaries without
// stacking wrappers.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return &traced{err: err, pcs: capture(1)}
}
