// Package xerrors collects the sentinel error taxonomy shared by the
// allocator and scheduling packages, plus the helpers used to wrap and
// raise them. Modeled on the teacher's kernel/utils/errors.go: plain
// fmt.Errorf wrapping, no third-party errors library.
package xerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors returned as values. ErrQueueFull, ErrQueueEmpty and
// ErrTimedOut are transient: callers retry or fall through, and the
// core never logs them. ErrOutOfMemory is returned to the caller;
// blockheap also logs a failed slab or direct mapping at ERROR level.
var (
	ErrOutOfMemory    = errors.New("out of memory")
	ErrQueueFull      = errors.New("queue full")
	ErrQueueEmpty     = errors.New("queue empty")
	ErrTimedOut       = errors.New("timed out")
	ErrShuttingDown   = errors.New("shutting down")
	ErrInvalidID      = errors.New("invalid id")
	ErrPoolExhausted  = errors.New("job pool exhausted")
	ErrShutdownFailed = errors.New("one or more components failed to shut down")
)

// Wrap attaches context to a sentinel without losing errors.Is-ability.
func Wrap(sentinel error, context string) error {
	return fmt.Errorf("%s: %w", context, sentinel)
}

// Wrapf is Wrap with Printf-style formatting for the context.
func Wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

// Fatal reports a programmer error or corrupted-metadata condition.
// Per spec these are never propagated as values: the only correct
// recovery is a process abort with a diagnostic, so this panics.
func Fatal(msg string) {
	panic("ecsrt: fatal: " + msg)
}

// Fatalf is Fatal with Printf-style formatting.
func Fatalf(format string, args ...any) {
	panic("ecsrt: fatal: " + fmt.Sprintf(format, args...))
}
