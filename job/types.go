// Package job implements the job scheduler: a fixed pool of
// generation-tagged slots, a free-slot and ready-to-run queue built on
// package ring, permit-based dependency release, and a worker pool
// dispatching ready jobs until shutdown.
//
// Grounded on the teacher's kernel/threads/foundation/epoch.go
// (generation counter + waiter notification for "has this advanced"
// queries, here specialized to a job's own generation instead of a
// shared epoch index) and kernel/utils/graceful.go (LIFO shutdown,
// timeout-bounded WaitGroup fan-in, adapted here to errgroup-managed
// workers observing a shutdown flag between dispatches).
package job

import "github.com/ferrohall/ecsrt/internal/xerrors"

// NJobs is the fixed size of the job slot pool.
const NJobs = 32768

// InlineParamBytes is the largest parameter that is memcpy'd into a
// slot's inline storage rather than externally allocated.
const InlineParamBytes = 40

// InlinePermits is the number of successor short-IDs a slot holds
// before overflowing into an expansion slot.
const InlinePermits = 3

// noShortID marks an unset short-ID or permit slot.
const noShortID uint16 = 0xFFFF

// State is a job slot's position in its lifecycle.
type State uint32

const (
	StateFree State = iota
	StateNotStarted
	StateWaitingForChildren
)

// JobID packs a 16-bit generation and a 16-bit short-ID, per spec.md
// §4.6.
type JobID uint32

func makeJobID(generation, short uint16) JobID {
	return JobID(uint32(generation)<<16 | uint32(short))
}

// Generation returns the generation half of the ID.
func (id JobID) Generation() uint16 { return uint16(id >> 16) }

// ShortID returns the short-ID half of the ID.
func (id JobID) ShortID() uint16 { return uint16(id) }

func (id JobID) valid() bool {
	return id.ShortID() != noShortID && id.ShortID() < NJobs
}

// Function is the body of a job. ctx exposes the running job's own
// identity and lets it spawn children via AddSubJob.
type Function func(ctx *Context)

var errNoFreeSlots = xerrors.ErrPoolExhausted
