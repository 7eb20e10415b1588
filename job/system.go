package job

import (
	"context"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ferrohall/ecsrt/internal/xerrors"
	"github.com/ferrohall/ecsrt/internal/xlog"
	"github.com/ferrohall/ecsrt/ring"
)

var log = xlog.Default("job")

// Allocator is the backing store for external (>40 byte) job
// parameters. *blockheap.Heap satisfies this directly.
type Allocator interface {
	Alloc(size, alignment uintptr) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer)
}

type systemState uint32

const (
	stateRunning systemState = iota
	stateShuttingDown
)

// System is the job scheduler: the slot pool plus the free and
// ready-to-run queues built on package ring.
type System struct {
	slots [NJobs]slot

	freeQueue  *ring.Queue[uint16]
	readyQueue *ring.Queue[uint16]

	alloc Allocator

	state    atomic.Uint32
	inFlight atomic.Int64

	eg     *errgroup.Group
	cancel context.CancelFunc

	debug      bool
	cycleGuard *bloom.BloomFilter
}

// New initializes the job pool against backing, enqueuing every
// short-ID onto the free queue. It does not start any workers —
// call Startup for that.
func New(backing Allocator, debug bool) *System {
	s := &System{
		freeQueue:  ring.New[uint16](NJobs),
		readyQueue: ring.New[uint16](NJobs),
		alloc:      backing,
		debug:      debug,
	}
	if debug {
		s.cycleGuard = bloom.NewWithEstimates(NJobs*4, 0.01)
	}
	for i := 0; i < NJobs; i++ {
		s.slots[i].expansion = noShortID
		if err := s.freeQueue.EnqueueUnsafe(uint16(i)); err != nil {
			xerrors.Fatal("job.New: free queue rejected initial fill")
		}
	}
	return s
}

func (s *System) slotAt(short uint16) *slot { return &s.slots[short] }

// Startup launches numWorkers goroutines dispatching ready jobs until
// Shutdown is called.
func (s *System) Startup(numWorkers int) {
	s.state.Store(uint32(stateRunning))
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	s.eg = eg
	for i := 0; i < numWorkers; i++ {
		eg.Go(func() error {
			s.workerLoop(egCtx)
			return nil
		})
	}
}

func (s *System) workerLoop(ctx context.Context) {
	for {
		if systemState(s.state.Load()) == stateShuttingDown {
			return
		}
		short, err := s.waitForReadyTask(256)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		s.dispatchChain(short)
	}
}

// waitForReadyTask spins up to n attempts for a ready short-ID.
func (s *System) waitForReadyTask(n int) (uint16, error) {
	for i := 0; i < n; i++ {
		if v, err := s.readyQueue.Dequeue(); err == nil {
			return v, nil
		}
		if systemState(s.state.Load()) == stateShuttingDown {
			return 0, xerrors.ErrShuttingDown
		}
		runtime.Gosched()
	}
	return 0, xerrors.ErrTimedOut
}

func (s *System) obtainExpansionSlot() (uint16, error) {
	short, err := s.freeQueue.Dequeue()
	if err != nil {
		return 0, errNoFreeSlots
	}
	sl := s.slotAt(short)
	sl.reset()
	sl.fn = func(*Context) {} // canonical expansion function: a no-op
	sl.pos = paramNone
	sl.dependencies.Store(1)
	sl.state.Store(uint32(StateNotStarted))
	s.inFlight.Add(1)
	return short, nil
}

// Schedule publishes fn with param and no dependencies.
func Schedule[P any](s *System, param P, fn func(*Context, *P)) (JobID, error) {
	return ScheduleWithDeps(s, param, fn, nil)
}

// ScheduleWithDeps publishes fn with param, held back until every dep
// has finished (or was already finished / invalid at publish time).
func ScheduleWithDeps[P any](s *System, param P, fn func(*Context, *P), deps []JobID) (JobID, error) {
	trampoline := func(ctx *Context) {
		sl := ctx.system.slotAt(ctx.self)
		var p *P
		if sl.pos == paramInternal {
			p = (*P)(sl.inlineParamPtr())
		} else {
			p = (*P)(sl.paramExt)
		}
		fn(ctx, p)
	}
	prepare := func(sl *slot) error {
		return storeParamTyped(sl, param, s.alloc)
	}
	return s.scheduleInternal(prepare, trampoline, deps)
}

func (s *System) scheduleInternal(prepare func(*slot) error, trampoline Function, deps []JobID) (JobID, error) {
	short, err := s.freeQueue.Dequeue()
	if err != nil {
		return 0, errNoFreeSlots
	}
	sl := s.slotAt(short)
	sl.reset()

	id := makeJobID(sl.gen16(), short)

	sl.fn = trampoline
	sl.state.Store(uint32(StateNotStarted))
	sl.dependencies.Store(int32(1 + len(deps)))

	if err := prepare(sl); err != nil {
		s.freeQueue.Enqueue(short)
		return 0, err
	}

	s.inFlight.Add(1)

	for _, dep := range deps {
		if !dep.valid() {
			s.decrementPublish(short)
			continue
		}
		depSlot := s.slotAt(dep.ShortID())
		if s.debug {
			s.checkCycle(dep.ShortID(), short)
		}
		if !depSlot.addPermit(dep.Generation(), short, s) {
			s.decrementPublish(short)
		}
	}

	if ready, becameReady := s.releasePermits(short); becameReady {
		s.enqueueReadyOrLog(ready)
	}

	return id, nil
}

// decrementPublish releases one dependency of short through
// releasePermits and enqueues short on the ready queue if that made it
// ready to run. It is used for deps that were already finished or
// invalid at schedule time, and by AddSubJob when the child finished
// before the parent could be registered as its successor.
func (s *System) decrementPublish(short uint16) {
	if ready, becameReady := s.releasePermits(short); becameReady {
		s.enqueueReadyOrLog(ready)
	}
}

func (s *System) checkCycle(predecessor, successor uint16) {
	fwd := []byte{byte(predecessor), byte(predecessor >> 8), byte(successor), byte(successor >> 8)}
	rev := []byte{byte(successor), byte(successor >> 8), byte(predecessor), byte(predecessor >> 8)}
	if s.cycleGuard.Test(rev) {
		log.Warn("possible permit cycle detected", xlog.Uint32("a", uint32(predecessor)), xlog.Uint32("b", uint32(successor)))
	}
	s.cycleGuard.Add(fwd)
}

func (s *System) enqueueReadyOrLog(short uint16) {
	for s.readyQueue.Enqueue(short) != nil {
		// Pool-sized ready queue; a full queue here means every slot
		// is simultaneously ready, which cannot outnumber NJobs. Spin
		// rather than drop a job.
		runtime.Gosched()
	}
}

// dispatchChain runs short to completion, then inline-runs whatever
// single successor releasePermits hands back (spec.md §4.6's
// work-stealing optimization), chaining until none remains.
func (s *System) dispatchChain(short uint16) {
	for {
		next, ok := s.dispatch(short)
		if !ok {
			return
		}
		short = next
	}
}

func (s *System) dispatch(short uint16) (next uint16, ok bool) {
	sl := s.slotAt(short)
	if !sl.dependencies.CompareAndSwap(0, 1) {
		xerrors.Fatal("job: dispatch on slot with nonzero dependencies")
	}
	sl.state.Store(uint32(StateWaitingForChildren))

	ctx := &Context{system: s, self: short}
	sl.fn(ctx)

	if sl.pos == paramExternal && sl.paramExt != nil {
		s.alloc.Free(sl.paramExt)
		sl.paramExt = nil
	}

	return s.releasePermits(short)
}

// releasePermits decrements short's dependency counter; if it reaches
// zero and the slot hadn't started yet, short itself is now ready to
// run (returned to the caller for inline dispatch). If it had already
// run, the slot finalizes: generation advances, it returns to the free
// queue, and every successor is recursively released the same way,
// with at most one "ready" result bubbled back to the caller.
func (s *System) releasePermits(short uint16) (ready uint16, ok bool) {
	sl := s.slotAt(short)
	if sl.dependencies.Add(-1) != 0 {
		return 0, false
	}

	if State(sl.state.Load()) == StateNotStarted {
		return short, true
	}

	sl.mu.Lock() // serialize with addPermit's generation check and install
	permits := sl.snapshotAndClearPermits()
	sl.generation.Add(1)
	sl.mu.Unlock()
	sl.state.Store(uint32(StateFree))
	s.inFlight.Add(-1)
	for s.freeQueue.Enqueue(short) != nil {
		runtime.Gosched()
	}

	var first uint16
	haveFirst := false
	for _, succ := range permits {
		r, becameReady := s.releasePermits(succ)
		if !becameReady {
			continue
		}
		if !haveFirst {
			first, haveFirst = r, true
			continue
		}
		s.enqueueReadyOrLog(r)
	}
	return first, haveFirst
}

// Flush actively participates as a worker until no job is in flight.
func (s *System) Flush() {
	for s.inFlight.Load() > 0 {
		short, err := s.waitForReadyTask(1024)
		if err != nil {
			if err == xerrors.ErrShuttingDown {
				return
			}
			continue
		}
		s.dispatchChain(short)
	}
}

// Wait actively participates as a worker until id's generation has
// advanced past the value it held at schedule time.
func (s *System) Wait(id JobID) {
	sl := s.slotAt(id.ShortID())
	for sl.gen16() == id.Generation() {
		short, err := s.waitForReadyTask(1024)
		if err != nil {
			if err == xerrors.ErrShuttingDown {
				return
			}
			continue
		}
		s.dispatchChain(short)
	}
}

// Shutdown signals every worker to exit between dispatches and joins
// them, then resets the in-flight counter.
func (s *System) Shutdown() error {
	s.state.Store(uint32(stateShuttingDown))
	var err error
	if s.eg != nil {
		err = s.eg.Wait()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.inFlight.Store(0)
	return err
}

// storeParamTyped copies param into sl's inline storage when it fits
// (size <= InlineParamBytes and natural alignment <= the slot's own
// 8-byte alignment), otherwise allocates external storage from alloc.
// This, plus the trampoline built in ScheduleWithDeps, is this
// package's stand-in for the source's generated adapter trampoline:
// Go's generic instantiation plays the role the source fills with
// compile-time code generation per call site.
func storeParamTyped[P any](sl *slot, param P, alloc Allocator) error {
	size := unsafe.Sizeof(param)
	align := unsafe.Alignof(param)
	if size == 0 {
		sl.pos = paramNone
		return nil
	}
	if size <= InlineParamBytes && align <= 8 {
		*(*P)(sl.inlineParamPtr()) = param
		sl.pos = paramInternal
		return nil
	}
	ptr, err := alloc.Alloc(size, align)
	if err != nil {
		return err
	}
	*(*P)(ptr) = param
	sl.paramExt = ptr
	sl.paramSize = size
	sl.pos = paramExternal
	return nil
}
