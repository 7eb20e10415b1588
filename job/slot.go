package job

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// paramPos discriminates where a slot's parameter bytes live.
type paramPos uint8

const (
	paramNone paramPos = iota
	paramInternal
	paramExternal
)

// slot is one entry in the fixed job pool. The spec calls its
// serialization primitive a "spin-lock"; this uses sync.Mutex, which
// on the contention profile here (a handful of permit installs per
// job, held for a few field writes) behaves the same as a spin-lock
// under the Go runtime's own futex-based mutex fast path without the
// busy-wait power cost spec.md §9 warns a real spin-lock carries.
type slot struct {
	mu sync.Mutex

	generation   atomic.Uint32
	state        atomic.Uint32
	dependencies atomic.Int32

	fn Function

	// paramInline is backed by uint64 words (not [N]byte) so its
	// address is always 8-byte aligned regardless of where the slot
	// struct itself lands; storeParamTyped relies on this for any
	// inline parameter with alignment up to 8.
	paramInline [InlineParamBytes / 8]uint64
	paramExt    unsafe.Pointer
	paramSize   uintptr
	pos         paramPos

	permits    [InlinePermits]uint16
	permitUsed [InlinePermits]bool
	expansion  uint16 // noShortID if none

	// Pad out to a 128-byte (two cache line) footprint. spec.md
	// describes the job slot as a 64-byte cache-line-padded record in
	// a pool hit concurrently by every worker goroutine; this slot
	// carries more live state than the source's (mutex, three atomics,
	// inline parameter bytes, permit list), so one line isn't enough —
	// padding still matters here for the same reason, just to the next
	// line boundary above this struct's unpadded size instead of one.
	_ [24]byte
}

func (s *slot) reset() {
	s.fn = nil
	s.paramExt = nil
	s.paramSize = 0
	s.pos = paramNone
	s.clearInlineParam() // drop any stale pointers a prior P may have held
	for i := range s.permits {
		s.permitUsed[i] = false
	}
	s.expansion = noShortID
}

// inlineParamPtr exposes the inline storage for the generic Schedule
// trampoline to reinterpret as *P.
func (s *slot) inlineParamPtr() unsafe.Pointer {
	return unsafe.Pointer(&s.paramInline[0])
}

func (s *slot) clearInlineParam() {
	for i := range s.paramInline {
		s.paramInline[i] = 0
	}
}

// snapshotAndClearPermits copies out every directly-installed
// successor short-ID and clears the list. If the inline list
// overflowed into an expansion slot, that slot's own short-ID is
// included as one more "successor": releasing it through the normal
// dependency-release path triggers its dispatch (running the
// canonical no-op body) and, in turn, the release of whatever
// successors overflowed onto it — one recursion step per expansion
// link, exactly mirroring how addPermit built the chain.
func (s *slot) snapshotAndClearPermits() []uint16 {
	var out []uint16
	for i, used := range s.permitUsed {
		if used {
			out = append(out, s.permits[i])
			s.permitUsed[i] = false
		}
	}
	if s.expansion != noShortID {
		out = append(out, s.expansion)
		s.expansion = noShortID
	}
	return out
}

// addPermit installs successorShort as a waiter on this slot, failing
// with ok=false if the slot's generation has already moved past
// expectedGeneration (the job finished before registration landed).
func (s *slot) addPermit(expectedGeneration uint16, successorShort uint16, sys *System) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen16() != expectedGeneration {
		return false
	}

	for i := range s.permits {
		if !s.permitUsed[i] {
			s.permits[i] = successorShort
			s.permitUsed[i] = true
			return true
		}
	}

	if s.expansion == noShortID {
		expShort, err := sys.obtainExpansionSlot()
		if err != nil {
			return false
		}
		s.expansion = expShort
	}
	expSlot := sys.slotAt(s.expansion)
	return expSlot.addPermit(expSlot.gen16(), successorShort, sys)
}

// gen16 is the slot's generation truncated to the 16 bits that appear
// in a JobID; the underlying atomic counter is left to increment
// without bound, so wraparound here is exactly a uint16 conversion,
// not a manual modulus.
func (s *slot) gen16() uint16 { return uint16(s.generation.Load()) }
