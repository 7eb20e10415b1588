// Package pages is the lowest primitive in the runtime substrate: it
// obtains and releases OS-aligned page runs directly from the host
// page mapper. Everything above it — the arena, the block heap — is
// built purely out of Obtain/Realloc/Shrink/Release.
//
// Grounded on other_examples' real mmap idiom
// (dsmmcken-dh-cli uffd_linux.go's unix.Mmap/unix.Munmap, and
// immunotec18-go-hypervisor's unix.Getpagesize page-alignment check),
// generalized from a single-purpose VM mapper into a general-purpose
// page allocator.
package pages

import (
	"time"
	"unsafe"

	"github.com/sony/gobreaker"
	"golang.org/x/sys/unix"

	"github.com/ferrohall/ecsrt/internal/xerrors"
	"github.com/ferrohall/ecsrt/internal/xlog"
	"github.com/ferrohall/ecsrt/internal/xmath"
)

var log = xlog.Default("pages")

// Size returns the host page size. It is cached on first use, mirroring
// the unix.Getpagesize() caching idiom from the pack.
var Size = func() func() uintptr {
	var cached uintptr
	return func() uintptr {
		if cached == 0 {
			cached = uintptr(unix.Getpagesize())
		}
		return cached
	}
}()

// Run is a contiguous, page-aligned byte range obtained from the host.
// Its length is immutable once mapped; Realloc always yields a new Run
// value (which may reuse the old backing memory when it fits).
type Run struct {
	data    []byte
	mapping []byte // the exact slice unix.Munmap must be called with
}

// Bytes exposes the run's backing slice. Its length equals the run's
// mapped size; callers must not reslice beyond it.
func (r Run) Bytes() []byte { return r.data }

// Addr returns the run's base address as a uintptr, suitable for
// alignment checks and for masking down to a slab header.
func (r Run) Addr() uintptr {
	if len(r.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.data[0]))
}

// Len returns the mapped length in bytes.
func (r Run) Len() uintptr { return uintptr(len(r.data)) }

// Obtain maps a fresh page run of at least size bytes, aligned to
// alignment. Both size and alignment must be page-size multiples;
// alignment must additionally be a power of two. Preconditions are
// programmer contracts per spec §4.1 and are enforced with a fatal
// abort, never a returned error.
func Obtain(size, alignment uintptr) (Run, error) {
	pageSize := Size()
	if size%pageSize != 0 || alignment%pageSize != 0 {
		xerrors.Fatalf("pages.Obtain: size %d and alignment %d must be page-size (%d) multiples", size, alignment, pageSize)
	}
	if !xmath.IsPowerOfTwo(alignment) {
		xerrors.Fatalf("pages.Obtain: alignment %d is not a power of two", alignment)
	}

	if alignment <= pageSize {
		// The mapper already guarantees page alignment; no
		// over-allocation needed.
		return mapAnon(size)
	}

	// Over-align: map size+alignment, then trim to the aligned
	// interior. The OS is free to return base addresses at its own
	// (lesser) alignment; this is the "mapper over-aligns" workaround
	// spec.md §9 calls out as an open question, carried forward here
	// rather than resolved, since it is host/OS dependent.
	raw, err := mapAnon(size + alignment)
	if err != nil {
		return Run{}, err
	}
	base := uintptr(unsafe.Pointer(&raw.data[0]))
	aligned := xmath.AlignUp(base, alignment)
	offset := aligned - base
	trimmed := raw.data[offset : offset+size]
	return Run{data: trimmed, mapping: raw.data}, nil
}

// breaker guards the page mapper against being hammered once the host
// is reliably out of memory. Repurposed from the teacher's use of
// sony/gobreaker around a networked RPC call: here "the remote service"
// is the OS page mapper, and "the call" is Obtain.
var breaker = gobreaker.NewCircuitBreaker[Run](gobreaker.Settings{
	Name:        "pages.obtain",
	MaxRequests: 1,
	Interval:    0,
	Timeout:     2 * time.Second,
	ReadyToTrip: func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	},
	OnStateChange: func(name string, from, to gobreaker.State) {
		log.Warn("circuit breaker state change", xlog.String("breaker", name), xlog.String("from", from.String()), xlog.String("to", to.String()))
	},
})

// ObtainWithBreaker is Obtain guarded by a circuit breaker: after three
// consecutive mapper failures it fails fast with ErrOutOfMemory for a
// cooldown window instead of re-entering the syscall on every request.
func ObtainWithBreaker(size, alignment uintptr) (Run, error) {
	run, err := breaker.Execute(func() (Run, error) {
		return Obtain(size, alignment)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Run{}, xerrors.Wrap(xerrors.ErrOutOfMemory, "page mapper circuit open")
		}
		return Run{}, err
	}
	return run, nil
}

// Realloc maps a new run of new_size/new_alignment, copies the
// min(old, new) prefix, and releases the old run. It may return the
// original run unchanged if it already satisfies the request (rare,
// since Run lengths are otherwise immutable once mapped).
func Realloc(old Run, newSize, newAlignment uintptr) (Run, error) {
	if old.Len() == newSize && xmath.IsAligned(old.Addr(), newAlignment) {
		return old, nil
	}
	fresh, err := Obtain(newSize, newAlignment)
	if err != nil {
		return Run{}, err
	}
	n := old.Len()
	if newSize < n {
		n = newSize
	}
	copy(fresh.data, old.data[:n])
	if err := Release(old); err != nil {
		return Run{}, err
	}
	return fresh, nil
}

// Shrink never fails: it either caps the run's logical length in
// place (when the new request still fits within the original mapping)
// or falls back to Realloc-style move-and-copy. Per spec §4.1 Shrink
// is infallible — a failed move degrades to "keep the larger run"
// rather than propagating an error.
func Shrink(old Run, newSize, newAlignment uintptr) Run {
	if newSize <= old.Len() && xmath.IsAligned(old.Addr(), newAlignment) {
		mapping := old.mapping
		if mapping == nil {
			mapping = old.data
		}
		return Run{data: old.data[:newSize], mapping: mapping}
	}
	fresh, err := Realloc(old, newSize, newAlignment)
	if err != nil {
		// Infallible contract: keep the oversized original rather
		// than lose the allocation.
		return old
	}
	return fresh
}

// Release unmaps a run. Any use of the run's Bytes() after Release is
// undefined, mirroring the arena's documented deinit contract.
func Release(r Run) error {
	mapping := r.mapping
	if mapping == nil {
		mapping = r.data
	}
	if len(mapping) == 0 {
		return nil
	}
	if err := unix.Munmap(mapping); err != nil {
		return xerrors.Wrap(xerrors.ErrOutOfMemory, "munmap failed: "+err.Error())
	}
	return nil
}

func mapAnon(size uintptr) (Run, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return Run{}, xerrors.Wrap(xerrors.ErrOutOfMemory, "mmap failed: "+err.Error())
	}
	return Run{data: data}, nil
}
