// Package arena implements the page-arena bump allocator: a single
// logical region that hands out memory by bumping a cursor through a
// linked chain of chunk-size pages, falling back to a direct page run
// for any request a fresh page could never satisfy. Nothing is freed
// piecemeal — the whole arena is torn down at once with Deinit.
//
// Grounded on the teacher's kernel/threads/arena/allocator.go
// (HybridAllocator routing small/large requests to different
// sub-allocators by size, tracking allocation stats) generalized from
// its byte-slice/offset SAB model to real pointers over package pages,
// and simplified from "route to a persistent sub-allocator" to "bump
// through chunk-size pages, escape to a direct run when a request
// wouldn't fit a fresh page" per spec.md §4.3 — an arena never frees
// individual blocks, so the teacher's Free/GetStats bookkeeping has no
// equivalent here beyond Deinit.
package arena

import (
	"sync"
	"unsafe"

	"github.com/ferrohall/ecsrt/internal/xmath"
	"github.com/ferrohall/ecsrt/pages"
)

// DefaultPageSize is the chunk size used for each bump page when the
// caller doesn't specify one.
const DefaultPageSize = 65536

// pageHeaderSize is the capacity an arena page reserves for its own
// bookkeeping before bump allocations begin, mirroring spec.md §4.3's
// alignUp(sizeof(Header), alignment) capacity arithmetic. The actual
// bookkeeping (the run, the cursor, the next link) lives in the
// Go-native arenaPage below rather than in these bytes themselves —
// the same "canary/raw-bytes vs back-pointers/Go-slice" split used in
// package blockheap, applied here even though an arena page's header
// needs no canary, for consistency and because storing a live Go
// pointer inside mmap'd memory bypasses the GC.
const pageHeaderSize = 16

type arenaPage struct {
	run    pages.Run
	cursor uintptr // next free byte address within run
}

type directAlloc struct {
	run pages.Run
}

// Arena is a single allocation region. Alloc and Deinit serialize on
// an internal mutex, so one Arena can be shared across goroutines;
// single-threaded callers pay nothing extra beyond an uncontended
// Lock/Unlock pair.
type Arena struct {
	mu       sync.Mutex
	pageSize uintptr
	pages    []*arenaPage
	directs  []*directAlloc
}

// New constructs an Arena whose bump pages are pageSize bytes each. A
// pageSize of 0 uses DefaultPageSize.
func New(pageSize uintptr) *Arena {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return &Arena{pageSize: pageSize}
}

// Alloc returns size bytes aligned to alignment. A request that could
// not fit a fresh page goes to a direct page run. Otherwise, when the
// current page has room, it is bump-allocated there unless the
// alignment padding that costs exceeds the page-rounding slack of a
// direct run, in which case it goes direct; when the current page
// lacks room, a fresh page is linked and the request bumps from it.
func (a *Arena) Alloc(size, alignment uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}
	if alignment == 0 {
		alignment = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	headerPad := xmath.AlignUp(pageHeaderSize, alignment)
	if headerPad+size > a.pageSize {
		return a.allocDirect(size, alignment)
	}

	if n := len(a.pages); n > 0 {
		cur := a.pages[n-1]
		aligned := xmath.AlignUp(cur.cursor, alignment)
		pageEnd := cur.run.Addr() + a.pageSize
		if aligned+size <= pageEnd {
			wasteBump := aligned - cur.cursor
			if wasteBump <= a.directWaste(size, alignment) {
				cur.cursor = aligned + size
				return unsafe.Pointer(aligned), nil
			}
			return a.allocDirect(size, alignment)
		}
	}

	if err := a.linkFreshPage(); err != nil {
		return nil, err
	}
	cur := a.pages[len(a.pages)-1]
	aligned := xmath.AlignUp(cur.cursor, alignment)
	cur.cursor = aligned + size
	return unsafe.Pointer(aligned), nil
}

func (a *Arena) directWaste(size, alignment uintptr) uintptr {
	rawSize := xmath.AlignUp(pageHeaderSize+size, pages.Size())
	return rawSize - (pageHeaderSize + size)
}

func (a *Arena) linkFreshPage() error {
	run, err := pages.ObtainWithBreaker(a.pageSize, a.pageSize)
	if err != nil {
		return err
	}
	a.pages = append(a.pages, &arenaPage{run: run, cursor: run.Addr() + pageHeaderSize})
	return nil
}

func (a *Arena) allocDirect(size, alignment uintptr) (unsafe.Pointer, error) {
	normAlign := alignment
	if normAlign < pages.Size() {
		normAlign = pages.Size()
	}
	rawSize := xmath.AlignUp(size, pages.Size())
	run, err := pages.ObtainWithBreaker(rawSize, normAlign)
	if err != nil {
		return nil, err
	}
	a.directs = append(a.directs, &directAlloc{run: run})
	return unsafe.Pointer(run.Addr()), nil
}

// Realloc returns old unchanged if newSize fits within oldSize and
// newAlign is already satisfied by old's address; otherwise it
// fresh-allocates, copies min(oldSize, newSize), and abandons the old
// storage — reclaimed only when Deinit runs.
func (a *Arena) Realloc(old unsafe.Pointer, oldSize, newSize, newAlign uintptr) (unsafe.Pointer, error) {
	if old != nil && newSize <= oldSize && xmath.IsAligned(uintptr(old), newAlign) {
		return old, nil
	}
	fresh, err := a.Alloc(newSize, newAlign)
	if err != nil {
		return nil, err
	}
	if old != nil {
		n := oldSize
		if newSize < n {
			n = newSize
		}
		copy(unsafe.Slice((*byte)(fresh), n), unsafe.Slice((*byte)(old), n))
	}
	return fresh, nil
}

// Shrink returns a prefix view of old with no physical release — the
// caller simply treats fewer bytes as live; the arena reclaims nothing
// until Deinit.
func (a *Arena) Shrink(old unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	return old
}

// Deinit releases every direct allocation, then every bump page. Any
// use of memory obtained from this Arena after Deinit is undefined.
func (a *Arena) Deinit() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, d := range a.directs {
		if err := pages.Release(d.run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range a.pages {
		if err := pages.Release(p.run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.directs = nil
	a.pages = nil
	return firstErr
}
