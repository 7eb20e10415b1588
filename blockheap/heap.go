// Package blockheap is the segregated-size-class block heap built on
// top of package pages: a ladder of power-of-two size classes, each
// backed by 64 KiB data slabs with a bitmap occupancy map, plus a
// direct-allocation path for requests above the largest class.
//
// Grounded on the teacher's kernel/threads/arena/slab.go (free-list
// slab with magic-number header, size classing) and buddy.go (address
// masking to recover an owning block's metadata), generalized from the
// teacher's single fixed-size slab pool into the spec's multi-class
// ladder with bitmap occupancy instead of an intrusive free list — a
// bitmap lets LeadingZeros64 locate the first free slot in O(1) per
// word without walking pointers through slab memory, which matters
// once the slab is mostly full (the teacher's free-list walk degrades
// to O(occupancy) in that case).
package blockheap

import (
	"sync"
	"unsafe"

	"github.com/ferrohall/ecsrt/internal/xerrors"
	"github.com/ferrohall/ecsrt/internal/xlog"
	"github.com/ferrohall/ecsrt/internal/xmath"
	"github.com/ferrohall/ecsrt/pages"
)

var log = xlog.Default("blockheap")

// Config configures a Heap. The zero value is not usable; use
// DefaultConfig as a starting point.
type Config struct {
	Sizes        []uintptr // ascending power-of-two size classes
	DataPageSize uintptr   // bytes per data slab; must be a page-size multiple
}

// DefaultConfig mirrors spec.md §4.4's defaults.
func DefaultConfig() Config {
	return Config{Sizes: DefaultSizes, DataPageSize: DefaultDataPageSize}
}

// Heap is the segregated-size-class block allocator.
type Heap struct {
	mu      sync.Mutex
	cfg     Config
	classes []sizeClass

	byClass []classIndex            // one classIndex per size class
	live    map[uintptr]*slabRecord // slab base address -> record, for Free
	direct  map[uintptr]directRecord
}

type directRecord struct {
	run      pages.Run
	userSize uintptr
}

const fakeHeaderSize = 16 // canary (8) + run length (8)

// New constructs a Heap. cfg.Sizes must be ascending powers of two.
func New(cfg Config) *Heap {
	if cfg.DataPageSize == 0 {
		cfg.DataPageSize = DefaultDataPageSize
	}
	if len(cfg.Sizes) == 0 {
		cfg.Sizes = DefaultSizes
	}
	h := &Heap{
		cfg:     cfg,
		classes: buildClasses(cfg.DataPageSize, cfg.Sizes),
		byClass: make([]classIndex, len(cfg.Sizes)),
		live:    make(map[uintptr]*slabRecord),
		direct:  make(map[uintptr]directRecord),
	}
	return h
}

// Alloc returns size bytes aligned to alignment (a power of two).
// Requests whose max(size, alignment) exceeds the largest size class
// are served directly from the page mapper.
func (h *Heap) Alloc(size, alignment uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}
	if alignment == 0 {
		alignment = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	idx, direct := classify(h.cfg.Sizes, size, alignment)
	if direct {
		return h.allocDirect(size, alignment)
	}
	return h.allocPooled(idx)
}

func (h *Heap) allocPooled(idx int) (unsafe.Pointer, error) {
	ci := &h.byClass[idx]
	rec := ci.findWithFree()
	if rec == nil {
		slab, err := h.newSlab(idx)
		if err != nil {
			return nil, err
		}
		rec = &slabRecord{slab: slab, class: idx, numFree: uint32(h.classes[idx].slotCount)}
		ci.add(rec)
		h.live[slab.base] = rec
	}

	slot, ok := rec.slab.allocateBit()
	if !ok {
		// Bitmap says full but numFree disagreed: a bookkeeping bug
		// that should never be reachable; fail loud.
		xerrors.Fatal("blockheap: slab free-count/bitmap mismatch")
	}
	rec.numFree--
	return rec.slab.blockPtr(slot), nil
}

func (h *Heap) newSlab(idx int) (*dataSlab, error) {
	class := h.classes[idx]
	run, err := pages.ObtainWithBreaker(h.cfg.DataPageSize, h.cfg.DataPageSize)
	if err != nil {
		log.Error("slab allocation failed", xlog.Int("class", idx), xlog.Err(err))
		return nil, err
	}
	return newDataSlab(run, class), nil
}

func (h *Heap) allocDirect(size, alignment uintptr) (unsafe.Pointer, error) {
	slabAlign := h.cfg.DataPageSize
	userOffset := xmath.AlignUp(fakeHeaderSize, alignment)
	rawSize := xmath.AlignUp(userOffset+size, pages.Size())

	run, err := pages.ObtainWithBreaker(rawSize, slabAlign)
	if err != nil {
		log.Error("direct allocation failed", xlog.Uint64("size", uint64(size)), xlog.Err(err))
		return nil, err
	}

	base := run.Addr()
	(*atomicU64)(unsafe.Pointer(base)).Store(fakeSlabCanary)
	(*atomicU64)(unsafe.Pointer(base + 8)).Store(uint64(run.Len()))

	h.direct[base] = directRecord{run: run, userSize: size}
	return unsafe.Pointer(base + userOffset), nil
}

// Free releases a pointer previously returned by Alloc. Passing any
// other pointer is a programmer error and aborts.
func (h *Heap) Free(ptr unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.free(ptr)
}

func (h *Heap) free(ptr unsafe.Pointer) {
	addr := uintptr(ptr)
	base := xmath.AlignDown(addr, h.cfg.DataPageSize)
	canary := (*atomicU64)(unsafe.Pointer(base)).Load()

	switch canary {
	case liveSlabCanary:
		rec, ok := h.live[base]
		if !ok {
			xerrors.Fatal("blockheap: free of pointer with no live slab record")
		}
		slot := rec.slab.slotOf(addr)
		rec.slab.freeBit(slot)
		rec.numFree++
	case fakeSlabCanary:
		dr, ok := h.direct[base]
		if !ok {
			xerrors.Fatal("blockheap: free of pointer with no direct allocation record")
		}
		if err := pages.Release(dr.run); err != nil {
			log.Error("direct release failed", xlog.Err(err))
		}
		delete(h.direct, base)
	default:
		xerrors.Fatalf("blockheap: free of pointer %#x: corrupted or foreign slab header (canary %#x)", addr, canary)
	}
}

// Realloc resizes an allocation, preserving the min(old,new) prefix.
// oldSize must be the size the pointer was originally allocated (or
// last realloc'd) with.
//
// Per spec.md §4.4 "Reallocation," when old and new both land in the
// same pooled size class the existing block already has the right
// size and alignment (every block in a class is blockSize-aligned),
// so the same pointer is returned unchanged with no bitmap change.
// When the pointer is a direct allocation and the new size is still
// direct-sized, the resize is delegated to pages.Realloc on the
// existing run, which keeps the run only when its length and
// alignment already match and otherwise maps a new run, copies the
// prefix and releases the old one; either way the heap keeps a single
// direct record for the allocation.
func (h *Heap) Realloc(ptr unsafe.Pointer, oldSize, newSize, alignment uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.Alloc(newSize, alignment)
	}
	if alignment == 0 {
		alignment = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	base := xmath.AlignDown(uintptr(ptr), h.cfg.DataPageSize)
	canary := (*atomicU64)(unsafe.Pointer(base)).Load()

	switch canary {
	case liveSlabCanary:
		rec, ok := h.live[base]
		if !ok {
			xerrors.Fatal("blockheap: realloc of pointer with no live slab record")
		}
		if newIdx, newDirect := classify(h.cfg.Sizes, newSize, alignment); !newDirect && newIdx == rec.class {
			return ptr, nil
		}
	case fakeSlabCanary:
		dr, ok := h.direct[base]
		if !ok {
			xerrors.Fatal("blockheap: realloc of pointer with no direct allocation record")
		}
		if _, newDirect := classify(h.cfg.Sizes, newSize, alignment); !newDirect {
			break // direct to pooled: fresh block, copy, free the run below
		}
		userOffset := xmath.AlignUp(fakeHeaderSize, alignment)
		rawSize := xmath.AlignUp(userOffset+newSize, pages.Size())
		grown, err := pages.Realloc(dr.run, rawSize, h.cfg.DataPageSize)
		if err != nil {
			return nil, err
		}
		newBase := grown.Addr()
		(*atomicU64)(unsafe.Pointer(newBase)).Store(fakeSlabCanary)
		(*atomicU64)(unsafe.Pointer(newBase + 8)).Store(uint64(grown.Len()))
		delete(h.direct, base)
		h.direct[newBase] = directRecord{run: grown, userSize: newSize}
		return unsafe.Pointer(newBase + userOffset), nil
	default:
		xerrors.Fatalf("blockheap: realloc of pointer %#x: corrupted or foreign slab header (canary %#x)", uintptr(ptr), canary)
	}

	newPtr, err := h.allocLocked(newSize, alignment)
	if err != nil {
		return nil, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	src := unsafe.Slice((*byte)(ptr), n)
	dst := unsafe.Slice((*byte)(newPtr), n)
	copy(dst, src)
	h.free(ptr)
	return newPtr, nil
}

func (h *Heap) allocLocked(size, alignment uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}
	if alignment == 0 {
		alignment = 1
	}
	idx, direct := classify(h.cfg.Sizes, size, alignment)
	if direct {
		return h.allocDirect(size, alignment)
	}
	return h.allocPooled(idx)
}

// Shrink narrows a direct allocation's usable size in place when
// possible. Per spec.md §4.4.1, a shrink that now fits a pooled size
// class first attempts to migrate the allocation into the pooled
// regime (a fresh pooled block, prefix copied over, old direct run
// released); only when that pooled allocation fails does it fall back
// to the "fake slab" escape hatch — keep the old run, rewrite its
// FAKE_SLAB header, reposition the user pointer — leaving the block an
// oversized but still-discoverable direct allocation.
func (h *Heap) Shrink(ptr unsafe.Pointer, oldSize, newSize, alignment uintptr) unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()

	base := xmath.AlignDown(uintptr(ptr), h.cfg.DataPageSize)
	canary := (*atomicU64)(unsafe.Pointer(base)).Load()
	if canary != fakeSlabCanary {
		// Pooled blocks are fixed-size within their class; shrinking
		// within the same class is a no-op, and spec.md §4.4 does not
		// require pooled-to-smaller-class migration.
		return ptr
	}
	if alignment == 0 {
		alignment = 1
	}

	if idx, direct := classify(h.cfg.Sizes, newSize, alignment); !direct {
		if newPtr, err := h.allocPooled(idx); err == nil {
			n := oldSize
			if newSize < n {
				n = newSize
			}
			src := unsafe.Slice((*byte)(ptr), n)
			dst := unsafe.Slice((*byte)(newPtr), n)
			copy(dst, src)
			h.free(ptr) // releases the old direct run
			return newPtr
		}
		// Pooled allocation failed; fall through to the escape hatch.
	}

	dr := h.direct[base]
	userOffset := xmath.AlignUp(fakeHeaderSize, alignment)
	rawSize := xmath.AlignUp(userOffset+newSize, pages.Size())

	shrunk := pages.Shrink(dr.run, rawSize, h.cfg.DataPageSize)
	newBase := shrunk.Addr()
	(*atomicU64)(unsafe.Pointer(newBase)).Store(fakeSlabCanary)
	(*atomicU64)(unsafe.Pointer(newBase + 8)).Store(uint64(shrunk.Len()))

	delete(h.direct, base)
	h.direct[newBase] = directRecord{run: shrunk, userSize: newSize}
	return unsafe.Pointer(newBase + userOffset)
}

// Close releases every page run the heap still owns: all data slabs
// and all direct allocations. Callers must not use the heap afterward.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for _, rec := range h.live {
		if err := pages.Release(rec.slab.run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, dr := range h.direct {
		if err := pages.Release(dr.run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.live = make(map[uintptr]*slabRecord)
	h.direct = make(map[uintptr]directRecord)
	for i := range h.byClass {
		h.byClass[i] = classIndex{}
	}
	return firstErr
}

// Stats reports coarse occupancy for diagnostics.
type Stats struct {
	LiveSlabs  int
	DirectRuns int
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{LiveSlabs: len(h.live), DirectRuns: len(h.direct)}
}
