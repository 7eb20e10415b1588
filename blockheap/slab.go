package blockheap

import (
	"math/bits"
	"unsafe"

	"github.com/ferrohall/ecsrt/internal/xerrors"
	"github.com/ferrohall/ecsrt/pages"
)

// Canary values written at a slab's base so that masking any interior
// pointer down to its slab-aligned base and reading the first 8 bytes
// discriminates a pooled ("live") slab from a direct ("fake") one, per
// spec.md §4.4's address-masking discovery scheme.
const (
	liveSlabCanary uint64 = 0x4C4956455F534C42 // "LIVE_SLB"
	fakeSlabCanary uint64 = 0x46414B455F534C42 // "FAKE_SLB"
)

// dataSlab is a live (pooled) slab: raw slab-aligned memory holding, at
// its base, an 8-byte canary, a reserved word, an occupancy bitmap of
// class.bitmapWords 64-bit words, and then class.slotCount blocks of
// class.blockSize bytes each. Bit k of the bitmap (mask 1<<(63-k)) is 1
// when block k is occupied — MSB-first so the index of the first free
// bit is recovered with a single LeadingZeros64 of the word's
// complement, per spec.md §4.4's bit-ordering convention.
type dataSlab struct {
	run   pages.Run
	class sizeClass
	base  uintptr
}

func newDataSlab(run pages.Run, class sizeClass) *dataSlab {
	s := &dataSlab{run: run, class: class, base: run.Addr()}
	s.canaryPtr().Store(liveSlabCanary)
	for w := 0; w < class.bitmapWords; w++ {
		s.wordPtr(w).Store(0)
	}
	// Mark the padding tail (global indices >= slotCount) permanently
	// occupied so allocateBit never hands one out.
	for idx := class.slotCount; idx < uintptr(class.bitmapWords)*64; idx++ {
		s.markBit(idx)
	}
	return s
}

func (s *dataSlab) canaryPtr() *atomicU64 {
	return (*atomicU64)(unsafe.Pointer(s.base))
}

func (s *dataSlab) wordPtr(i int) *atomicU64 {
	return (*atomicU64)(unsafe.Pointer(s.base + uintptr(dataSlabHeaderSize+i*8)))
}

func (s *dataSlab) blockPtr(slot uintptr) unsafe.Pointer {
	return unsafe.Pointer(s.base + s.class.blockArrayOffset + slot*s.class.blockSize)
}

// allocateBit finds and claims the lowest-indexed free block, returning
// its slot index. ok is false when the slab is full.
func (s *dataSlab) allocateBit() (slot uintptr, ok bool) {
	for w := 0; w < s.class.bitmapWords; w++ {
		word := s.wordPtr(w).Load()
		complement := ^word
		if complement == 0 {
			continue
		}
		k := bits.LeadingZeros64(complement)
		global := uintptr(w)*64 + uintptr(k)
		if global >= s.class.slotCount {
			continue
		}
		s.wordPtr(w).Store(word | bitMask(k))
		return global, true
	}
	return 0, false
}

func (s *dataSlab) markBit(slot uintptr) {
	w, k := slot/64, int(slot%64)
	p := s.wordPtr(int(w))
	p.Store(p.Load() | bitMask(k))
}

func (s *dataSlab) freeBit(slot uintptr) {
	w, k := slot/64, int(slot%64)
	p := s.wordPtr(int(w))
	p.Store(p.Load() &^ bitMask(k))
}

// slotOf recovers the slot index of a pointer known to fall inside this
// slab's block array. Per spec.md §4.4 "Freeing," offset%blockSize==0
// is a required fatal guard: a pointer that doesn't land on a block
// boundary is corrupted or foreign and must never be treated as a
// valid slot index.
func (s *dataSlab) slotOf(ptr uintptr) uintptr {
	rel := ptr - s.base - s.class.blockArrayOffset
	if rel%s.class.blockSize != 0 {
		xerrors.Fatalf("blockheap: pointer %#x is not block-aligned within its slab (blockSize=%d, rel=%d)", ptr, s.class.blockSize, rel)
	}
	return rel / s.class.blockSize
}

func bitMask(k int) uint64 { return 1 << (63 - uint(k)) }

// atomicU64 overlays a raw uint64 word in mmap'd memory. Plain loads
// and stores (not sync/atomic) suffice here: index-slab bookkeeping in
// Heap already serializes concurrent access to a given slab with its
// own mutex, so this is a typed-pointer convenience, not a lock-free
// primitive.
type atomicU64 struct{ v uint64 }

func (a *atomicU64) Load() uint64     { return a.v }
func (a *atomicU64) Store(v uint64)   { a.v = v }
