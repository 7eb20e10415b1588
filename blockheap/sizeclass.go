package blockheap

import (
	"github.com/ferrohall/ecsrt/internal/xerrors"
	"github.com/ferrohall/ecsrt/internal/xmath"
)

// DefaultSizes is the ascending power-of-two size-class ladder from
// spec.md §4.4, minimum 16 bytes.
var DefaultSizes = []uintptr{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384}

// DefaultDataPageSize is the nominal data-slab size (64 KiB).
const DefaultDataPageSize = 65536

// DefaultIndexPageSize mirrors the host's page size for index slabs;
// callers that need an exact value should use pages.Size().
const DefaultIndexPageSize = 4096

// classOf derives, per size class, the bitmap word count and the
// number of usable blocks that fit in one data slab after the header
// and bitmap are carved out. The block array start is rounded up to
// blockSize so every returned block address inherits the slab's own
// alignment — spec.md §4.4 states the derivation without this
// rounding, which is only safe when sizeof(SlabHeader)+B*8 already
// happens to be blockSize-aligned; we round explicitly so the
// alignment invariant (spec.md §8 "Alignment") holds for every class,
// including blockSize==16384 on a 64 KiB slab.
type sizeClass struct {
	index            int
	blockSize        uintptr
	bitmapWords      int
	blockArrayOffset uintptr
	slotCount        uintptr
}

const dataSlabHeaderSize = 16 // canary (8 bytes) + reserved (8 bytes)

func classOf(slabSize, blockSize uintptr, index int) sizeClass {
	maxSlots := slabSize / blockSize
	bitmapWords := int((maxSlots + 63) / 64)
	if bitmapWords == 0 {
		bitmapWords = 1
	}
	blockArrayOffset := xmath.AlignUp(uintptr(dataSlabHeaderSize+bitmapWords*8), blockSize)
	slotCount := (slabSize - blockArrayOffset) / blockSize
	return sizeClass{
		index:            index,
		blockSize:        blockSize,
		bitmapWords:      bitmapWords,
		blockArrayOffset: blockArrayOffset,
		slotCount:        slotCount,
	}
}

// buildClasses derives a sizeClass for every entry in sizes.
func buildClasses(slabSize uintptr, sizes []uintptr) []sizeClass {
	classes := make([]sizeClass, len(sizes))
	for i, s := range sizes {
		classes[i] = classOf(slabSize, s, i)
	}
	return classes
}

// classify implements spec.md §4.4's classification rule: need =
// max(size, alignment); sizes above the largest class go direct.
func classify(sizes []uintptr, size, alignment uintptr) (classIndex int, direct bool) {
	if alignment == 0 {
		xerrors.Fatal("blockheap: alignment must be non-zero")
	}
	if !xmath.IsPowerOfTwo(alignment) {
		xerrors.Fatal("blockheap: alignment must be a power of two")
	}
	need := size
	if alignment > need {
		need = alignment
	}
	largest := sizes[len(sizes)-1]
	if need > largest {
		return -1, true
	}
	blockSize := xmath.RoundUpPow2(need)
	if blockSize < sizes[0] {
		blockSize = sizes[0]
	}
	idx := int(xmath.Log2(blockSize) - xmath.Log2(sizes[0]))
	return idx, false
}
