package blockheap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocWritesAndFreesWithinPooledClass(t *testing.T) {
	h := New(DefaultConfig())
	defer h.Close()

	ptr, err := h.Alloc(24, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	assert.Zero(t, uintptr(ptr)%8)

	buf := unsafe.Slice((*byte)(ptr), 24)
	buf[0] = 0xAB
	assert.Equal(t, byte(0xAB), buf[0])

	h.Free(ptr)
	assert.Equal(t, 1, h.Stats().LiveSlabs)
}

func TestAllocFillsSlabThenGrowsANewOne(t *testing.T) {
	h := New(DefaultConfig())
	defer h.Close()

	class := h.classes[0]
	ptrs := make([]unsafe.Pointer, class.slotCount+1)
	for i := range ptrs {
		p, err := h.Alloc(1, 1)
		require.NoError(t, err)
		ptrs[i] = p
	}
	assert.Equal(t, 2, h.Stats().LiveSlabs)

	for _, p := range ptrs {
		h.Free(p)
	}
}

func TestAllocAboveLargestClassGoesDirect(t *testing.T) {
	h := New(DefaultConfig())
	defer h.Close()

	big := h.cfg.Sizes[len(h.cfg.Sizes)-1] * 4
	ptr, err := h.Alloc(big, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Stats().DirectRuns)
	assert.Zero(t, uintptr(ptr)%16)

	buf := unsafe.Slice((*byte)(ptr), big)
	buf[0] = 0x7F
	buf[big-1] = 0x01

	h.Free(ptr)
	assert.Equal(t, 0, h.Stats().DirectRuns)
}

func TestReallocPreservesPrefix(t *testing.T) {
	h := New(DefaultConfig())
	defer h.Close()

	ptr, err := h.Alloc(16, 8)
	require.NoError(t, err)
	buf := unsafe.Slice((*byte)(ptr), 16)
	buf[0] = 0x11
	buf[15] = 0x22

	grown, err := h.Realloc(ptr, 16, 64, 8)
	require.NoError(t, err)
	gbuf := unsafe.Slice((*byte)(grown), 64)
	assert.Equal(t, byte(0x11), gbuf[0])
	assert.Equal(t, byte(0x22), gbuf[15])

	h.Free(grown)
}

// TestReallocWithinSameClassReturnsSamePointer exercises spec.md
// §4.4's mandatory fast path: old and new size land in the same
// pooled class, so Realloc must return the original pointer with no
// bitmap change rather than allocating fresh and copying.
func TestReallocWithinSameClassReturnsSamePointer(t *testing.T) {
	h := New(DefaultConfig())
	defer h.Close()

	ptr, err := h.Alloc(20, 8)
	require.NoError(t, err)
	buf := unsafe.Slice((*byte)(ptr), 20)
	buf[0] = 0x55

	before := h.Stats().LiveSlabs
	same, err := h.Realloc(ptr, 20, 28, 8) // 20 and 28 both round up to class 32
	require.NoError(t, err)
	assert.Equal(t, ptr, same)
	assert.Equal(t, before, h.Stats().LiveSlabs)

	sbuf := unsafe.Slice((*byte)(same), 28)
	assert.Equal(t, byte(0x55), sbuf[0])

	h.Free(same)
}

// TestReallocDirectToDirectKeepsOneDirectRecord exercises the
// direct-to-direct resize path, which delegates to pages.Realloc on
// the existing run and keeps a single direct record for the
// allocation rather than adding a second one.
func TestReallocDirectToDirectKeepsOneDirectRecord(t *testing.T) {
	h := New(DefaultConfig())
	defer h.Close()

	largest := h.cfg.Sizes[len(h.cfg.Sizes)-1]
	oldSize := largest * 4
	newSize := largest * 8

	ptr, err := h.Alloc(oldSize, 16)
	require.NoError(t, err)
	buf := unsafe.Slice((*byte)(ptr), oldSize)
	buf[0] = 0x77

	before := h.Stats().DirectRuns
	grown, err := h.Realloc(ptr, oldSize, newSize, 16)
	require.NoError(t, err)
	assert.Equal(t, before, h.Stats().DirectRuns)

	gbuf := unsafe.Slice((*byte)(grown), newSize)
	assert.Equal(t, byte(0x77), gbuf[0])

	h.Free(grown)
}

// TestShrinkDirectAllocationStaysDiscoverable shrinks to a size that
// is still above the largest pooled class, so the pooled-migration
// attempt in Shrink declines and the fake-slab escape hatch runs: the
// block stays a direct allocation, discoverable via its FAKE_SLAB
// canary at the same masked base, just smaller.
func TestShrinkDirectAllocationStaysDiscoverable(t *testing.T) {
	h := New(DefaultConfig())
	defer h.Close()

	largest := h.cfg.Sizes[len(h.cfg.Sizes)-1]
	big := largest * 8
	stillOversized := largest * 4
	ptr, err := h.Alloc(big, 16)
	require.NoError(t, err)
	buf := unsafe.Slice((*byte)(ptr), big)
	buf[0] = 0x99

	before := h.Stats().DirectRuns
	shrunk := h.Shrink(ptr, big, stillOversized, 16)
	require.NotNil(t, shrunk)
	sbuf := unsafe.Slice((*byte)(shrunk), stillOversized)
	assert.Equal(t, byte(0x99), sbuf[0])
	assert.Equal(t, before, h.Stats().DirectRuns)

	h.Free(shrunk)
}

// TestShrinkMigratesToPooledClassWhenItFits exercises spec.md §4.4.1's
// primary path: a direct allocation shrunk down to a size that now
// fits a pooled class migrates into that class instead of staying an
// oversized direct block.
func TestShrinkMigratesToPooledClassWhenItFits(t *testing.T) {
	h := New(DefaultConfig())
	defer h.Close()

	largest := h.cfg.Sizes[len(h.cfg.Sizes)-1]
	big := largest * 8
	ptr, err := h.Alloc(big, 16)
	require.NoError(t, err)
	buf := unsafe.Slice((*byte)(ptr), big)
	buf[0] = 0x99

	directBefore := h.Stats().DirectRuns
	shrunk := h.Shrink(ptr, big, h.cfg.Sizes[0], 16)
	require.NotNil(t, shrunk)
	sbuf := unsafe.Slice((*byte)(shrunk), h.cfg.Sizes[0])
	assert.Equal(t, byte(0x99), sbuf[0])

	assert.Equal(t, directBefore-1, h.Stats().DirectRuns)
	assert.Equal(t, 1, h.Stats().LiveSlabs)

	h.Free(shrunk)
}

func TestFreeOfCorruptPointerIsFatal(t *testing.T) {
	h := New(DefaultConfig())
	defer h.Close()

	garbage := make([]byte, DefaultDataPageSize*2)
	base := uintptr(unsafe.Pointer(&garbage[0]))
	aligned := (base + DefaultDataPageSize - 1) &^ (DefaultDataPageSize - 1)

	assert.Panics(t, func() {
		h.Free(unsafe.Pointer(aligned + 8))
	})
}
