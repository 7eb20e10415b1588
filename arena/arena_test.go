package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocBumpsWithinOnePage(t *testing.T) {
	a := New(DefaultPageSize)
	defer a.Deinit()

	p1, err := a.Alloc(64, 8)
	require.NoError(t, err)
	p2, err := a.Alloc(64, 8)
	require.NoError(t, err)

	assert.Zero(t, uintptr(p1)%8)
	assert.Zero(t, uintptr(p2)%8)
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, 1, len(a.pages))
}

func TestAllocLinksFreshPageWhenCurrentIsFull(t *testing.T) {
	a := New(4096)
	defer a.Deinit()

	for i := 0; i < 100; i++ {
		_, err := a.Alloc(64, 8)
		require.NoError(t, err)
	}
	assert.Greater(t, len(a.pages), 1)
}

func TestAllocAboveArenaPageGoesDirect(t *testing.T) {
	a := New(4096)
	defer a.Deinit()

	p, err := a.Alloc(4096*4, 16)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)%16)
	assert.Equal(t, 1, len(a.directs))
}

func TestReallocGrowCopiesPrefixAndAbandonsOld(t *testing.T) {
	a := New(DefaultPageSize)
	defer a.Deinit()

	p, err := a.Alloc(16, 8)
	require.NoError(t, err)
	buf := unsafe.Slice((*byte)(p), 16)
	buf[0] = 0x42

	grown, err := a.Realloc(p, 16, 128, 8)
	require.NoError(t, err)
	gbuf := unsafe.Slice((*byte)(grown), 128)
	assert.Equal(t, byte(0x42), gbuf[0])
}

func TestReallocShrinkReturnsSamePointerWhenAlignmentSatisfied(t *testing.T) {
	a := New(DefaultPageSize)
	defer a.Deinit()

	p, err := a.Alloc(128, 8)
	require.NoError(t, err)

	same, err := a.Realloc(p, 128, 16, 8)
	require.NoError(t, err)
	assert.Equal(t, p, same)
}
