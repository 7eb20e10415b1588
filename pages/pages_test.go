package pages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObtainReleaseRoundTrip(t *testing.T) {
	p := Size()
	run, err := Obtain(p, p)
	require.NoError(t, err)
	assert.EqualValues(t, p, run.Len())
	assert.True(t, run.Addr()%p == 0)

	run.Bytes()[0] = 0xAB
	assert.Equal(t, byte(0xAB), run.Bytes()[0])

	require.NoError(t, Release(run))
}

func TestObtainOverAlignment(t *testing.T) {
	p := Size()
	bigAlign := p * 4
	run, err := Obtain(p, bigAlign)
	require.NoError(t, err)
	assert.EqualValues(t, p, run.Len())
	assert.Zero(t, run.Addr()%bigAlign)
	require.NoError(t, Release(run))
}

func TestShrinkNeverFails(t *testing.T) {
	p := Size()
	run, err := Obtain(4*p, p)
	require.NoError(t, err)

	shrunk := Shrink(run, p, p)
	assert.EqualValues(t, p, shrunk.Len())

	require.NoError(t, Release(shrunk))
}

func TestReallocGrowsAndCopiesPrefix(t *testing.T) {
	p := Size()
	run, err := Obtain(p, p)
	require.NoError(t, err)
	run.Bytes()[0] = 0x42

	grown, err := Realloc(run, 2*p, p)
	require.NoError(t, err)
	assert.EqualValues(t, 2*p, grown.Len())
	assert.Equal(t, byte(0x42), grown.Bytes()[0])

	require.NoError(t, Release(grown))
}
