package job

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrohall/ecsrt/blockheap"
)

func newTestSystem(t *testing.T) (*System, *blockheap.Heap) {
	t.Helper()
	heap := blockheap.New(blockheap.DefaultConfig())
	sys := New(heap, true)
	sys.Startup(4)
	t.Cleanup(func() {
		require.NoError(t, sys.Shutdown())
		heap.Close()
	})
	return sys, heap
}

func TestScheduleAndFlushRunsJob(t *testing.T) {
	sys, _ := newTestSystem(t)

	var ran atomic.Bool
	_, err := Schedule(sys, 42, func(ctx *Context, p *int) {
		ran.Store(*p == 42)
	})
	require.NoError(t, err)

	sys.Flush()
	assert.True(t, ran.Load())
}

// TestDependencyChainRunsInOrder mirrors spec.md §8 scenario 5: job A
// runs, then B (depending on A) runs, then 16 C-jobs (all depending on
// B) run; Flush returns once all 18 have completed.
func TestDependencyChainRunsInOrder(t *testing.T) {
	sys, _ := newTestSystem(t)

	var mu sync.Mutex
	var order []string

	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	idA, err := Schedule(sys, struct{}{}, func(ctx *Context, _ *struct{}) {
		record("A")
	})
	require.NoError(t, err)

	idB, err := ScheduleWithDeps(sys, struct{}{}, func(ctx *Context, _ *struct{}) {
		record("B")
	}, []JobID{idA})
	require.NoError(t, err)

	var cIDs [16]JobID
	for i := range cIDs {
		id, err := ScheduleWithDeps(sys, i, func(ctx *Context, p *int) {
			record("C")
		}, []JobID{idB})
		require.NoError(t, err)
		cIDs[i] = id
	}

	sys.Flush()

	require.Len(t, order, 18)
	assert.Equal(t, "A", order[0])
	assert.Equal(t, "B", order[1])
	for _, name := range order[2:] {
		assert.Equal(t, "C", name)
	}
}

func TestAddSubJobPinsParentUntilChildFinishes(t *testing.T) {
	sys, _ := newTestSystem(t)

	var parentRan, childRan, parentPinned atomic.Bool
	var order []string
	var mu sync.Mutex

	_, err := Schedule(sys, struct{}{}, func(ctx *Context, _ *struct{}) {
		parentRan.Store(true)
		parentID := ctx.Self()
		mu.Lock()
		order = append(order, "parent")
		mu.Unlock()
		_, err := AddSubJob(ctx, struct{}{}, func(cctx *Context, _ *struct{}) {
			parentPinned.Store(sys.slotAt(parentID.ShortID()).gen16() == parentID.Generation())
			childRan.Store(true)
			mu.Lock()
			order = append(order, "child")
			mu.Unlock()
		})
		require.NoError(t, err)
	})
	require.NoError(t, err)

	sys.Flush()

	assert.True(t, parentRan.Load())
	assert.True(t, childRan.Load())
	assert.True(t, parentPinned.Load(), "parent finalized before its child ran")
	require.Len(t, order, 2)
	assert.Equal(t, "parent", order[0])
	assert.Equal(t, "child", order[1])
}

// TestPermitOverflowIntoExpansionSlot schedules a predecessor plus more
// successors than InlinePermits, so addPermit allocates an expansion
// slot whenever the predecessor is still unfinished when the fourth
// successor registers; all successors must run either way.
func TestPermitOverflowIntoExpansionSlot(t *testing.T) {
	sys, _ := newTestSystem(t)

	const successors = InlinePermits + 5

	gate, err := Schedule(sys, struct{}{}, func(ctx *Context, _ *struct{}) {})
	require.NoError(t, err)

	var completed atomic.Int32
	for i := 0; i < successors; i++ {
		_, err := ScheduleWithDeps(sys, i, func(ctx *Context, p *int) {
			completed.Add(1)
		}, []JobID{gate})
		require.NoError(t, err)
	}

	sys.Flush()

	assert.EqualValues(t, successors, completed.Load())
}

func TestWaitReturnsAfterGenerationAdvances(t *testing.T) {
	sys, _ := newTestSystem(t)

	var done atomic.Bool
	id, err := Schedule(sys, struct{}{}, func(ctx *Context, _ *struct{}) {
		done.Store(true)
	})
	require.NoError(t, err)

	sys.Wait(id)
	assert.True(t, done.Load())
}

// TestExternalParamIsFreedAfterDispatch exercises the >40 byte
// parameter path, which routes through the Allocator instead of the
// slot's inline storage.
func TestExternalParamIsFreedAfterDispatch(t *testing.T) {
	sys, _ := newTestSystem(t)

	type big struct {
		data [128]byte
	}
	var seen byte
	id, err := Schedule(sys, big{data: [128]byte{1: 0x7f}}, func(ctx *Context, p *big) {
		seen = p.data[1]
	})
	require.NoError(t, err)

	sys.Flush()
	assert.Equal(t, byte(0x7f), seen)
	assert.Nil(t, sys.slotAt(id.ShortID()).paramExt, "external parameter not released after dispatch")
}

func TestInvalidDependencyDoesNotBlockPublication(t *testing.T) {
	sys, _ := newTestSystem(t)

	var ran atomic.Bool
	invalid := makeJobID(0, noShortID)
	_, err := ScheduleWithDeps(sys, struct{}{}, func(ctx *Context, _ *struct{}) {
		ran.Store(true)
	}, []JobID{invalid})
	require.NoError(t, err)

	sys.Flush()
	assert.True(t, ran.Load())
}
