package ring

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrohall/ecsrt/internal/xerrors"
)

func TestEnqueueDequeueBasicSequence(t *testing.T) {
	q := New[int](3)

	require.NoError(t, q.Enqueue(0))
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	require.ErrorIs(t, q.Enqueue(3), xerrors.ErrQueueFull)

	v, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = q.Dequeue()
	require.ErrorIs(t, err, xerrors.ErrQueueEmpty)
}

func TestInterleavedEnqueueDequeue(t *testing.T) {
	// capacity 3, pattern from spec.md §8 scenario 3.
	q := New[int](3)

	require.NoError(t, q.Enqueue(0))
	require.NoError(t, q.Enqueue(1))
	v, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, q.Enqueue(2))
	require.NoError(t, q.Enqueue(3))
	require.ErrorIs(t, q.Enqueue(4), xerrors.ErrQueueFull)

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	require.NoError(t, q.Enqueue(4))

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = q.Dequeue()
	require.ErrorIs(t, err, xerrors.ErrQueueEmpty)
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const (
		producers   = 3
		perProducer = 5000
	)
	q := New[int32](64)

	var produced, consumed int64
	var wg sync.WaitGroup

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int32) {
			defer wg.Done()
			for i := int32(0); i < perProducer; i++ {
				v := base*perProducer + i
				for q.Enqueue(v) != nil {
					// spin-retry on QueueFull
				}
				atomic.AddInt64(&produced, int64(v))
			}
		}(int32(p))
	}

	done := make(chan struct{})
	var consumedCount int64
	go func() {
		for {
			v, err := q.Dequeue()
			if err == nil {
				atomic.AddInt64(&consumed, int64(v))
				atomic.AddInt64(&consumedCount, 1)
				if consumedCount == producers*perProducer {
					close(done)
					return
				}
				continue
			}
		}
	}()

	wg.Wait()
	<-done

	assert.Equal(t, produced, consumed)
	assert.EqualValues(t, producers*perProducer, consumedCount)
}
