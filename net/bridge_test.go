package net

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](16)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.TrySend(i))
	}

	got := q.Drain(nil)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.Empty(t, q.Drain(nil))
}

func TestQueue_Backpressure(t *testing.T) {
	q := NewQueue[string](2)
	require.NoError(t, q.TrySend("a"))
	require.NoError(t, q.TrySend("b"))

	err := q.TrySend("c")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Cap())

	// The rejected item is gone; nothing overwrote the queued ones.
	assert.Equal(t, []string{"a", "b"}, q.Drain(nil))
	require.NoError(t, q.TrySend("c"))
}

func TestQueue_MinimumCapacity(t *testing.T) {
	q := NewQueue[int](0)
	assert.Equal(t, 1, q.Cap())
	require.NoError(t, q.TrySend(1))
	assert.ErrorIs(t, q.TrySend(2), ErrQueueFull)
}

func TestQueue_DrainAppends(t *testing.T) {
	q := NewQueue[int](4)
	_ = q.TrySend(3)
	_ = q.TrySend(4)

	dst := q.Drain([]int{1, 2})
	assert.Equal(t, []int{1, 2, 3, 4}, dst)
}

func TestQueue_Discard(t *testing.T) {
	q := NewQueue[int](8)
	for i := 0; i < 5; i++ {
		_ = q.TrySend(i)
	}
	assert.Equal(t, 5, q.Discard())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 500
	q := NewQueue[int](producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.TrySend(p*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	got := q.Drain(nil)
	require.Len(t, got, producers*perProducer)

	// Each producer's items keep their relative order.
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for _, v := range got {
		p := v / perProducer
		assert.Greater(t, v, last[p])
		last[p] = v
	}
}

func TestBridge(t *testing.T) {
	b := NewBridge(2, 3)
	assert.Equal(t, 2, b.Inbound.Cap())
	assert.Equal(t, 3, b.Outbound.Cap())

	_ = b.Inbound.TrySend(Frame{Payload: []byte("in")})
	_ = b.Outbound.TrySend(Frame{Payload: []byte("out")})
	_ = b.Outbound.TrySend(Frame{Payload: []byte("out")})
	assert.Equal(t, 3, b.Discard())

	select {
	case <-b.Outbound.Recv():
		t.Fatal("outbound not empty after Discard")
	default:
	}
}
