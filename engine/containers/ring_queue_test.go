package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingQueueFIFOOrder(t *testing.T) {
	q := NewRingQueue[int](4)

	for i := 1; i <= 4; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	assert.True(t, q.IsFull())
	assert.ErrorIs(t, q.Enqueue(5), ErrQueueFull)

	for i := 1; i <= 4; i++ {
		v, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.True(t, q.IsEmpty())
}

func TestRingQueueWrapsAround(t *testing.T) {
	q := NewRingQueue[string](2)

	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("b"))

	v, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	require.NoError(t, q.Enqueue("c"))

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "c", v)
}

func TestRingQueuePeekDoesNotConsume(t *testing.T) {
	q := NewRingQueue[int](3)

	_, err := q.Peek()
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, q.Enqueue(7))
	v, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, q.Len())
}

func TestRingQueueDequeueEmpty(t *testing.T) {
	q := NewRingQueue[int](1)
	_, err := q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}
