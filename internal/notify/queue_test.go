package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFOOrder(t *testing.T) {
	q := New()
	q.Push(Notification{Sender: 1, Kind: Acquired, ID: 1})
	q.Push(Notification{Sender: 1, Kind: Status, ID: 1})
	q.Push(Notification{Sender: 2, Kind: Released, ID: 2})

	require.Equal(t, 3, q.Len())

	n, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, Acquired, n.Kind)

	n, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, Status, n.Kind)

	n, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, Released, n.Kind)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestDrainEmptiesQueueInOrder(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Push(Notification{ID: uint64(i)})
	}
	got := q.Drain()
	require.Len(t, got, 5)
	for i, n := range got {
		assert.Equal(t, uint64(i), n.ID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestYieldedCarriesConflictRange(t *testing.T) {
	q := New()
	q.Push(Notification{
		Kind:     Yielded,
		ID:       7,
		Conflict: &ConflictRange{Start: 100, Count: 8},
	})
	n, ok := q.Pop()
	require.True(t, ok)
	require.NotNil(t, n.Conflict)
	assert.Equal(t, uint64(100), n.Conflict.Start)
}
