package interval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequenceSource returns a fixed sequence of draws, cycling, for
// deterministic FindFree tests.
type sequenceSource struct {
	vals []uint64
	i    int
}

func (s *sequenceSource) Uniform(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	v := s.vals[s.i%len(s.vals)] % n
	s.i++
	return v
}

func TestInsertOverlapRejected(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(&Interval{Low: 10, High: 20}))

	err := tr.Insert(&Interval{Low: 15, High: 25})
	assert.Error(t, err)
	assert.Equal(t, 1, tr.Len())
}

func TestInsertAdjacentNotOverlapping(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(&Interval{Low: 10, High: 20}))
	require.NoError(t, tr.Insert(&Interval{Low: 20, High: 30}))
	assert.Equal(t, 2, tr.Len())
}

func TestRemove(t *testing.T) {
	tr := New()
	iv := &Interval{Low: 10, High: 20}
	require.NoError(t, tr.Insert(iv))
	tr.Remove(iv)
	assert.Equal(t, 0, tr.Len())

	// second overlapping insert now succeeds
	require.NoError(t, tr.Insert(&Interval{Low: 10, High: 20}))
}

func TestOverlaps(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(&Interval{Low: 0, High: 10}))
	require.NoError(t, tr.Insert(&Interval{Low: 20, High: 30}))
	require.NoError(t, tr.Insert(&Interval{Low: 40, High: 50}))

	got := tr.Overlaps(5, 25)
	assert.Len(t, got, 2)
}

func TestFindFreeDisjointFromExisting(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(&Interval{Low: 100, High: 108}))

	rng := &sequenceSource{vals: []uint64{100, 0, 0}} // first draw collides, retries
	low, ok := tr.FindFree(0, 1000, 8, rng)
	require.True(t, ok)
	assert.Empty(t, tr.Overlaps(low, low+8))
}

func TestFindFreeExhaustedPool(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(&Interval{Low: 0, High: 16}))

	rng := &sequenceSource{vals: []uint64{0}}
	_, ok := tr.FindFree(0, 16, 1, rng)
	assert.False(t, ok)
}

func TestFindFreeTwoLargeReservationsDisjoint(t *testing.T) {
	// S6: two reservations of length 32000 within a 65024 pool succeed and
	// are disjoint; a third of the same length fails.
	tr := New()
	rng := &sequenceSource{vals: []uint64{0}}

	low1, ok := tr.FindFree(0, 65024, 32000, rng)
	require.True(t, ok)
	require.NoError(t, tr.Insert(&Interval{Low: low1, High: low1 + 32000}))

	low2, ok := tr.FindFree(0, 65024, 32000, rng)
	require.True(t, ok)
	require.NoError(t, tr.Insert(&Interval{Low: low2, High: low2 + 32000}))

	assert.True(t, low2+32000 <= low1 || low1+32000 <= low2, "reservations must be disjoint")

	_, ok = tr.FindFree(0, 65024, 32000, rng)
	assert.False(t, ok)
}
