package cachetree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescendFindsLongestMatch(t *testing.T) {
	tr := New(1024)
	tr.Insert([]int64{1, 2, 3}, 7, 0)

	res := tr.Descend([]int64{1, 2, 3, 4})
	require.Equal(t, 3, res.MatchedLen)
	require.ElementsMatch(t, []uint64{7}, res.Workers)

	res = tr.Descend([]int64{9, 9})
	require.Equal(t, 0, res.MatchedLen)
}

func TestInsertAccumulatesMultipleWorkersAtSamePrefix(t *testing.T) {
	tr := New(1024)
	tr.Insert([]int64{1, 2}, 1, 0)
	tr.Insert([]int64{1, 2}, 2, 0)

	res := tr.Descend([]int64{1, 2})
	require.ElementsMatch(t, []uint64{1, 2}, res.Workers)
}

func TestTreeSizeNeverExceedsBudget(t *testing.T) {
	tr := New(3) // root + 2 nodes

	tr.Insert([]int64{1, 2, 3, 4, 5}, 1, 0)
	require.LessOrEqual(t, tr.Size(), 3)

	tr.Insert([]int64{9, 8, 7}, 2, 100)
	require.LessOrEqual(t, tr.Size(), 3)
}

func TestEvictStaleDropsOldLeaves(t *testing.T) {
	tr := New(1024)
	tr.Insert([]int64{1, 2}, 1, 0)
	sizeBefore := tr.Size()
	require.Greater(t, sizeBefore, 1)

	tr.EvictStale(50) // evict anything touched before ms=50

	require.Less(t, tr.Size(), sizeBefore)
	res := tr.Descend([]int64{1, 2})
	require.Equal(t, 0, res.MatchedLen)
}

func TestEvictStaleKeepsFreshEntries(t *testing.T) {
	tr := New(1024)
	tr.Insert([]int64{1, 2}, 1, 1000)

	tr.EvictStale(50)

	res := tr.Descend([]int64{1, 2})
	require.Equal(t, 2, res.MatchedLen)
}
