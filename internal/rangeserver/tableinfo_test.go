package rangeserver

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

func newTableRange(t *testing.T, endRow string) *Range {
	t.Helper()
	rng, err := NewRange(1, rstypes.RangeSpec{EndRow: endRow}, 1, 1<<20, t.TempDir(), "t1", nil, false, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { rng.Close() })
	return rng
}

func TestTableInfoFindRangeBinarySearch(t *testing.T) {
	ti := NewTableInfo(1, "t1", &Schema{Generation: 1})
	require.NoError(t, ti.AddRange(newTableRange(t, "m")))
	require.NoError(t, ti.AddRange(newTableRange(t, "z")))
	require.NoError(t, ti.AddRange(newTableRange(t, "")))

	rng, ok := ti.FindRange("a")
	require.True(t, ok)
	require.Equal(t, "m", rng.Spec().EndRow)

	rng, ok = ti.FindRange("n")
	require.True(t, ok)
	require.Equal(t, "z", rng.Spec().EndRow)

	rng, ok = ti.FindRange("zzzzzz")
	require.True(t, ok)
	require.True(t, rng.Spec().Unbounded())
}

func TestTableInfoAddRangeRejectsDuplicateEndRow(t *testing.T) {
	ti := NewTableInfo(1, "t1", &Schema{Generation: 1})
	require.NoError(t, ti.AddRange(newTableRange(t, "m")))
	require.Error(t, ti.AddRange(newTableRange(t, "m")))
}

func TestTableInfoRemoveRange(t *testing.T) {
	ti := NewTableInfo(1, "t1", &Schema{Generation: 1})
	require.NoError(t, ti.AddRange(newTableRange(t, "m")))
	require.True(t, ti.RemoveRange("m"))
	require.False(t, ti.RemoveRange("m"))
	_, ok := ti.GetRange("m")
	require.False(t, ok)
}

func TestTableInfoMapGetOrCreate(t *testing.T) {
	m := NewTableInfoMap()
	ti1, created1 := m.GetOrCreate(1, "t1", &Schema{Generation: 1})
	require.True(t, created1)
	ti2, created2 := m.GetOrCreate(1, "t1", &Schema{Generation: 1})
	require.False(t, created2)
	require.Same(t, ti1, ti2)
}

func TestTableInfoMapMerge(t *testing.T) {
	live := NewTableInfoMap()
	liveTable, _ := live.GetOrCreate(1, "t1", &Schema{Generation: 1})
	require.NoError(t, liveTable.AddRange(newTableRange(t, "m")))

	replay := NewTableInfoMap()
	replayTable, _ := replay.GetOrCreate(1, "t1", &Schema{Generation: 1})
	require.NoError(t, replayTable.AddRange(newTableRange(t, "")))
	otherTable, _ := replay.GetOrCreate(2, "t2", &Schema{Generation: 1})
	require.NoError(t, otherTable.AddRange(newTableRange(t, "")))

	require.NoError(t, live.Merge(replay))

	ti, ok := live.Get(1)
	require.True(t, ok)
	require.Len(t, ti.Ranges(), 2)

	ti2, ok := live.Get(2)
	require.True(t, ok)
	require.Len(t, ti2.Ranges(), 1)
}
