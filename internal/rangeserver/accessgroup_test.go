package rangeserver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/rangeserver/internal/rskey"
)

func TestAccessGroupAddAndScan(t *testing.T) {
	ag, err := openAccessGroup(t.TempDir(), DefaultAccessGroup)
	require.NoError(t, err)
	defer ag.Close()

	require.NoError(t, ag.Add([]byte("a"), []byte("va")))
	require.NoError(t, ag.Add([]byte("b"), []byte("vb")))

	it, snap, err := ag.NewIter()
	require.NoError(t, err)
	defer snap.Close()
	defer it.Close()

	require.True(t, it.First())
	require.Equal(t, []byte("a"), it.Key())
}

func TestAccessGroupEarliestCachedRevisionTracksMinimum(t *testing.T) {
	ag, err := openAccessGroup(t.TempDir(), DefaultAccessGroup)
	require.NoError(t, err)
	defer ag.Close()

	require.Equal(t, rskey.TimestampNull, ag.EarliestCachedRevision())
	ag.NoteCommitted(50)
	ag.NoteCommitted(20)
	ag.NoteCommitted(80)
	require.Equal(t, int64(20), ag.EarliestCachedRevision())

	ag.MarkCompacted()
	require.Equal(t, rskey.TimestampNull, ag.EarliestCachedRevision())
}

func TestAccessGroupCompactionPendingFlag(t *testing.T) {
	ag, err := openAccessGroup(t.TempDir(), DefaultAccessGroup)
	require.NoError(t, err)
	defer ag.Close()

	require.False(t, ag.CompactionPending())
	ag.SetCompactionPending()
	require.True(t, ag.CompactionPending())
	ag.MarkCompacted()
	require.False(t, ag.CompactionPending())
}
