package rangeserver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

func TestReplaySessionIsolatedFromLiveTables(t *testing.T) {
	srv := newTestServer(t)
	token := srv.ReplayBegin()

	req := LoadRangeRequest{
		Table:        rstypes.TableIdentifier{ID: 5, Name: "t5", Generation: 1},
		Spec:         rstypes.RangeSpec{EndRow: ""},
		SchemaGen:    1,
		AccessGroups: []string{DefaultAccessGroup},
	}
	require.NoError(t, srv.ReplayLoadRange(token, req))

	_, ok := srv.tables.Get(5)
	require.False(t, ok, "replay session must not touch the live table map before commit")

	require.NoError(t, srv.ReplayUpdate(token, UpdateRequest{
		Table: req.Table,
		Cells: []UpdateCell{{Key: rskey.Key{Row: "a", Flags: rskey.FlagHaveRevision, Revision: 7}, Value: []byte("v")}},
	}))

	require.NoError(t, srv.ReplayCommit(token))

	ti, ok := srv.tables.Get(5)
	require.True(t, ok)
	rng, ok := ti.GetRange("")
	require.True(t, ok)
	require.Equal(t, int64(7), rng.LatestRevision())
}

func TestReplayUnknownTokenFails(t *testing.T) {
	srv := newTestServer(t)
	err := srv.ReplayLoadRange("no-such-token", LoadRangeRequest{})
	require.Error(t, err)
}

func TestReplayCommitClearsSession(t *testing.T) {
	srv := newTestServer(t)
	token := srv.ReplayBegin()
	require.NoError(t, srv.ReplayCommit(token))
	require.Error(t, srv.ReplayCommit(token))
}
