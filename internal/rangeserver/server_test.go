package rangeserver

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/coordinator"
	"github.com/cockroachdb/rangeserver/internal/dfs"
	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LogDir = "/logs"
	cfg.TablesDir = t.TempDir()
	cfg.CommitLogRollLimit = 1 << 20

	srv, err := NewServer(cfg, dfs.NewMemFS(), coordinator.NewMemSession(), zap.NewNop())
	require.NoError(t, err)
	return srv
}

func loadTestRange(t *testing.T, srv *Server, tableID uint32, name string, endRow string) {
	t.Helper()
	require.NoError(t, srv.LoadRange(LoadRangeRequest{
		Table:        rstypes.TableIdentifier{ID: tableID, Name: name, Generation: 1},
		Spec:         rstypes.RangeSpec{StartRow: "", EndRow: endRow},
		SchemaGen:    1,
		SizeLimit:    1 << 30,
		AccessGroups: []string{DefaultAccessGroup},
	}))
}

func TestNewServerFreshStart(t *testing.T) {
	srv := newTestServer(t)
	require.True(t, srv.recovery.IsDone(rstypes.TierRoot))
	require.True(t, srv.recovery.IsDone(rstypes.TierMetadata))
	require.True(t, srv.recovery.IsDone(rstypes.TierUser))
}

func TestLoadRangeAndUpdate(t *testing.T) {
	srv := newTestServer(t)
	loadTestRange(t, srv, 9, "t9", "")

	req := UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1},
		Cells: []UpdateCell{
			{Key: rskey.Key{Row: "alice", Flags: rskey.FlagAutoTimestamp}, Value: []byte("1")},
			{Key: rskey.Key{Row: "bob", Flags: rskey.FlagAutoTimestamp}, Value: []byte("2")},
		},
	}
	resp, err := srv.Update(req)
	require.NoError(t, err)
	require.Empty(t, resp.SentBack)
	require.Equal(t, 2, resp.Applied)

	ti, ok := srv.tables.Get(9)
	require.True(t, ok)
	rng, ok := ti.GetRange("")
	require.True(t, ok)
	require.Greater(t, rng.LatestRevision(), rskey.TimestampNull)
}

func TestUpdateUnknownTableSendsBackAll(t *testing.T) {
	srv := newTestServer(t)
	req := UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 404, Name: "missing"},
		Cells: []UpdateCell{{Key: rskey.Key{Row: "x", Flags: rskey.FlagAutoTimestamp}}},
	}
	resp, err := srv.Update(req)
	require.NoError(t, err)
	require.Equal(t, 0, resp.Applied)
	require.Len(t, resp.SentBack, 1)
	require.Equal(t, rserr.CodeTableNotFound, resp.SentBack[0].Code)
}

func TestUpdateBadKeySentBack(t *testing.T) {
	srv := newTestServer(t)
	loadTestRange(t, srv, 9, "t9", "")

	req := UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1},
		Cells: []UpdateCell{{Key: rskey.Key{Row: "\x00bad", Flags: rskey.FlagAutoTimestamp}}},
	}
	resp, err := srv.Update(req)
	require.NoError(t, err)
	require.Len(t, resp.SentBack, 1)
	require.Equal(t, rserr.CodeBadKey, resp.SentBack[0].Code)
}

func TestUpdateRowOutsideAnyRangeSentBack(t *testing.T) {
	srv := newTestServer(t)
	loadTestRange(t, srv, 9, "t9", "m")

	req := UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1},
		Cells: []UpdateCell{{Key: rskey.Key{Row: "z-beyond-range", Flags: rskey.FlagAutoTimestamp}}},
	}
	resp, err := srv.Update(req)
	require.NoError(t, err)
	require.Len(t, resp.SentBack, 1)
	require.Equal(t, rserr.CodeRangeNotFound, resp.SentBack[0].Code)
}

func TestShutdownClosesServer(t *testing.T) {
	srv := newTestServer(t)
	srv.Start()
	loadTestRange(t, srv, 1, "t1", "")
	require.NoError(t, srv.Shutdown())
}
