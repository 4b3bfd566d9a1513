package rangeserver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/commitlog"
	"github.com/cockroachdb/rangeserver/internal/coordinator"
	"github.com/cockroachdb/rangeserver/internal/dfs"
	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

func TestRecoverFreshServer(t *testing.T) {
	fs := dfs.NewMemFS()
	sm := NewRecoveryStateMachine()

	result, err := Recover(fs, "/logs", 1<<20, commitlog.NewClock(), sm, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, result.RootLog)
	require.NotNil(t, result.MetadataLog)
	require.NotNil(t, result.UserLog)

	require.True(t, sm.IsDone(rstypes.TierRoot))
	require.True(t, sm.IsDone(rstypes.TierMetadata))
	require.True(t, sm.IsDone(rstypes.TierUser))

	_, ok := result.State.Lookup(rstypes.TierUser, 5, "m")
	require.False(t, ok)
}

func TestRecoverReplaysRangeTxnLog(t *testing.T) {
	fs := dfs.NewMemFS()

	records := []rangeTxnRecord{
		{
			table:  rstypes.TableIdentifier{ID: 0, Name: "METADATA"},
			endRow: rstypes.EndRootRow,
			state:  rstypes.RangeState{LastRevision: 42},
		},
		{
			table:  rstypes.TableIdentifier{ID: 0, Name: "METADATA"},
			endRow: "foo",
			state:  rstypes.RangeState{LastRevision: 7, SplitPoint: "bar", SplitOff: true},
		},
		{
			table:  rstypes.TableIdentifier{ID: 9, Name: "t9"},
			endRow: "zzz",
			state:  rstypes.RangeState{LastRevision: 100, TransferLog: "/logs/range_txn/xfer"},
		},
	}

	clock := commitlog.NewClock()
	txnLog, err := commitlog.Open(fs, filepath.Join("/logs", "range_txn"), 1<<20, clock, zap.NewNop())
	require.NoError(t, err)
	for _, rec := range records {
		payload := encodeRangeTxnRecord(nil, rec)
		require.NoError(t, txnLog.Write(rec.table, rec.state.LastRevision, payload))
	}
	require.NoError(t, txnLog.Close())

	sm := NewRecoveryStateMachine()
	result, err := Recover(fs, "/logs", 1<<20, clock, sm, zap.NewNop())
	require.NoError(t, err)

	root, ok := result.State.Lookup(rstypes.TierRoot, 0, rstypes.EndRootRow)
	require.True(t, ok)
	require.Equal(t, int64(42), root.LastRevision)

	meta, ok := result.State.Lookup(rstypes.TierMetadata, 0, "foo")
	require.True(t, ok)
	require.Equal(t, "bar", meta.SplitPoint)
	require.True(t, meta.SplitOff)

	user, ok := result.State.Lookup(rstypes.TierUser, 9, "zzz")
	require.True(t, ok)
	require.Equal(t, "/logs/range_txn/xfer", user.TransferLog)

	require.True(t, sm.IsDone(rstypes.TierRoot))
	require.True(t, sm.IsDone(rstypes.TierMetadata))
	require.True(t, sm.IsDone(rstypes.TierUser))
}

func TestRecoverExposesPreExistingBlocksForReplay(t *testing.T) {
	fs := dfs.NewMemFS()
	clock := commitlog.NewClock()
	table := rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1}

	userLog, err := commitlog.Open(fs, filepath.Join("/logs", "user"), 1<<20, clock, zap.NewNop())
	require.NoError(t, err)
	key := rskey.Key{Row: "alice", Flags: rskey.FlagHaveRevision, Revision: 1}
	payload := rskey.EncodePair(nil, key, []byte("v1"))
	require.NoError(t, userLog.Write(table, 1, payload))
	require.NoError(t, userLog.Close())

	sm := NewRecoveryStateMachine()
	result, err := Recover(fs, "/logs", 1<<20, clock, sm, zap.NewNop())
	require.NoError(t, err)

	blocks := result.ReplayBlocks(rstypes.TierUser)
	require.Len(t, blocks, 1)
	require.Equal(t, table, blocks[0].Table)
	require.Empty(t, result.ReplayBlocks(rstypes.TierRoot))
	require.Empty(t, result.ReplayBlocks(rstypes.TierMetadata))
}

func TestLoadRangeReplaysPreExistingLogDataAfterRestart(t *testing.T) {
	fs := dfs.NewMemFS()
	table := rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1}

	preClock := commitlog.NewClock()
	userLog, err := commitlog.Open(fs, filepath.Join("/logs", "user"), 1<<20, preClock, zap.NewNop())
	require.NoError(t, err)
	key := rskey.Key{Row: "alice", Flags: rskey.FlagHaveRevision, Revision: 1}
	payload := rskey.EncodePair(nil, key, []byte("v1"))
	require.NoError(t, userLog.Write(table, 1, payload))
	require.NoError(t, userLog.Close())

	cfg := DefaultConfig()
	cfg.LogDir = "/logs"
	cfg.TablesDir = t.TempDir()
	cfg.CommitLogRollLimit = 1 << 20

	srv, err := NewServer(cfg, fs, coordinator.NewMemSession(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, srv.LoadRange(LoadRangeRequest{
		Table:        table,
		Spec:         rstypes.RangeSpec{StartRow: "", EndRow: ""},
		SchemaGen:    1,
		SizeLimit:    1 << 30,
		AccessGroups: []string{DefaultAccessGroup},
	}))

	ti, ok := srv.tables.Get(9)
	require.True(t, ok)
	rng, ok := ti.GetRange("")
	require.True(t, ok)

	_, block, more, err := rng.CreateScanner(ScanSpec{Revision: rskey.TimestampMax})
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, block, 1, "data already committed to the tier log before the crash must be replayed into the reloaded range")
	require.Equal(t, int64(1), rng.LatestRevision())
}

func TestWaitTierBlocksUntilDone(t *testing.T) {
	sm := NewRecoveryStateMachine()
	done := make(chan struct{})
	go func() {
		sm.WaitTier(rstypes.TierUser)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitTier returned before SetTierDone")
	default:
	}

	sm.SetTierDone(rstypes.TierUser)
	<-done
}
