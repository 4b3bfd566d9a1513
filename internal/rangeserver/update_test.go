package rangeserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

func TestUpdateSmallClockSkewAdvancesPastLatest(t *testing.T) {
	srv := newTestServer(t)
	loadTestRange(t, srv, 9, "t9", "")

	ti, ok := srv.tables.Get(9)
	require.True(t, ok)
	rng, ok := ti.GetRange("")
	require.True(t, ok)

	ahead := time.Now().UnixMicro() + 2*time.Second.Microseconds()
	rng.BumpLatestRevision(ahead)

	resp, err := srv.Update(UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1},
		Cells: []UpdateCell{{Key: rskey.Key{Row: "alice", Flags: rskey.FlagAutoTimestamp}, Value: []byte("1")}},
	})
	require.NoError(t, err)
	require.Empty(t, resp.SentBack)
	require.Equal(t, 1, resp.Applied)
	require.Greater(t, rng.LatestRevision(), ahead)
}

func TestUpdateLargeClockSkewRejected(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.ClockSkewMax = time.Second
	loadTestRange(t, srv, 9, "t9", "")

	ti, ok := srv.tables.Get(9)
	require.True(t, ok)
	rng, ok := ti.GetRange("")
	require.True(t, ok)

	farAhead := time.Now().UnixMicro() + time.Hour.Microseconds()
	rng.BumpLatestRevision(farAhead)

	resp, err := srv.Update(UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1},
		Cells: []UpdateCell{{Key: rskey.Key{Row: "alice", Flags: rskey.FlagAutoTimestamp}, Value: []byte("1")}},
	})
	require.NoError(t, err)
	require.Equal(t, 0, resp.Applied)
	require.Len(t, resp.SentBack, 1)
	require.Equal(t, rserr.CodeClockSkew, resp.SentBack[0].Code)
}

func TestUpdateBadKeyAbortsAndMarksRemainder(t *testing.T) {
	srv := newTestServer(t)
	loadTestRange(t, srv, 9, "t9", "")

	req := UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1},
		Cells: []UpdateCell{
			{Key: rskey.Key{Row: "alice", Flags: rskey.FlagAutoTimestamp}, Value: []byte("1")},
			{Key: rskey.Key{Row: "\x00bad", Flags: rskey.FlagAutoTimestamp}},
			{Key: rskey.Key{Row: "carol", Flags: rskey.FlagAutoTimestamp}, Value: []byte("3")},
		},
	}
	resp, err := srv.Update(req)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Applied, "cells before the bad key are still applied")
	require.Len(t, resp.SentBack, 1)
	require.Equal(t, 1, resp.SentBack[0].Offset)
	require.Equal(t, 2, resp.SentBack[0].Count)
	require.Equal(t, rserr.CodeBadKey, resp.SentBack[0].Code)
}

func TestUpdatePacksConsecutiveFailuresIntoOneRun(t *testing.T) {
	srv := newTestServer(t)
	loadTestRange(t, srv, 9, "t9", "m")

	req := UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1},
		Cells: []UpdateCell{
			{Key: rskey.Key{Row: "z1", Flags: rskey.FlagAutoTimestamp}},
			{Key: rskey.Key{Row: "z2", Flags: rskey.FlagAutoTimestamp}},
			{Key: rskey.Key{Row: "z3", Flags: rskey.FlagAutoTimestamp}},
		},
	}
	resp, err := srv.Update(req)
	require.NoError(t, err)
	require.Equal(t, 0, resp.Applied)
	require.Len(t, resp.SentBack, 1, "three consecutive identical failures fold into one packed run")
	require.Equal(t, 0, resp.SentBack[0].Offset)
	require.Equal(t, 3, resp.SentBack[0].Count)
	require.Equal(t, rserr.CodeRangeNotFound, resp.SentBack[0].Code)
}

func TestUpdateSplitsRunsOnDifferentOutcomes(t *testing.T) {
	srv := newTestServer(t)
	loadTestRange(t, srv, 9, "t9", "m")

	req := UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1},
		Cells: []UpdateCell{
			{Key: rskey.Key{Row: "a", Flags: rskey.FlagAutoTimestamp}, Value: []byte("1")},
			{Key: rskey.Key{Row: "z1", Flags: rskey.FlagAutoTimestamp}},
			{Key: rskey.Key{Row: "z2", Flags: rskey.FlagAutoTimestamp}},
		},
	}
	resp, err := srv.Update(req)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Applied)
	require.Len(t, resp.SentBack, 1)
	require.Equal(t, 1, resp.SentBack[0].Offset)
	require.Equal(t, 2, resp.SentBack[0].Count)
}

func TestUpdateHotAccessGroupSchedulesCompaction(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.AccessGroupMaxMemory = 1
	loadTestRange(t, srv, 9, "t9", "")

	ti, ok := srv.tables.Get(9)
	require.True(t, ok)
	rng, ok := ti.GetRange("")
	require.True(t, ok)

	_, err := srv.Update(UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 9, Name: "t9", Generation: 1},
		Cells: []UpdateCell{{Key: rskey.Key{Row: "alice", Flags: rskey.FlagAutoTimestamp}, Value: []byte("1")}},
	})
	require.NoError(t, err)

	ag, ok := rng.accessGroups[DefaultAccessGroup]
	require.True(t, ok)
	require.True(t, ag.CompactionPending(), "a memtable past access-group.max-memory must be flagged for compaction")
	require.False(t, rng.TestAndSetMaintenance(), "maintenanceKick must have already claimed the range's maintenance slot")
}
