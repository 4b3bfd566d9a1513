package rangeserver

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

func TestDispatcherUpdateAndScanRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	loadTestRange(t, srv, 7, "t7", "")
	d := NewDispatcher(srv, zap.NewNop())

	updateResp := d.Update(UpdateRequest{
		Table: rstypes.TableIdentifier{ID: 7, Name: "t7", Generation: 1},
		Cells: []UpdateCell{{Key: rskey.Key{Row: "a", Flags: rskey.FlagAutoTimestamp}, Value: []byte("v")}},
	})
	require.Nil(t, updateResp.Err)
	require.Equal(t, 1, updateResp.Payload.(UpdateResponse).Applied)

	scanResp := d.CreateScanner(CreateScannerRequest{
		Table:  rstypes.TableIdentifier{ID: 7, Name: "t7"},
		EndRow: "",
		Spec:   ScanSpec{Revision: rskey.TimestampMax},
	})
	require.Nil(t, scanResp.Err)
	payload := scanResp.Payload.(CreateScannerResponse)
	require.False(t, payload.More)
	require.Len(t, payload.Block, 1)
}

func TestDispatcherCreateScannerUnknownTable(t *testing.T) {
	srv := newTestServer(t)
	d := NewDispatcher(srv, zap.NewNop())

	resp := d.CreateScanner(CreateScannerRequest{Table: rstypes.TableIdentifier{ID: 1}, EndRow: "m"})
	require.NotNil(t, resp.Err)
	require.Equal(t, rserr.CodeTableNotFound, resp.Err.Code)
}

func TestDispatcherLoadDropRangeRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	d := NewDispatcher(srv, zap.NewNop())

	loadResp := d.LoadRange(LoadRangeRequest{
		Table:        rstypes.TableIdentifier{ID: 2, Name: "t2", Generation: 1},
		Spec:         rstypes.RangeSpec{EndRow: "m"},
		SchemaGen:    1,
		AccessGroups: []string{DefaultAccessGroup},
	})
	require.Nil(t, loadResp.Err)

	dropResp := d.DropRange(2, "m")
	require.Nil(t, dropResp.Err)

	dropAgain := d.DropRange(2, "m")
	require.NotNil(t, dropAgain.Err)
}

func TestDispatcherStatusAndStats(t *testing.T) {
	srv := newTestServer(t)
	loadTestRange(t, srv, 1, "t1", "")
	d := NewDispatcher(srv, zap.NewNop())

	statusResp := d.Status()
	require.Nil(t, statusResp.Err)

	statsResp := d.GetStatistics()
	require.Nil(t, statsResp.Err)
	require.Equal(t, 1, statsResp.Payload.(Stats).RangesLoaded)
}

func TestDispatcherDestroyScannerIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	d := NewDispatcher(srv, zap.NewNop())
	resp := d.DestroyScanner(999)
	require.Nil(t, resp.Err)
}
