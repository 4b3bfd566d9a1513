package rangeserver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/rangeserver/internal/rskey"
)

func addCell(t *testing.T, rng *Range, row string, rev int64, value string) {
	t.Helper()
	key := rskey.Key{Row: row, Flags: rskey.FlagHaveRevision, Revision: rev}
	raw := rskey.Encode(nil, key)
	require.NoError(t, rng.Add(DefaultAccessGroup, raw, []byte(value)))
	rng.BumpLatestRevision(rev)
}

func TestCreateScannerReturnsAllCellsInOneBlock(t *testing.T) {
	rng := newTestRange(t, "")
	addCell(t, rng, "a", 1, "va")
	addCell(t, rng, "b", 2, "vb")
	addCell(t, rng, "c", 3, "vc")

	scanner, block, more, err := rng.CreateScanner(ScanSpec{Revision: rskey.TimestampMax})
	require.NoError(t, err)
	require.False(t, more)
	require.Nil(t, scanner)
	require.Len(t, block, 3)
	require.EqualValues(t, 0, rng.ScanCounter())
}

func TestCreateScannerRespectsRevisionCap(t *testing.T) {
	rng := newTestRange(t, "")
	addCell(t, rng, "a", 1, "va")
	addCell(t, rng, "b", 5, "vb")

	_, block, more, err := rng.CreateScanner(ScanSpec{Revision: 1})
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, block, 1)
	require.Equal(t, "a", block[0].Key.Row)
}

func TestCreateScannerRowInterval(t *testing.T) {
	rng := newTestRange(t, "")
	addCell(t, rng, "a", 1, "va")
	addCell(t, rng, "m", 2, "vm")
	addCell(t, rng, "z", 3, "vz")

	_, block, more, err := rng.CreateScanner(ScanSpec{
		HasRowInterval: true, RowStart: "a", RowEnd: "m",
		Revision: rskey.TimestampMax,
	})
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, block, 1)
	require.Equal(t, "m", block[0].Key.Row)
}

func TestCreateScannerPagination(t *testing.T) {
	rng := newTestRange(t, "")
	for i := 0; i < 5; i++ {
		addCell(t, rng, string(rune('a'+i)), int64(i+1), "v")
	}

	scanner, block, more, err := rng.CreateScanner(ScanSpec{Revision: rskey.TimestampMax, MaxCellsPerBlock: 2})
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, block, 2)
	require.EqualValues(t, 1, rng.ScanCounter())

	block2, more2, err := scanner.FetchBlock()
	require.NoError(t, err)
	require.True(t, more2)
	require.Len(t, block2, 2)

	block3, more3, err := scanner.FetchBlock()
	require.NoError(t, err)
	require.False(t, more3)
	require.Len(t, block3, 1)
	require.EqualValues(t, 0, rng.ScanCounter())
}

func TestDestroyScannerReleasesCounter(t *testing.T) {
	rng := newTestRange(t, "")
	addCell(t, rng, "a", 1, "va")
	addCell(t, rng, "b", 2, "vb")

	scanner, _, more, err := rng.CreateScanner(ScanSpec{Revision: rskey.TimestampMax, MaxCellsPerBlock: 1})
	require.NoError(t, err)
	require.True(t, more)
	require.EqualValues(t, 1, rng.ScanCounter())

	scanner.Destroy()
	require.EqualValues(t, 0, rng.ScanCounter())
}

func TestValidateScanSpecRejectsBothIntervals(t *testing.T) {
	err := ValidateScanSpec(ScanSpec{HasRowInterval: true, HasCellInterval: true})
	require.Error(t, err)
}
