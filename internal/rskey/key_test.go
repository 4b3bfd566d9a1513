package rskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []Key{
		{Row: "abc", Flags: 0},
		{Row: "", Flags: FlagHaveTimestamp, Timestamp: 1234},
		{Row: "row", Flags: FlagHaveRevision, Revision: TimestampNull},
		{Row: "row", Flags: FlagHaveTimestamp | FlagHaveRevision | FlagRevIsTS, Timestamp: -5, Revision: -5},
		{Row: "row", Flags: FlagHaveRevision, Revision: TimestampMax},
	}
	for _, k := range testCases {
		enc := Encode(nil, k)
		got, rest, err := Decode(enc)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, k, got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	enc := Encode(nil, Key{Row: "abc", Flags: FlagHaveTimestamp, Timestamp: 7})
	_, _, err := Decode(enc[:len(enc)-1])
	require.Error(t, err)
}

func TestPairRoundTrip(t *testing.T) {
	k := Key{Row: "foo", Flags: FlagHaveRevision, Revision: 42}
	value := []byte("bar")
	enc := EncodePair(nil, k, value)
	gotKey, gotVal, rest, err := DecodePair(enc)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, k, gotKey)
	require.Equal(t, value, gotVal)
}

func TestIsBadKey(t *testing.T) {
	require.True(t, IsBadKey("\x00abc"))
	require.False(t, IsBadKey("abc"))
	require.False(t, IsBadKey(""))
}
