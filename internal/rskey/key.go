// Package rskey implements the range server's key codec: the serialized
// row-key wire format shared by the commit log, the update pipeline and
// the scanner path, plus the length-prefixed varint primitives it is built
// from.
//
// The varint encoders mirror cockroachdb/cockroach's
// util/encoding.EncodeUvarintAscending family; the flag byte and revision
// stamping model Hypertable's SerializedKey.
package rskey

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// ControlFlag records which optional fields a Key carries and how they
// should be interpreted by the update pipeline's transform_key step.
type ControlFlag uint8

const (
	// FlagHaveTimestamp indicates the key already carries an explicit
	// timestamp supplied by the client.
	FlagHaveTimestamp ControlFlag = 1 << iota
	// FlagHaveRevision indicates the key carries a stamped revision. Set
	// by transform_key once a revision has been assigned; never set on a
	// key arriving from a client.
	FlagHaveRevision
	// FlagRevIsTS indicates the revision was derived from (and equals)
	// the timestamp, i.e. the key arrived as FlagAutoTimestamp.
	FlagRevIsTS
	// FlagAutoTimestamp indicates the caller wants both timestamp and
	// revision assigned by the server.
	FlagAutoTimestamp
)

const (
	// TimestampNull marks "never set" for a range's latest_revision.
	TimestampNull int64 = math.MinInt64
	// TimestampMax marks "any" revision, used by scan predicates that
	// want the most recent value regardless of revision.
	TimestampMax int64 = math.MaxInt64
)

// Key is the decoded form of a SerializedKey: a row plus the control
// flags and stamped timestamp/revision.
type Key struct {
	Row       string
	Flags     ControlFlag
	Timestamp int64
	Revision  int64
}

// HasFlag reports whether f is set on the key.
func (k Key) HasFlag(f ControlFlag) bool {
	return k.Flags&f != 0
}

// IsBadKey reports whether the row is NUL-prefixed, the update pipeline's
// classify-pass signal to abort the remainder of the buffer with BAD_KEY.
func IsBadKey(row string) bool {
	return len(row) > 0 && row[0] == 0
}

// Encode appends the serialized form of k to dst and returns the extended
// slice. The wire format is:
//
//	uvarint(len(row)) row-bytes
//	flags-byte
//	[uvarint(timestamp) if HAVE_TIMESTAMP]
//	[uvarint(revision)  if HAVE_REVISION]
//
// Timestamp and revision are stored zig-zag encoded since either may be
// negative (TimestampNull).
func Encode(dst []byte, k Key) []byte {
	dst = EncodeUvarint(dst, uint64(len(k.Row)))
	dst = append(dst, k.Row...)
	dst = append(dst, byte(k.Flags))
	if k.HasFlag(FlagHaveTimestamp) {
		dst = EncodeUvarint(dst, zigzagEncode(k.Timestamp))
	}
	if k.HasFlag(FlagHaveRevision) {
		dst = EncodeUvarint(dst, zigzagEncode(k.Revision))
	}
	return dst
}

// Decode reads one serialized Key from the front of b and returns it along
// with the remaining, unconsumed bytes.
func Decode(b []byte) (Key, []byte, error) {
	b, rowLen, err := DecodeUvarint(b)
	if err != nil {
		return Key{}, nil, errors.Wrap(err, "decoding key row length")
	}
	if uint64(len(b)) < rowLen {
		return Key{}, nil, errors.Newf("truncated key: want %d row bytes, have %d", rowLen, len(b))
	}
	row := string(b[:rowLen])
	b = b[rowLen:]
	if len(b) < 1 {
		return Key{}, nil, errors.New("truncated key: missing flags byte")
	}
	k := Key{Row: row, Flags: ControlFlag(b[0])}
	b = b[1:]
	if k.HasFlag(FlagHaveTimestamp) {
		var zz uint64
		b, zz, err = DecodeUvarint(b)
		if err != nil {
			return Key{}, nil, errors.Wrap(err, "decoding key timestamp")
		}
		k.Timestamp = zigzagDecode(zz)
	}
	if k.HasFlag(FlagHaveRevision) {
		var zz uint64
		b, zz, err = DecodeUvarint(b)
		if err != nil {
			return Key{}, nil, errors.Wrap(err, "decoding key revision")
		}
		k.Revision = zigzagDecode(zz)
	}
	return k, b, nil
}

// EncodePair appends a {SerializedKey, ByteString-value} pair, the unit the
// update pipeline's buffers are built from.
func EncodePair(dst []byte, k Key, value []byte) []byte {
	dst = Encode(dst, k)
	dst = EncodeUvarint(dst, uint64(len(value)))
	dst = append(dst, value...)
	return dst
}

// DecodePair reads one {SerializedKey, ByteString-value} pair from the
// front of b.
func DecodePair(b []byte) (Key, []byte, []byte, error) {
	k, rest, err := Decode(b)
	if err != nil {
		return Key{}, nil, nil, err
	}
	rest, valLen, err := DecodeUvarint(rest)
	if err != nil {
		return Key{}, nil, nil, errors.Wrap(err, "decoding value length")
	}
	if uint64(len(rest)) < valLen {
		return Key{}, nil, nil, errors.Newf("truncated value: want %d bytes, have %d", valLen, len(rest))
	}
	return k, rest[:valLen], rest[valLen:], nil
}

// EncodeUvarint appends the standard binary.PutUvarint encoding of v to
// dst. Extracted as its own primitive because the key codec, the commit
// log's table-identifier encoding and the range_txn record codec use it.
func EncodeUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// DecodeUvarint reads a uvarint from the front of b, returning the
// remaining bytes and the decoded value.
func DecodeUvarint(b []byte) ([]byte, uint64, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, errors.New("malformed or truncated uvarint")
	}
	return b[n:], v, nil
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
