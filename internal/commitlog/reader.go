package commitlog

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"github.com/cockroachdb/rangeserver/internal/dfs"
	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

// Block is one decoded commit-log block, as read back during replay.
type Block struct {
	Revision int64
	Table    rstypes.TableIdentifier
	Payload  []byte
}

// ReadFragment decodes every block in the fragment at path in order. A
// block header present with fewer bytes following than it declares is
// REQUEST_TRUNCATED; a fragment that ends cleanly between
// blocks is not an error.
func ReadFragment(fs dfs.FS, path string) ([]Block, error) {
	r, err := fs.Open(path)
	if err != nil {
		return nil, rserr.Wrap(rserr.CodeIOError, err, "opening fragment %s", path)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, rserr.Wrap(rserr.CodeIOError, err, "reading fragment %s", path)
	}

	var blocks []Block
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, rserr.New(rserr.CodeRequestTruncated, "fragment %s: truncated block header", path)
		}
		blockSize := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(len(data)) < uint64(blockSize) {
			return nil, rserr.New(rserr.CodeRequestTruncated,
				"fragment %s: block declares %d bytes, only %d remain", path, blockSize, len(data))
		}
		compressed := data[:blockSize]
		data = data[blockSize:]

		body, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, rserr.Wrap(rserr.CodeIOError, err, "decompressing block in %s", path)
		}
		if len(body) < 8 {
			return nil, rserr.New(rserr.CodeRequestTruncated, "fragment %s: block body too short", path)
		}
		revision := int64(binary.BigEndian.Uint64(body[:8]))
		table, payload, err := decodeTableIdentifier(body[8:])
		if err != nil {
			return nil, errors.Wrapf(err, "decoding block in %s", path)
		}
		blocks = append(blocks, Block{Revision: revision, Table: table, Payload: payload})
	}
	return blocks, nil
}

// ReadAll decodes every block across every fragment currently registered
// in cl, including the active one, in fragment ID order. Used by replay
// and by the foreign-log fold in LinkLog's callers that need to re-apply
// data rather than just relocate files. cl.mu is held throughout so a
// concurrent Write cannot leave a half-written block in the active
// fragment.
func (cl *CommitLog) ReadAll() ([]Block, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	fragments := append([]Fragment(nil), cl.fragments...)
	if cl.cur != nil {
		fragments = append(fragments, Fragment{ID: cl.cur.id, Path: cl.cur.path})
	}
	sort.Slice(fragments, func(i, j int) bool { return fragments[i].ID < fragments[j].ID })
	fs := cl.fs

	var all []Block
	for _, f := range fragments {
		blocks, err := ReadFragment(fs, f.Path)
		if err != nil {
			return nil, err
		}
		all = append(all, blocks...)
	}
	return all, nil
}
