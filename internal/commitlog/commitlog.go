// Package commitlog implements the range server's append-only,
// block-compressed commit log: fragment rotation, foreign-log
// linking, revision-based pruning, and the fragment priority map log
// cleanup uses to decide which access groups must compact.
//
// Blocks are snappy-compressed (github.com/golang/snappy) the way
// cockroachdb/cockroach's engine compresses its SST blocks; fragments
// are plain files on the dfs.FS collaborator, one active fragment
// appended to at a time per CommitLog.
package commitlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/dfs"
	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

// Fragment is one file of a commit log.
type Fragment struct {
	ID          int64
	Path        string
	Size        int64
	MinRevision int64
	MaxRevision int64
}

// PriorityMapEntry is one row of the fragment priority map:
// for the fragment whose max revision is Revision, CumulativeSize is the
// total size of every fragment up to and including it.
type PriorityMapEntry struct {
	Revision       int64
	FragmentID     int64
	CumulativeSize uint64
}

// CommitLog is an ordered sequence of compressed fragments.
type CommitLog struct {
	mu        sync.Mutex
	dir       string
	fs        dfs.FS
	rollLimit uint64
	logger    *zap.Logger

	fragments []Fragment
	nextID    int64
	cur       *fragmentWriter

	clock *Clock
}

// Clock is the monotone microsecond clock get_timestamp
// operation is built on. A single Clock is normally shared by every tier
// CommitLog on a server so that auto-assigned revisions are comparable
// across tiers, not just within one log.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// NewClock returns a clock starting at the current wall time.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns a microsecond reading strictly greater than every prior
// reading returned by this Clock.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMicro()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

type fragmentWriter struct {
	w    io.WriteCloser
	path string
	id   int64
	size int64
	min  int64
	max  int64
}

// Open creates (or resumes) a commit log rooted at dir. clock is the
// shared monotone clock this log's GetTimestamp delegates to; pass the
// same *Clock to every tier log on a server so auto-assigned revisions
// are comparable across tiers.
func Open(fs dfs.FS, dir string, rollLimit uint64, clock *Clock, logger *zap.Logger) (*CommitLog, error) {
	if err := fs.Mkdirs(dir); err != nil {
		return nil, rserr.Wrap(rserr.CodeIOError, err, "creating commit log directory %s", dir)
	}
	cl := &CommitLog{dir: dir, fs: fs, rollLimit: rollLimit, clock: clock, logger: logger}
	if err := cl.loadExisting(); err != nil {
		return nil, err
	}
	if err := cl.roll(); err != nil {
		return nil, err
	}
	return cl, nil
}

// loadExisting scans dir for fragment files left behind by a prior
// process (a crash, or an orderly restart) and registers them as
// already-rolled fragments so ReadAll can replay them and nextID
// resumes past the highest one found, instead of overwriting
// 0.log. Caller must hold no lock yet; this runs before cl is
// published.
func (cl *CommitLog) loadExisting() error {
	entries, err := cl.fs.Readdir(cl.dir)
	if err != nil {
		return rserr.Wrap(rserr.CodeIOError, err, "listing commit log directory %s", cl.dir)
	}
	var found []Fragment
	var maxID int64 = -1
	for _, p := range entries {
		name := path.Base(p)
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		blocks, err := ReadFragment(cl.fs, p)
		if err != nil {
			return err
		}
		size, err := cl.fs.Length(p)
		if err != nil {
			return rserr.Wrap(rserr.CodeIOError, err, "statting fragment %s", p)
		}
		minRev, maxRev := rskey.TimestampNull, rskey.TimestampNull
		for _, b := range blocks {
			if minRev == rskey.TimestampNull || b.Revision < minRev {
				minRev = b.Revision
			}
			if b.Revision > maxRev {
				maxRev = b.Revision
			}
		}
		found = append(found, Fragment{ID: id, Path: p, Size: size, MinRevision: minRev, MaxRevision: maxRev})
		if id > maxID {
			maxID = id
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	cl.fragments = found
	cl.nextID = maxID + 1
	return nil
}

// GetTimestamp returns a monotone microsecond clock reading: strictly
// non-decreasing across calls within this process.
func (cl *CommitLog) GetTimestamp() int64 {
	return cl.clock.Now()
}

// GetMaxFragmentSize returns the rotation threshold.
func (cl *CommitLog) GetMaxFragmentSize() uint64 {
	return cl.rollLimit
}

// Write atomically appends one block: the table identifier, the revision
// stamp, and the payload (a concatenation of {SerializedKey,
// ByteString-value} pairs already stamped by the update pipeline).
func (cl *CommitLog) Write(table rstypes.TableIdentifier, revision int64, payload []byte) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	body := make([]byte, 8, 8+16+len(payload))
	binary.BigEndian.PutUint64(body[:8], uint64(revision))
	body = encodeTableIdentifier(body, table)
	body = append(body, payload...)
	compressed := snappy.Encode(nil, body)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(compressed)))

	n, err := cl.cur.w.Write(header[:])
	if err != nil || n != len(header) {
		return rserr.Wrap(rserr.CodeIOError, err, "writing block header")
	}
	n, err = cl.cur.w.Write(compressed)
	if err != nil {
		return rserr.Wrap(rserr.CodeIOError, err, "writing block body")
	}
	if n != len(compressed) {
		return rserr.New(rserr.CodeRequestTruncated, "short write: wrote %d of %d bytes", n, len(compressed))
	}

	cl.cur.size += int64(len(header) + len(compressed))
	if cl.cur.min == rskey.TimestampNull || revision < cl.cur.min {
		cl.cur.min = revision
	}
	if revision > cl.cur.max {
		cl.cur.max = revision
	}

	if uint64(cl.cur.size) >= cl.rollLimit {
		if err := cl.roll(); err != nil {
			return err
		}
	}
	return nil
}

// roll closes the active fragment (if any) and opens a new one. Caller
// must hold cl.mu.
func (cl *CommitLog) roll() error {
	if cl.cur != nil {
		cl.cur.w.Close()
		cl.fragments = append(cl.fragments, Fragment{
			ID:          cl.cur.id,
			Path:        cl.cur.path,
			Size:        cl.cur.size,
			MinRevision: cl.cur.min,
			MaxRevision: cl.cur.max,
		})
	}
	id := cl.nextID
	cl.nextID++
	path := fmt.Sprintf("%s/%d.log", cl.dir, id)
	w, err := cl.fs.OpenAppend(path)
	if err != nil {
		return rserr.Wrap(rserr.CodeIOError, err, "opening fragment %s", path)
	}
	cl.cur = &fragmentWriter{w: w, path: path, id: id, min: rskey.TimestampNull, max: rskey.TimestampNull}
	return nil
}

// LinkLog folds other's fragments into this log by rename, not rewrite.
// Fails if any fragment name collides with one already present.
func (cl *CommitLog) LinkLog(other *CommitLog) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	existing := make(map[string]bool, len(cl.fragments))
	for _, f := range cl.fragments {
		existing[f.Path] = true
	}
	for _, f := range other.fragments {
		if existing[f.Path] {
			return rserr.New(rserr.CodeIOError, "link_log: fragment name collision at %s", f.Path)
		}
	}

	for _, f := range other.fragments {
		dst := fmt.Sprintf("%s/%d.log", cl.dir, cl.nextID)
		if err := cl.fs.Rename(f.Path, dst); err != nil {
			return rserr.Wrap(rserr.CodeIOError, err, "linking fragment %s", f.Path)
		}
		f.Path = dst
		f.ID = cl.nextID
		cl.nextID++
		cl.fragments = append(cl.fragments, f)
	}
	other.fragments = nil
	return nil
}

// Purge deletes fragments whose maximum revision is strictly below
// minRevision.
func (cl *CommitLog) Purge(minRevision int64) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	kept := cl.fragments[:0]
	for _, f := range cl.fragments {
		if f.MaxRevision < minRevision {
			if err := cl.fs.Remove(f.Path); err != nil {
				return rserr.Wrap(rserr.CodeIOError, err, "purging fragment %s", f.Path)
			}
			cl.logger.Debug("purged commit log fragment",
				zap.String("path", f.Path), zap.Int64("max_revision", f.MaxRevision))
			continue
		}
		kept = append(kept, f)
	}
	cl.fragments = kept
	return nil
}

// LoadFragmentPriorityMap returns the cumulative-size-by-revision map
// used by log cleanup to decide which access groups must compact to
// release the oldest fragments.
func (cl *CommitLog) LoadFragmentPriorityMap() []PriorityMapEntry {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	sorted := append([]Fragment(nil), cl.fragments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out []PriorityMapEntry
	var cum uint64
	for _, f := range sorted {
		cum += uint64(f.Size)
		out = append(out, PriorityMapEntry{
			Revision:       f.MaxRevision,
			FragmentID:     f.ID,
			CumulativeSize: cum,
		})
	}
	return out
}

// Close closes the active fragment writer.
func (cl *CommitLog) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.cur != nil {
		return cl.cur.w.Close()
	}
	return nil
}

func encodeTableIdentifier(dst []byte, t rstypes.TableIdentifier) []byte {
	dst = rskey.EncodeUvarint(dst, uint64(t.ID))
	dst = rskey.EncodeUvarint(dst, uint64(len(t.Name)))
	dst = append(dst, t.Name...)
	dst = rskey.EncodeUvarint(dst, uint64(t.Generation))
	return dst
}

func decodeTableIdentifier(b []byte) (rstypes.TableIdentifier, []byte, error) {
	b, id, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rstypes.TableIdentifier{}, nil, errors.Wrap(err, "decoding table id")
	}
	b, nameLen, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rstypes.TableIdentifier{}, nil, errors.Wrap(err, "decoding table name length")
	}
	if uint64(len(b)) < nameLen {
		return rstypes.TableIdentifier{}, nil, errors.New("truncated table name")
	}
	name := string(b[:nameLen])
	b = b[nameLen:]
	b, gen, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rstypes.TableIdentifier{}, nil, errors.Wrap(err, "decoding table generation")
	}
	return rstypes.TableIdentifier{ID: uint32(id), Name: name, Generation: uint32(gen)}, b, nil
}
