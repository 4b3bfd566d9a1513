package rangeserver

import (
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
)

// AccessGroup is a column-family-like grouping whose cells share an
// on-disk file set. The LSM/block format itself is opaque; each access
// group is backed by its own pebble.DB instance, giving it real
// mem_used/disk_used numbers to report through
// GetCompactionPriorityData without this module having to implement an
// SSTable format of its own.
type AccessGroup struct {
	name string
	db   *pebble.DB

	mu                     sync.Mutex
	earliestCachedRevision int64
	logSpacePinned         uint64
	inMemory               bool

	compactionPending atomic.Bool
}

// openAccessGroup opens (creating if necessary) the pebble instance for
// access group name under a range's per-range data directory, keyed by
// the first 24 hex characters of MD5(end-row).
func openAccessGroup(baseDir, name string) (*AccessGroup, error) {
	dir := filepath.Join(baseDir, name)
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, rserr.Wrap(rserr.CodeIOError, err, "opening access group %s at %s", name, dir)
	}
	return &AccessGroup{name: name, db: db, earliestCachedRevision: rskey.TimestampNull}, nil
}

// Add inserts a cell into the access group's memtable.
func (ag *AccessGroup) Add(key []byte, value []byte) error {
	if err := ag.db.Set(key, value, pebble.NoSync); err != nil {
		return rserr.Wrap(rserr.CodeIOError, err, "access group %s add", ag.name)
	}
	return nil
}

// NoteCommitted records that revision rev has been durably appended to
// the tier log and is now pinned there until this access group
// compacts it out, and tracks the earliest such revision still only
// resident in the log.
func (ag *AccessGroup) NoteCommitted(rev int64) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if ag.earliestCachedRevision == rskey.TimestampNull || rev < ag.earliestCachedRevision {
		ag.earliestCachedRevision = rev
	}
}

// EarliestCachedRevision returns the oldest revision this access group
// still only holds via the commit log (not yet flushed to a stable
// file), used by log cleanup's pruning decision.
func (ag *AccessGroup) EarliestCachedRevision() int64 {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.earliestCachedRevision
}

// MarkCompacted clears the earliest-cached-revision anchor after a
// compaction has flushed everything up to and including it.
func (ag *AccessGroup) MarkCompacted() {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	ag.earliestCachedRevision = rskey.TimestampNull
	ag.compactionPending.Store(false)
}

// SetCompactionPending marks the access group for a scheduled
// compaction (set by the update pipeline's maintenance kick or by log
// cleanup).
func (ag *AccessGroup) SetCompactionPending() {
	ag.compactionPending.Store(true)
}

// CompactionPending reports whether a compaction has been requested but
// not yet run.
func (ag *AccessGroup) CompactionPending() bool {
	return ag.compactionPending.Load()
}

// MemUsed reports the access group's current memtable footprint.
func (ag *AccessGroup) MemUsed() uint64 {
	return ag.db.Metrics().MemTable.Size
}

// DiskUsed reports the access group's on-disk footprint.
func (ag *AccessGroup) DiskUsed() uint64 {
	return ag.db.Metrics().DiskSpaceUsage()
}

// InMemory reports whether the access group is configured to keep its
// data memory-resident (never flushed), exempting it from the
// mem-pressure compaction trigger.
func (ag *AccessGroup) InMemory() bool {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.inMemory
}

// NewIter opens a snapshot iterator, used by scanners so that a scan's
// view of the data is stable even if the range splits or compacts
// underneath it.
func (ag *AccessGroup) NewIter() (*pebble.Iterator, io.Closer, error) {
	snap := ag.db.NewSnapshot()
	it, err := snap.NewIter(nil)
	if err != nil {
		snap.Close()
		return nil, nil, rserr.Wrap(rserr.CodeIOError, err, "access group %s scan", ag.name)
	}
	return it, snap, nil
}

// Close releases the access group's pebble instance.
func (ag *AccessGroup) Close() error {
	return ag.db.Close()
}

// CompactionPriorityData is one access group's contribution to the
// server's compaction priority ranking.
type CompactionPriorityData struct {
	AccessGroup            *AccessGroup
	MemUsed                uint64
	DiskUsed               uint64
	InMemory               bool
	EarliestCachedRevision int64
	LogSpacePinned         uint64
}
