// Package rangeserver implements the range server core: the Range,
// TableInfoMap, ScannerMap, MaintenanceQueue, recovery state machine and
// update pipeline, wired together by Server in server.go.
//
// The structure generalizes cockroachdb/cockroach's storage package
// (storage/range.go, storage/store.go circa the pre-Raft KV prototype):
// a Range owns its data and a mutex guarding structural changes, a
// Store-equivalent (TableInfoMap here) indexes ranges for lookup, and
// foreground commands are multiplexed by method name the way
// storage/range.go's executeCmd does.
package rangeserver

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/commitlog"
	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

// SplitPredicate maps a row to "goes to the new range half" while a
// split is pending.
type SplitPredicate func(row string) bool

// Range is a maximal contiguous key interval of one table, owning a set
// of access groups.
type Range struct {
	tableID  uint32
	isRoot   bool
	dataDir  string
	logger   *zap.Logger

	mu             sync.Mutex
	spec           rstypes.RangeSpec
	schemaGen      uint32
	sizeLimit      uint64
	latestRevision int64
	accessGroups   map[string]*AccessGroup

	splitPending   bool
	splitPoint     string
	splitPredicate SplitPredicate
	splitLog       *commitlog.CommitLog

	maintenanceInProgress atomic.Bool
	updateCounter         atomic.Int64
	scanCounter           atomic.Int64

	scanMu sync.Mutex // serializes Range.Lock() callers from concurrent struct mutation
}

// AccessGroupDir computes the per-range, per-access-group data directory:
// <tablesDir>/<table>/<ag>/<md5(end-row)[0:24]>.
func AccessGroupDir(tablesDir, table, ag, endRow string) string {
	sum := md5.Sum([]byte(endRow))
	return filepath.Join(tablesDir, table, ag, hex.EncodeToString(sum[:])[:24])
}

// NewRange constructs a Range and opens its access groups under tablesDir
// (see AccessGroupDir).
// agNames lists the schema's access groups; a schema with none configured
// falls back to a single group named "default".
func NewRange(
	tableID uint32, spec rstypes.RangeSpec, schemaGen uint32, sizeLimit uint64,
	tablesDir, tableName string, agNames []string, isRoot bool, logger *zap.Logger,
) (*Range, error) {
	if len(agNames) == 0 {
		agNames = []string{"default"}
	}
	r := &Range{
		tableID:        tableID,
		isRoot:         isRoot,
		spec:           spec,
		schemaGen:      schemaGen,
		sizeLimit:      sizeLimit,
		accessGroups:   map[string]*AccessGroup{},
		latestRevision: rskey.TimestampNull,
		logger:         logger,
	}
	for _, name := range agNames {
		dir := AccessGroupDir(tablesDir, tableName, name, spec.EndRow)
		ag, err := openAccessGroup(dir, name)
		if err != nil {
			return nil, err
		}
		r.accessGroups[name] = ag
	}
	return r, nil
}

// Lock acquires the range's structural mutex; the caller must hold it
// across Add calls.
func (r *Range) Lock() { r.scanMu.Lock() }

// Unlock releases the mutex acquired by Lock.
func (r *Range) Unlock() { r.scanMu.Unlock() }

// TableID returns the owning table's id.
func (r *Range) TableID() uint32 { return r.tableID }

// IsRoot reports whether this is the distinguished ROOT range.
func (r *Range) IsRoot() bool { return r.isRoot }

// Spec returns the range's current interval. May shrink under split.
func (r *Range) Spec() rstypes.RangeSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

// SetSpec updates the range's interval, called when a split commits and
// this half shrinks.
func (r *Range) SetSpec(spec rstypes.RangeSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spec = spec
}

// Belongs reports whether row currently falls within this range. May be
// false after a shrink.
func (r *Range) Belongs(row string) bool {
	return r.Spec().Contains(row)
}

// SchemaGeneration returns the schema generation this range was last
// loaded against.
func (r *Range) SchemaGeneration() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schemaGen
}

// SetSchemaGeneration updates the range's schema generation after a
// reload from the coordinator.
func (r *Range) SetSchemaGeneration(gen uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemaGen = gen
}

// SizeLimit returns the configured split threshold for this range.
func (r *Range) SizeLimit() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sizeLimit
}

// LatestRevision returns the last revision applied to this range.
func (r *Range) LatestRevision() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestRevision
}

// BumpLatestRevision advances latest_revision to rev if rev is greater,
// enforcing the monotone-revisions invariant at the one place
// revisions are recorded.
func (r *Range) BumpLatestRevision(rev int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rev > r.latestRevision {
		r.latestRevision = rev
	}
}

// CheckRevisionOrder rejects rev if it is less than latest_revision.
func (r *Range) CheckRevisionOrder(rev int64) error {
	if rev < r.LatestRevision() {
		return rserr.New(rserr.CodeRevisionOrderError,
			"revision %d is less than range's latest_revision %d", rev, r.LatestRevision())
	}
	return nil
}

// Add inserts a cell into the named access group's memtable. Caller must
// hold Lock().
func (r *Range) Add(ag string, key []byte, value []byte) error {
	group, ok := r.accessGroups[ag]
	if !ok {
		return rserr.New(rserr.CodeIOError, "range has no access group %q", ag)
	}
	return group.Add(key, value)
}

// DefaultAccessGroup is the access group name used when the schema
// defines only one access group.
const DefaultAccessGroup = "default"

// AccessGroupNames returns the names of the range's access groups.
func (r *Range) AccessGroupNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.accessGroups))
	for name := range r.accessGroups {
		names = append(names, name)
	}
	return names
}

// GetSplitInfo reports whether a split is pending on this range and, if
// so, the predicate and splitlog that writes destined for the new half
// should use.
func (r *Range) GetSplitInfo() (pending bool, point string, predicate SplitPredicate, splitLog *commitlog.CommitLog, latestRevision int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.splitPending, r.splitPoint, r.splitPredicate, r.splitLog, r.latestRevision
}

// SetSplitPending marks a split in progress, recording the row at which
// the range divides, the predicate routing writes to the new half, and
// the splitlog that buffers those writes until the split task commits.
func (r *Range) SetSplitPending(point string, predicate SplitPredicate, splitLog *commitlog.CommitLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splitPending = true
	r.splitPoint = point
	r.splitPredicate = predicate
	r.splitLog = splitLog
}

// ClearSplitPending is called once the split task has committed the new
// range and this range's interval has shrunk.
func (r *Range) ClearSplitPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splitPending = false
	r.splitPredicate = nil
	r.splitLog = nil
}

// TestAndSetMaintenance atomically claims the maintenance slot, the sole
// admission gate for compaction/split tasks.
func (r *Range) TestAndSetMaintenance() bool {
	return r.maintenanceInProgress.CompareAndSwap(false, true)
}

// ClearMaintenance releases the maintenance slot.
func (r *Range) ClearMaintenance() {
	r.maintenanceInProgress.Store(false)
}

// IncrUpdateCounter registers one more in-flight update referencing this
// range; maintenance may not run while it is non-zero.
func (r *Range) IncrUpdateCounter() int64 { return r.updateCounter.Add(1) }

// DecrUpdateCounter releases an update reference.
func (r *Range) DecrUpdateCounter() int64 { return r.updateCounter.Add(-1) }

// UpdateCounter reports the current number of in-flight updates.
func (r *Range) UpdateCounter() int64 { return r.updateCounter.Load() }

// IncrScanCounter registers one more live scanner over this range.
func (r *Range) IncrScanCounter() int64 { return r.scanCounter.Add(1) }

// DecrScanCounter releases a scanner reference.
func (r *Range) DecrScanCounter() int64 { return r.scanCounter.Add(-1) }

// ScanCounter reports the current number of live scanners.
func (r *Range) ScanCounter() int64 { return r.scanCounter.Load() }

// DiskUsage sums on-disk usage across all access groups.
func (r *Range) DiskUsage() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, ag := range r.accessGroups {
		total += ag.DiskUsed()
	}
	return total
}

// GetCompactionPriorityData returns the per-access-group maintenance
// signals the update pipeline's maintenance kick and the log cleanup
// task both consult.
func (r *Range) GetCompactionPriorityData() []CompactionPriorityData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CompactionPriorityData, 0, len(r.accessGroups))
	for _, ag := range r.accessGroups {
		out = append(out, CompactionPriorityData{
			AccessGroup:            ag,
			MemUsed:                ag.MemUsed(),
			DiskUsed:               ag.DiskUsed(),
			InMemory:               ag.InMemory(),
			EarliestCachedRevision: ag.EarliestCachedRevision(),
			LogSpacePinned:         0,
		})
	}
	return out
}

// RecoveryInitialize is called by the recovery state machine before
// replaying a transfer log into this range.
func (r *Range) RecoveryInitialize() {
	r.logger.Debug("range recovery_initialize", zap.Uint32("table", r.tableID), zap.String("end_row", r.Spec().EndRow))
}

// RecoveryFinalize is called after replay completes for this range's
// tier.
func (r *Range) RecoveryFinalize() {
	r.logger.Debug("range recovery_finalize", zap.Uint32("table", r.tableID), zap.String("end_row", r.Spec().EndRow))
}

// ReplayTransferLog folds a linked transfer log's blocks into this range
// on load: every cell whose row falls in this range is re-applied
// (cells outside it are skipped) and latest_revision is
// advanced to the maximum revision seen, making replay idempotent (P6) —
// reapplying the same blocks just re-sets the same pebble keys.
func (r *Range) ReplayTransferLog(blocks []commitlog.Block) error {
	r.Lock()
	defer r.Unlock()
	for _, b := range blocks {
		payload := b.Payload
		for len(payload) > 0 {
			key, value, rest, err := rskey.DecodePair(payload)
			if err != nil {
				return rserr.Wrap(rserr.CodeIOError, err, "replaying transfer log block")
			}
			payload = rest
			if !r.Belongs(key.Row) {
				continue
			}
			raw := rskey.Encode(nil, key)
			if err := r.Add(DefaultAccessGroup, raw, value); err != nil {
				return err
			}
		}
		r.BumpLatestRevision(b.Revision)
	}
	return nil
}

// Close releases the range's access groups and split log.
func (r *Range) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, ag := range r.accessGroups {
		if err := ag.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.splitLog != nil {
		if err := r.splitLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
