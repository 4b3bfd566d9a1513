package rangeserver

import (
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

// CompactionTask flushes the memtables of a range's marked access groups
// and clears the range's maintenance flag when done.
type CompactionTask struct {
	rng     *Range
	agNames []string
	logger  *zap.Logger
}

// NewCompactionTask constructs a compaction task for the named access
// groups of rng.
func NewCompactionTask(rng *Range, agNames []string, logger *zap.Logger) *CompactionTask {
	return &CompactionTask{rng: rng, agNames: agNames, logger: logger}
}

// Kind implements Task.
func (t *CompactionTask) Kind() TaskKind { return TaskCompaction }

// Run implements Task.
func (t *CompactionTask) Run() {
	defer t.rng.ClearMaintenance()
	for _, name := range t.agNames {
		ag, ok := t.rng.accessGroups[name]
		if !ok {
			continue
		}
		if err := ag.db.Flush(); err != nil {
			t.logger.Error("compaction: flushing access group failed", zap.String("access_group", name), zap.Error(err))
			continue
		}
		ag.MarkCompacted()
	}
	t.logger.Debug("compaction complete",
		zap.Uint32("table", t.rng.TableID()), zap.String("end_row", t.rng.Spec().EndRow),
		zap.Strings("access_groups", t.agNames))
}

// SplitTask carries out a pending split: it materializes the new upper
// half as a fresh Range loaded from the splitlog, shrinks the parent's
// interval, and publishes the new range into the table.
type SplitTask struct {
	table  *TableInfo
	parent *Range
	tables string // base tables directory, for the new range's access group dirs
	logger *zap.Logger
}

// NewSplitTask constructs a split task for parent, a range of table,
// whose access group data lives under tablesDir.
func NewSplitTask(table *TableInfo, parent *Range, tablesDir string, logger *zap.Logger) *SplitTask {
	return &SplitTask{table: table, parent: parent, tables: tablesDir, logger: logger}
}

// Kind implements Task.
func (t *SplitTask) Kind() TaskKind { return TaskSplit }

// Run implements Task.
func (t *SplitTask) Run() {
	defer t.parent.ClearMaintenance()

	pending, point, _, splitLog, _ := t.parent.GetSplitInfo()
	if !pending {
		return
	}

	oldSpec := t.parent.Spec()
	newSpec := rstypes.RangeSpec{StartRow: point, EndRow: oldSpec.EndRow}
	newRange, err := NewRange(
		t.parent.TableID(), newSpec, t.parent.SchemaGeneration(), t.parent.SizeLimit(),
		t.tables, t.table.Name, t.parent.AccessGroupNames(), false, t.logger,
	)
	if err != nil {
		t.logger.Error("split: opening new range failed", zap.Error(err))
		return
	}

	if splitLog != nil {
		blocks, err := splitLog.ReadAll()
		if err != nil {
			t.logger.Error("split: reading splitlog failed", zap.Error(err))
			return
		}
		if err := newRange.ReplayTransferLog(blocks); err != nil {
			t.logger.Error("split: replaying splitlog into new range failed", zap.Error(err))
			return
		}
	}

	if err := t.table.AddRange(newRange); err != nil {
		t.logger.Error("split: publishing new range failed", zap.Error(err))
		return
	}

	t.parent.SetSpec(rstypes.RangeSpec{StartRow: oldSpec.StartRow, EndRow: point})
	t.parent.ClearSplitPending()
	if splitLog != nil {
		splitLog.Close()
	}
	t.logger.Info("split complete",
		zap.Uint32("table", t.parent.TableID()),
		zap.String("parent_end_row", point),
		zap.String("new_end_row", newSpec.EndRow))
}

// LogCleanupTask performs periodic log cleanup: it delegates to the
// server's cleanupTier, which computes a prune threshold from recent
// write volume and purges fragments that fall below both that budget
// and the oldest revision any access group in the tier still depends on.
type LogCleanupTask struct {
	tier    rstypes.Tier
	cleanup func(rstypes.Tier)
}

// NewLogCleanupTask constructs a log cleanup task for tier; cleanup is
// the server's per-tier implementation (kept out of this package's
// dependency graph so tests can supply a stub).
func NewLogCleanupTask(tier rstypes.Tier, cleanup func(rstypes.Tier)) *LogCleanupTask {
	return &LogCleanupTask{tier: tier, cleanup: cleanup}
}

// Kind implements Task.
func (t *LogCleanupTask) Kind() TaskKind { return TaskLogCleanup }

// Run implements Task.
func (t *LogCleanupTask) Run() {
	t.cleanup(t.tier)
}
