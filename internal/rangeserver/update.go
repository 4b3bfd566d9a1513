package rangeserver

import (
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/commitlog"
	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

// splitLogHighWater is the splitlog size, in bytes, past which the
// update pipeline's maintenance kick escalates a pending split straight
// onto the maintenance queue rather than waiting for the next periodic
// tick, alongside the size-limit check performed on every update.
const splitLogHighWater = 16 << 20

// UpdateCell is one client-supplied {key, value} pair in an update
// request, before classification.
type UpdateCell struct {
	Key   rskey.Key
	Value []byte
}

// UpdateRequest is one update call: cells must arrive sorted ascending
// by row.
type UpdateRequest struct {
	Table rstypes.TableIdentifier
	Cells []UpdateCell
}

// SendBackEntry reports one contiguous run of cells from the original
// Cells slice that were not applied for the same reason: Offset is the
// index of the run's first cell, Count how many consecutive cells share
// this outcome.
type SendBackEntry struct {
	Offset  int
	Count   int
	Code    rserr.Code
	Message string
}

// UpdateResponse is update's result: how many cells were applied and
// which were sent back to the client for retry or correction, packed
// into runs of consecutive cells that failed identically.
type UpdateResponse struct {
	Applied  int
	SentBack []SendBackEntry
}

// sendBackRaw is one cell's not-applied outcome, before runs of
// consecutive identical outcomes are folded together.
type sendBackRaw struct {
	index   int
	code    rserr.Code
	message string
}

// sendBackBuilder accumulates per-cell failures as the classify and
// commit passes discover them — in range-grouping order, not
// necessarily index order — then folds them into the packed
// SendBackEntry runs the response carries.
type sendBackBuilder struct {
	raw []sendBackRaw
}

func (b *sendBackBuilder) add(index int, code rserr.Code, message string) {
	b.raw = append(b.raw, sendBackRaw{index: index, code: code, message: message})
}

func (b *sendBackBuilder) build() []SendBackEntry {
	if len(b.raw) == 0 {
		return nil
	}
	sort.Slice(b.raw, func(i, j int) bool { return b.raw[i].index < b.raw[j].index })
	out := make([]SendBackEntry, 0, len(b.raw))
	for _, r := range b.raw {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Code == r.code && last.Message == r.message && last.Offset+last.Count == r.index {
				last.Count++
				continue
			}
		}
		out = append(out, SendBackEntry{Offset: r.index, Count: 1, Code: r.code, Message: r.message})
	}
	return out
}

type routedCell struct {
	index      int
	key        rskey.Key
	value      []byte
	toSplitLog bool
}

// Update runs the full update pipeline: a classify pass
// under classifyMu routes and stamps each cell, a commit pass under
// commitMu appends the routed buffers to the owning tier's commit log
// and applies them to the in-memory access groups, and a maintenance
// kick at the end of each touched range decides whether a split or
// compaction should now be scheduled.
func (s *Server) Update(req UpdateRequest) (UpdateResponse, error) {
	resp := UpdateResponse{}
	sb := &sendBackBuilder{}

	ti, ok := s.tables.Get(req.Table.ID)
	if !ok {
		for i := range req.Cells {
			sb.add(i, rserr.CodeTableNotFound, "table not loaded on this range server")
		}
		resp.SentBack = sb.build()
		return resp, nil
	}

	auto := s.clock.Now()
	routed := map[*Range][]routedCell{}
	revByRange := map[*Range]int64{}

	s.classifyMu.Lock()
classify:
	for i, cell := range req.Cells {
		key := cell.Key
		if rskey.IsBadKey(key.Row) {
			// A NUL-prefixed row poisons the rest of the buffer: the
			// client's row-length framing can no longer be trusted, so
			// every remaining cell is sent back rather than classified.
			for j := i; j < len(req.Cells); j++ {
				sb.add(j, rserr.CodeBadKey, "row has a NUL prefix")
			}
			break classify
		}
		if schema := ti.Schema(); schema != nil && req.Table.Generation != 0 && schema.Generation != req.Table.Generation {
			sb.add(i, rserr.CodeGenerationMismatch, "schema generation mismatch")
			continue
		}
		rng, ok := ti.FindRange(key.Row)
		if !ok {
			sb.add(i, rserr.CodeRangeNotFound, "no range loaded covers this row")
			continue
		}

		tier := rstypes.ClassifyTier(req.Table, rng.Spec().EndRow)
		s.recovery.WaitTier(tier)

		rev, ok := revByRange[rng]
		if !ok {
			rev = auto
			if latest := rng.LatestRevision(); rev < latest {
				skewUS := latest - rev
				if skewUS > s.cfg.ClockSkewMax.Microseconds() {
					sb.add(i, rserr.CodeClockSkew,
						"auto revision lags range's latest_revision by more than the configured maximum skew")
					continue
				}
				rev = latest + 1
			}
			revByRange[rng] = rev
		}

		stamped := key
		switch {
		case key.HasFlag(rskey.FlagAutoTimestamp):
			stamped.Timestamp = rev
			stamped.Revision = rev
			stamped.Flags |= rskey.FlagHaveTimestamp | rskey.FlagHaveRevision | rskey.FlagRevIsTS
		default:
			stamped.Revision = rev
			stamped.Flags |= rskey.FlagHaveRevision
		}

		if err := rng.CheckRevisionOrder(stamped.Revision); err != nil {
			code, _ := rserr.CodeOf(err)
			sb.add(i, code, err.Error())
			continue
		}

		toSplitLog := false
		if pending, _, predicate, _, _ := rng.GetSplitInfo(); pending && predicate != nil && predicate(key.Row) {
			toSplitLog = true
		}
		routed[rng] = append(routed[rng], routedCell{index: i, key: stamped, value: cell.Value, toSplitLog: toSplitLog})
	}
	s.classifyMu.Unlock()

	s.commitMu.Lock()
	for rng, cells := range routed {
		s.commitRangeUpdate(req.Table, ti, rng, revByRange[rng], cells, &resp, sb)
	}
	s.commitMu.Unlock()

	resp.SentBack = sb.build()

	s.metrics.UpdatesTotal.Inc()
	for _, entry := range resp.SentBack {
		s.metrics.UpdateErrors.WithLabelValues(entry.Code.String()).Add(float64(entry.Count))
	}
	return resp, nil
}

// commitRangeUpdate writes one range's share of an update buffer to its
// tier log (or splitlog, for cells destined across a pending split),
// applies the non-splitlog cells to the range's access groups, persists
// the range's new bookkeeping, and runs that range's maintenance kick.
// Caller must hold commitMu.
func (s *Server) commitRangeUpdate(
	table rstypes.TableIdentifier, ti *TableInfo, rng *Range, rev int64, cells []routedCell,
	resp *UpdateResponse, sb *sendBackBuilder,
) {
	rng.IncrUpdateCounter()
	defer rng.DecrUpdateCounter()

	var mainBuf, splitBuf []byte
	var maxRow string
	for _, c := range cells {
		if c.toSplitLog {
			splitBuf = rskey.EncodePair(splitBuf, c.key, c.value)
			continue
		}
		mainBuf = rskey.EncodePair(mainBuf, c.key, c.value)
		if c.key.Row > maxRow {
			maxRow = c.key.Row
		}
	}

	tier := rstypes.ClassifyTier(table, rng.Spec().EndRow)
	log := s.tierLog(tier)

	if len(mainBuf) > 0 {
		if err := log.Write(table, rev, mainBuf); err != nil {
			s.failAll(cells, err, sb)
			return
		}
		s.metrics.CommitLogBytes.WithLabelValues(tier.String()).Add(float64(len(mainBuf)))
		s.logBytesSinceTick[tier].Add(int64(len(mainBuf)))
	}
	if len(splitBuf) > 0 {
		if _, _, _, splitLog, _ := rng.GetSplitInfo(); splitLog != nil {
			if err := splitLog.Write(table, rev, splitBuf); err != nil {
				s.failAll(cells, err, sb)
				return
			}
		}
	}

	for _, c := range cells {
		if c.toSplitLog {
			continue
		}
		raw := rskey.Encode(nil, c.key)
		if err := rng.Add(DefaultAccessGroup, raw, c.value); err != nil {
			code, _ := rserr.CodeOf(err)
			sb.add(c.index, code, err.Error())
			continue
		}
		resp.Applied++
	}
	rng.BumpLatestRevision(rev)
	if ag, ok := rng.accessGroups[DefaultAccessGroup]; ok {
		ag.NoteCommitted(rev)
	}

	endRow := rng.Spec().EndRow
	_ = s.PersistRangeState(table, endRow, rstypes.RangeState{LastRevision: rev})

	s.maintenanceKick(ti, rng, maxRow)
}

func (s *Server) failAll(cells []routedCell, err error, sb *sendBackBuilder) {
	code, _ := rserr.CodeOf(err)
	for _, c := range cells {
		sb.add(c.index, code, err.Error())
	}
}

// maintenanceKick runs after a range's data changes to decide whether it
// has crossed its split threshold (opening a splitlog and arming
// SetSplitPending if so) or, for a range already mid-split, whether the
// splitlog itself has grown enough to escalate straight onto the
// maintenance queue instead of waiting for the next tick. Once the
// split decision is made, it also checks every access group's memtable
// against the configured memory-pressure limit, the same check the
// periodic tick performs, so a hot write burst doesn't have to wait for
// the next tick to get compacted.
func (s *Server) maintenanceKick(ti *TableInfo, rng *Range, maxRowThisBatch string) {
	pending, _, _, splitLog, _ := rng.GetSplitInfo()
	switch {
	case !pending:
		if rng.DiskUsage() >= rng.SizeLimit() && maxRowThisBatch != "" {
			point := maxRowThisBatch
			predicate := func(row string) bool { return row > point }
			dir := filepath.Join(s.cfg.LogDir, "splits", uuid.NewString())
			newLog, err := commitlog.Open(s.fs, dir, s.cfg.CommitLogRollLimit, s.clock, s.logger)
			if err != nil {
				s.logger.Error("opening splitlog failed", zap.Error(err))
			} else {
				rng.SetSplitPending(point, predicate, newLog)
			}
		}
	case splitLog != nil:
		pm := splitLog.LoadFragmentPriorityMap()
		if len(pm) > 0 && pm[len(pm)-1].CumulativeSize >= splitLogHighWater && rng.TestAndSetMaintenance() {
			s.maintenance.Add(NewSplitTask(ti, rng, s.cfg.TablesDir, s.logger))
			return
		}
	}

	var hot []string
	for _, d := range rng.GetCompactionPriorityData() {
		if !d.InMemory && d.MemUsed >= s.cfg.AccessGroupMaxMemory {
			hot = append(hot, d.AccessGroup.name)
			d.AccessGroup.SetCompactionPending()
		}
	}
	if len(hot) > 0 && rng.TestAndSetMaintenance() {
		s.maintenance.Add(NewCompactionTask(rng, hot, s.logger))
	}
}
