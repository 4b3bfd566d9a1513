package rangeserver

import (
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/commitlog"
	"github.com/cockroachdb/rangeserver/internal/dfs"
	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

// RecoveryStateMachine tracks, per tier, whether cold-start replay has
// completed. Foreground operations against a tier block on
// the tier's WaitTier until Recover has finalized it, the way
// storage/store.go gates reads behind a replica's applied index during
// Raft log replay.
type RecoveryStateMachine struct {
	mu   sync.Mutex
	cond *sync.Cond
	done [3]bool // indexed by rstypes.Tier
}

// NewRecoveryStateMachine returns a state machine with every tier
// pending.
func NewRecoveryStateMachine() *RecoveryStateMachine {
	sm := &RecoveryStateMachine{}
	sm.cond = sync.NewCond(&sm.mu)
	return sm
}

// SetTierDone marks tier's replay complete and wakes any goroutine
// blocked in WaitTier for it.
func (sm *RecoveryStateMachine) SetTierDone(tier rstypes.Tier) {
	sm.mu.Lock()
	sm.done[tier] = true
	sm.cond.Broadcast()
	sm.mu.Unlock()
}

// IsDone reports whether tier's replay has completed.
func (sm *RecoveryStateMachine) IsDone(tier rstypes.Tier) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.done[tier]
}

// WaitTier blocks until tier's replay has completed. Called by the
// update pipeline and the scan path before touching a range classified
// into that tier.
func (sm *RecoveryStateMachine) WaitTier(tier rstypes.Tier) {
	sm.mu.Lock()
	for !sm.done[tier] {
		sm.cond.Wait()
	}
	sm.mu.Unlock()
}

// rangeTxnRecord is one entry of the range_txn log: the persisted
// RangeState for one (table, end-row). The update pipeline's commit pass
// writes one after each range's log write, carrying LastRevision; arming
// a split writes none.
type rangeTxnRecord struct {
	table rstypes.TableIdentifier
	endRow string
	state  rstypes.RangeState
}

func encodeRangeTxnRecord(dst []byte, r rangeTxnRecord) []byte {
	dst = rskey.EncodeUvarint(dst, uint64(r.table.ID))
	dst = rskey.EncodeUvarint(dst, uint64(len(r.table.Name)))
	dst = append(dst, r.table.Name...)
	dst = rskey.EncodeUvarint(dst, uint64(r.table.Generation))
	dst = rskey.EncodeUvarint(dst, uint64(len(r.endRow)))
	dst = append(dst, r.endRow...)
	dst = rskey.EncodeUvarint(dst, zigzagEncodeLocal(r.state.LastRevision))
	dst = rskey.EncodeUvarint(dst, uint64(len(r.state.SplitPoint)))
	dst = append(dst, r.state.SplitPoint...)
	if r.state.SplitOff {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = rskey.EncodeUvarint(dst, uint64(len(r.state.TransferLog)))
	dst = append(dst, r.state.TransferLog...)
	return dst
}

func decodeRangeTxnRecord(b []byte) (rangeTxnRecord, error) {
	var rec rangeTxnRecord
	b, id, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rec, rserr.Wrap(rserr.CodeIOError, err, "decoding range_txn table id")
	}
	rec.table.ID = uint32(id)
	b, nameLen, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rec, rserr.Wrap(rserr.CodeIOError, err, "decoding range_txn table name length")
	}
	if uint64(len(b)) < nameLen {
		return rec, rserr.New(rserr.CodeRequestTruncated, "range_txn record: truncated table name")
	}
	rec.table.Name = string(b[:nameLen])
	b = b[nameLen:]
	b, gen, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rec, rserr.Wrap(rserr.CodeIOError, err, "decoding range_txn generation")
	}
	rec.table.Generation = uint32(gen)
	b, endRowLen, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rec, rserr.Wrap(rserr.CodeIOError, err, "decoding range_txn end row length")
	}
	if uint64(len(b)) < endRowLen {
		return rec, rserr.New(rserr.CodeRequestTruncated, "range_txn record: truncated end row")
	}
	rec.endRow = string(b[:endRowLen])
	b = b[endRowLen:]
	b, zz, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rec, rserr.Wrap(rserr.CodeIOError, err, "decoding range_txn last revision")
	}
	rec.state.LastRevision = zigzagDecodeLocal(zz)
	b, spLen, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rec, rserr.Wrap(rserr.CodeIOError, err, "decoding range_txn split point length")
	}
	if uint64(len(b)) < spLen {
		return rec, rserr.New(rserr.CodeRequestTruncated, "range_txn record: truncated split point")
	}
	rec.state.SplitPoint = string(b[:spLen])
	b = b[spLen:]
	if len(b) < 1 {
		return rec, rserr.New(rserr.CodeRequestTruncated, "range_txn record: missing split-off byte")
	}
	rec.state.SplitOff = b[0] != 0
	b = b[1:]
	b, tlLen, err := rskey.DecodeUvarint(b)
	if err != nil {
		return rec, rserr.Wrap(rserr.CodeIOError, err, "decoding range_txn transfer log length")
	}
	if uint64(len(b)) < tlLen {
		return rec, rserr.New(rserr.CodeRequestTruncated, "range_txn record: truncated transfer log")
	}
	rec.state.TransferLog = string(b[:tlLen])
	return rec, nil
}

func zigzagEncodeLocal(v int64) uint64 { return uint64((v << 1) ^ (v >> 63)) }
func zigzagDecodeLocal(v uint64) int64 { return int64(v>>1) ^ -int64(v&1) }

// RecoveredState is the read-only lookup table Recover builds from the
// range_txn log: the last persisted RangeState for each (table, end-row)
// pair, keyed by tier so load_range can seed a freshly opened range
// without replaying the log itself.
type RecoveredState struct {
	byTier [3]map[recoveredKey]rstypes.RangeState
}

type recoveredKey struct {
	tableID uint32
	endRow  string
}

// Lookup returns the persisted RangeState for (table, endRow) in tier,
// if the range_txn log recorded one.
func (rs *RecoveredState) Lookup(tier rstypes.Tier, tableID uint32, endRow string) (rstypes.RangeState, bool) {
	m := rs.byTier[tier]
	if m == nil {
		return rstypes.RangeState{}, false
	}
	st, ok := m[recoveredKey{tableID, endRow}]
	return st, ok
}

func newRecoveredState() *RecoveredState {
	return &RecoveredState{byTier: [3]map[recoveredKey]rstypes.RangeState{{}, {}, {}}}
}

// RecoveryResult carries the outputs of a cold-start recovery pass: the
// three tier commit logs, opened and ready for foreground writes, the
// RangeState lookup table hydrated from range_txn, and the cell data
// each tier log already held on disk, pending replay into whichever
// range load_range ends up opening for it.
type RecoveryResult struct {
	RootLog     *commitlog.CommitLog
	MetadataLog *commitlog.CommitLog
	UserLog     *commitlog.CommitLog
	State       *RecoveredState

	blocks [3][]commitlog.Block
}

// ReplayBlocks returns the cell data recovered from tier's commit log
// fragments, the same []commitlog.Block shape Range.ReplayTransferLog
// consumes for a split handoff. load_range calls this once per newly
// opened range so that a range loaded after a restart sees the data its
// tier's commit log had already accepted before the crash, not just an
// empty access group waiting for new traffic.
func (r *RecoveryResult) ReplayBlocks(tier rstypes.Tier) []commitlog.Block {
	return r.blocks[tier]
}

// Lookup delegates to the hydrated RangeState table; see
// RecoveredState.Lookup.
func (r *RecoveryResult) Lookup(tier rstypes.Tier, tableID uint32, endRow string) (rstypes.RangeState, bool) {
	return r.State.Lookup(tier, tableID, endRow)
}

func (r *RecoveryResult) tierLog(tier rstypes.Tier) *commitlog.CommitLog {
	switch tier {
	case rstypes.TierRoot:
		return r.RootLog
	case rstypes.TierMetadata:
		return r.MetadataLog
	default:
		return r.UserLog
	}
}

// Recover performs cold-start recovery: if
// ${logDir}/range_txn/0.log is present, its blocks are decoded into
// per-tier RangeState maps; if it is absent, no RangeState is recovered.
// Either way each tier is then finalized in order — root, then
// metadata, then user — opening that tier's live commit log, reading
// back the blocks its existing fragments hold, and signalling sm only
// once that is done, so a tier's foreground traffic never observes a
// partially replayed predecessor tier.
func Recover(
	fs dfs.FS, logDir string, rollLimit uint64, clock *commitlog.Clock,
	sm *RecoveryStateMachine, logger *zap.Logger,
) (*RecoveryResult, error) {
	txnLogPath := filepath.Join(logDir, "range_txn", "0.log")
	exists, err := fs.Exists(txnLogPath)
	if err != nil {
		return nil, rserr.Wrap(rserr.CodeIOError, err, "checking for range_txn log")
	}

	state := newRecoveredState()
	if exists {
		blocks, err := commitlog.ReadFragment(fs, txnLogPath)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			rec, err := decodeRangeTxnRecord(b.Payload)
			if err != nil {
				return nil, err
			}
			tier := rstypes.ClassifyTier(rec.table, rec.endRow)
			state.byTier[tier][recoveredKey{rec.table.ID, rec.endRow}] = rec.state
		}
		logger.Info("range_txn log replayed", zap.Int("records", len(blocks)))
	} else {
		logger.Info("no range_txn log found, starting with empty tiers")
	}

	result := &RecoveryResult{State: state}
	order := []struct {
		tier rstypes.Tier
		dir  string
		out  **commitlog.CommitLog
	}{
		{rstypes.TierRoot, filepath.Join(logDir, "root"), &result.RootLog},
		{rstypes.TierMetadata, filepath.Join(logDir, "metadata"), &result.MetadataLog},
		{rstypes.TierUser, filepath.Join(logDir, "user"), &result.UserLog},
	}
	for _, o := range order {
		cl, err := commitlog.Open(fs, o.dir, rollLimit, clock, logger)
		if err != nil {
			return nil, err
		}
		blocks, err := cl.ReadAll()
		if err != nil {
			return nil, err
		}
		result.blocks[o.tier] = blocks
		*o.out = cl
		sm.SetTierDone(o.tier)
		logger.Info("recovery finalized tier",
			zap.String("tier", o.tier.String()), zap.Int("replayable_blocks", len(blocks)))
	}
	return result, nil
}
