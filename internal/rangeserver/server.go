package rangeserver

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/commitlog"
	"github.com/cockroachdb/rangeserver/internal/coordinator"
	"github.com/cockroachdb/rangeserver/internal/dfs"
	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

// logHighWaterBytes is the cumulative fragment size, per tier, above
// which the periodic tick schedules a log cleanup pass.
const logHighWaterBytes = 64 << 20

// Server owns every long-lived range server component: the tier commit
// logs, the live table/range index, the scanner registry, the
// maintenance queue, and the classify/commit update mutexes.
// It plays the role storage/store.go plays for cockroachdb/cockroach's
// prototype KV layer: one process-wide object other components are
// constructed against.
type Server struct {
	cfg     Config
	fs      dfs.FS
	coord   coordinator.Session
	logger  *zap.Logger
	metrics *Metrics

	clock    *commitlog.Clock
	rootLog  *commitlog.CommitLog
	metaLog  *commitlog.CommitLog
	userLog  *commitlog.CommitLog
	txnLog   *commitlog.CommitLog
	recovery  *RecoveryStateMachine
	recovered *RecoveryResult

	// logBytesSinceTick, indexed by rstypes.Tier, counts commit log
	// bytes written since the last log cleanup pass for that tier; the
	// prune threshold formula in cleanupTier reads and resets it.
	logBytesSinceTick [3]atomic.Int64

	tables      *TableInfoMap
	scanners    *ScannerMap
	maintenance *MaintenanceQueue

	// classifyMu (mutex A) and commitMu (mutex B) serialize the two
	// phases of the update pipeline across the whole server:
	// classification/routing/stamping runs under A, the log
	// write and apply runs under B, so a second update's classify pass
	// can overlap the first update's commit pass.
	classifyMu sync.Mutex
	commitMu   sync.Mutex

	stopTick chan struct{}
	tickWG   sync.WaitGroup

	replayMu       sync.Mutex
	replaySessions map[string]*replaySession
}

// NewServer locks the coordinator's existence file, replays the commit
// logs via Recover, and wires up the in-process components. The
// maintenance queue and periodic tick are not started until Start is
// called.
func NewServer(cfg Config, fs dfs.FS, coord coordinator.Session, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := coord.LockExclusive(cfg.ExistenceFile); err != nil {
		return nil, rserr.Wrap(rserr.CodeFatal, err, "acquiring existence file lock at %s", cfg.ExistenceFile)
	}
	if err := fs.Mkdirs(cfg.TablesDir); err != nil {
		return nil, rserr.Wrap(rserr.CodeIOError, err, "creating tables directory")
	}

	sm := NewRecoveryStateMachine()
	clock := commitlog.NewClock()
	result, err := Recover(fs, cfg.LogDir, cfg.CommitLogRollLimit, clock, sm, logger)
	if err != nil {
		return nil, err
	}
	txnLog, err := commitlog.Open(fs, filepath.Join(cfg.LogDir, "range_txn"), cfg.CommitLogRollLimit, clock, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		fs:          fs,
		coord:       coord,
		logger:      logger,
		metrics:     NewMetrics(),
		clock:       clock,
		rootLog:     result.RootLog,
		metaLog:     result.MetadataLog,
		userLog:     result.UserLog,
		txnLog:      txnLog,
		recovery:    sm,
		recovered:   result,
		tables:      NewTableInfoMap(),
		scanners:    NewScannerMap(),
		maintenance: NewMaintenanceQueue(cfg.MaintenanceWorkers, logger),
	}
	return s, nil
}

// Start allows the maintenance queue to dispatch and begins the
// periodic maintenance tick.
func (s *Server) Start() {
	s.maintenance.Start()
	s.stopTick = make(chan struct{})
	s.tickWG.Add(1)
	go s.tickLoop()
}

func (s *Server) tickLoop() {
	defer s.tickWG.Done()
	t := time.NewTicker(s.cfg.TimerInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.runMaintenanceTick()
		case <-s.stopTick:
			return
		}
	}
}

// MetricsRegistry exposes the server's prometheus registry for a
// promhttp handler to scrape.
func (s *Server) MetricsRegistry() *prometheus.Registry {
	return s.metrics.Registry
}

// tierLog returns the commit log backing tier.
func (s *Server) tierLog(tier rstypes.Tier) *commitlog.CommitLog {
	switch tier {
	case rstypes.TierRoot:
		return s.rootLog
	case rstypes.TierMetadata:
		return s.metaLog
	default:
		return s.userLog
	}
}

// PersistRangeState appends a range_txn record recording state for the
// range (table, endRow). The update pipeline's commit pass calls it after
// each range's log write with the range's new latest_revision; split
// state changes do not call it.
func (s *Server) PersistRangeState(table rstypes.TableIdentifier, endRow string, state rstypes.RangeState) error {
	rec := rangeTxnRecord{table: table, endRow: endRow, state: state}
	payload := encodeRangeTxnRecord(nil, rec)
	return s.txnLog.Write(table, state.LastRevision, payload)
}

// runMaintenanceTick runs one periodic pass: scanners idle for longer
// than the configured scanner TTL are purged, ranges under
// memory or disk pressure are handed to the maintenance queue, and
// tiers whose commit log has grown past the high-water mark get a log
// cleanup task.
func (s *Server) runMaintenanceTick() {
	if purged := s.scanners.PurgeExpired(s.cfg.ScannerTTL); len(purged) > 0 {
		s.metrics.ScansActive.Set(float64(s.scanners.Len()))
	}
	for _, table := range s.tables.Snapshot() {
		for _, rng := range table.Ranges() {
			s.considerRangeMaintenance(table, rng)
		}
	}
	for _, tier := range []rstypes.Tier{rstypes.TierRoot, rstypes.TierMetadata, rstypes.TierUser} {
		log := s.tierLog(tier)
		pm := log.LoadFragmentPriorityMap()
		if len(pm) == 0 {
			continue
		}
		if pm[len(pm)-1].CumulativeSize >= logHighWaterBytes {
			s.maintenance.Add(NewLogCleanupTask(tier, s.cleanupTier))
		}
	}
}

func (s *Server) considerRangeMaintenance(table *TableInfo, rng *Range) {
	if !rng.TestAndSetMaintenance() {
		return
	}

	if pending, _, _, _, _ := rng.GetSplitInfo(); pending && rng.DiskUsage() >= rng.SizeLimit() {
		s.maintenance.Add(NewSplitTask(table, rng, s.cfg.TablesDir, s.logger))
		return
	}

	var hot []string
	for _, d := range rng.GetCompactionPriorityData() {
		if !d.InMemory && d.MemUsed >= s.cfg.AccessGroupMaxMemory {
			hot = append(hot, d.AccessGroup.name)
			d.AccessGroup.SetCompactionPending()
		}
	}
	if len(hot) > 0 {
		s.maintenance.Add(NewCompactionTask(rng, hot, s.logger))
		return
	}
	rng.ClearMaintenance()
}

// pruneThresholdBytes computes tier's log cleanup budget: the commit
// log byte volume written since the last pass, averaged over the tick
// interval and scaled against the configured ceiling, clamped to the
// configured floor and ceiling. A tier under heavier write load keeps a
// proportionally larger tail of its log around.
func (s *Server) pruneThresholdBytes(tier rstypes.Tier) uint64 {
	bytesLoaded := s.logBytesSinceTick[tier].Swap(0)
	intervalSec := s.cfg.TimerInterval.Seconds()
	if intervalSec <= 0 {
		return s.cfg.CommitLogPruneThresholdMin
	}
	mbPerSec := float64(bytesLoaded) / intervalSec / 1e6
	threshold := uint64(mbPerSec * float64(s.cfg.CommitLogPruneThresholdMax))
	if threshold < s.cfg.CommitLogPruneThresholdMin {
		threshold = s.cfg.CommitLogPruneThresholdMin
	}
	if threshold > s.cfg.CommitLogPruneThresholdMax {
		threshold = s.cfg.CommitLogPruneThresholdMax
	}
	return threshold
}

// cleanupTier purges tier's commit log fragments older than whichever
// is more conservative of two bounds: pruneThresholdBytes's recent-
// write-volume budget (keep at least that many of the newest bytes) and
// the oldest revision any live access group in that tier still depends
// on (never purge data a group hasn't flushed out of the log yet).
func (s *Server) cleanupTier(tier rstypes.Tier) {
	budget := s.pruneThresholdBytes(tier)

	log := s.tierLog(tier)
	pm := log.LoadFragmentPriorityMap()
	var total uint64
	if n := len(pm); n > 0 {
		total = pm[n-1].CumulativeSize
	}
	byteBoundary := rskey.TimestampMax
	for _, e := range pm {
		if total-e.CumulativeSize <= budget {
			byteBoundary = e.Revision
			break
		}
	}

	agFloor := rskey.TimestampMax
	for _, table := range s.tables.Snapshot() {
		for _, rng := range table.Ranges() {
			if rstypes.ClassifyTier(rstypes.TableIdentifier{ID: table.ID, Name: table.Name}, rng.Spec().EndRow) != tier {
				continue
			}
			for _, d := range rng.GetCompactionPriorityData() {
				if d.EarliestCachedRevision != rskey.TimestampNull && d.EarliestCachedRevision < agFloor {
					agFloor = d.EarliestCachedRevision
				}
			}
		}
	}

	cutoff := byteBoundary
	if agFloor < cutoff {
		cutoff = agFloor
	}
	if cutoff == rskey.TimestampMax {
		return
	}
	if err := log.Purge(cutoff); err != nil {
		s.logger.Error("log cleanup purge failed", zap.String("tier", tier.String()), zap.Error(err))
	}
}

// Shutdown stops the server in order: stop accepting new
// maintenance dispatch, drain in-flight updates, close every commit
// log, then release the coordinator session.
func (s *Server) Shutdown() error {
	if s.stopTick != nil {
		close(s.stopTick)
		s.tickWG.Wait()
	}
	s.maintenance.Stop()

	s.classifyMu.Lock()
	s.commitMu.Lock()
	s.drainUpdateCounters()
	s.commitMu.Unlock()
	s.classifyMu.Unlock()

	s.maintenance.Close()

	var firstErr error
	for _, log := range []*commitlog.CommitLog{s.rootLog, s.metaLog, s.userLog, s.txnLog} {
		if err := log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, table := range s.tables.Snapshot() {
		for _, rng := range table.Ranges() {
			if err := rng.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := s.coord.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// drainUpdateCounters waits for every live range's in-flight update
// count to reach zero before the commit logs are closed underneath
// them.
func (s *Server) drainUpdateCounters() {
	for {
		busy := false
		for _, table := range s.tables.Snapshot() {
			for _, rng := range table.Ranges() {
				if rng.UpdateCounter() > 0 {
					busy = true
				}
			}
		}
		if !busy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
