package rangeserver

import (
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/commitlog"
	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

// LoadRangeRequest describes a range the coordinator has assigned to
// this server.
type LoadRangeRequest struct {
	Table        rstypes.TableIdentifier
	Spec         rstypes.RangeSpec
	SchemaGen    uint32
	SizeLimit    uint64
	AccessGroups []string
	IsRoot       bool
}

// LoadRange opens rng's access groups and publishes it into the live
// table map, seeding its latest_revision from the range_txn log if
// cold-start recovery found a persisted entry for it. A split recorded
// in that entry is only logged; it is not re-armed on the range.
func (s *Server) LoadRange(req LoadRangeRequest) error {
	ti, created := s.tables.GetOrCreate(req.Table.ID, req.Table.Name, &Schema{
		Generation:   req.SchemaGen,
		AccessGroups: req.AccessGroups,
	})
	if !created && ti.Schema().Generation != req.SchemaGen {
		ti.SetSchema(&Schema{Generation: req.SchemaGen, AccessGroups: req.AccessGroups})
	}

	sizeLimit := req.SizeLimit
	if sizeLimit == 0 {
		sizeLimit = s.cfg.RangeSplitSize
	}

	rng, err := NewRange(req.Table.ID, req.Spec, req.SchemaGen, sizeLimit, s.cfg.TablesDir, req.Table.Name, req.AccessGroups, req.IsRoot, s.logger)
	if err != nil {
		return err
	}

	tier := rstypes.ClassifyTier(req.Table, req.Spec.EndRow)
	if persisted, ok := s.recovered.Lookup(tier, req.Table.ID, req.Spec.EndRow); ok {
		rng.BumpLatestRevision(persisted.LastRevision)
		if persisted.SplitOff {
			s.logger.Warn("loaded range has a recorded split in progress; maintenance will resume it once re-armed",
				zap.Uint32("table", req.Table.ID), zap.String("end_row", req.Spec.EndRow))
		}
	}

	var own []commitlog.Block
	for _, b := range s.recovered.ReplayBlocks(tier) {
		if b.Table.ID == req.Table.ID {
			own = append(own, b)
		}
	}
	if len(own) > 0 {
		if err := rng.ReplayTransferLog(own); err != nil {
			rng.Close()
			return err
		}
		s.logger.Info("replayed tier log into loaded range",
			zap.Uint32("table", req.Table.ID), zap.String("end_row", req.Spec.EndRow), zap.Int("blocks", len(own)))
	}

	if err := ti.AddRange(rng); err != nil {
		rng.Close()
		return err
	}
	s.metrics.RangesLoaded.Inc()
	s.logger.Info("range loaded", zap.Uint32("table", req.Table.ID), zap.String("end_row", req.Spec.EndRow))
	return nil
}

// DropRange closes and unloads the range ending at endRow, ahead of a
// split handoff or a table drop.
func (s *Server) DropRange(tableID uint32, endRow string) error {
	ti, ok := s.tables.Get(tableID)
	if !ok {
		return rserr.New(rserr.CodeTableNotFound, "table %d not loaded", tableID)
	}
	rng, ok := ti.GetRange(endRow)
	if !ok {
		return rserr.New(rserr.CodeRangeNotFound, "no range ending at %q for table %d", endRow, tableID)
	}
	if err := rng.Close(); err != nil {
		return err
	}
	ti.RemoveRange(endRow)
	s.metrics.RangesLoaded.Dec()
	return nil
}

// DropTable closes and unloads every range of tableID.
func (s *Server) DropTable(tableID uint32) error {
	ti, ok := s.tables.Get(tableID)
	if !ok {
		return rserr.New(rserr.CodeTableNotFound, "table %d not loaded", tableID)
	}
	var firstErr error
	for _, rng := range ti.Ranges() {
		if err := rng.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.metrics.RangesLoaded.Dec()
	}
	s.tables.Remove(tableID)
	return firstErr
}
