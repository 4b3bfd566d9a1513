package rangeserver

import (
	"io"

	"github.com/cockroachdb/pebble"

	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
)

// ScanSpec describes a client's scan request: either a row interval or a
// single-cell lookup, never both.
type ScanSpec struct {
	HasRowInterval bool
	RowStart       string
	RowEnd         string

	HasCellInterval bool
	CellRow         string

	// Revision caps the scan to cells committed at or before this
	// revision; rskey.TimestampMax means "whatever is latest when the
	// scanner opens".
	Revision int64

	MaxCellsPerBlock int
}

// ValidateScanSpec enforces "at most one row interval, at
// most one cell interval, not both" rule.
func ValidateScanSpec(spec ScanSpec) error {
	if spec.HasRowInterval && spec.HasCellInterval {
		return rserr.New(rserr.CodeBadScanSpec, "scan spec has both a row interval and a cell interval")
	}
	return nil
}

// Cell is one scanned key/value pair.
type Cell struct {
	Key   rskey.Key
	Value []byte
}

// Scanner is a snapshot iterator over one range, opened at a fixed
// revision so that later splits or compactions cannot change what it
// returns.
type Scanner struct {
	rng      *Range
	revision int64
	spec     ScanSpec

	agNames []string
	agIdx   int
	snap    io.Closer
	it      *pebble.Iterator
	started bool
}

// CreateScanner opens a snapshot scan over r at the range's current
// latest_revision (or spec.Revision, whichever is lower), increments the
// range's scan counter, and returns the first block. Decrements the scan
// counter on any error path. When the first block already holds
// everything (more is false) the scanner is closed and nil is returned
// in its place.
func (r *Range) CreateScanner(spec ScanSpec) (scanner *Scanner, firstBlock []Cell, more bool, err error) {
	if err := ValidateScanSpec(spec); err != nil {
		return nil, nil, false, err
	}
	r.IncrScanCounter()

	rev := spec.Revision
	latest := r.LatestRevision()
	if (rev == 0 || rev > latest) && latest != rskey.TimestampNull {
		rev = latest
	}

	agNames := r.AccessGroupNames()
	if len(agNames) == 0 {
		r.DecrScanCounter()
		return nil, nil, false, rserr.New(rserr.CodeIOError, "range has no access groups to scan")
	}

	s := &Scanner{rng: r, revision: rev, spec: spec, agNames: agNames}
	if err := s.openNextAccessGroup(); err != nil {
		r.DecrScanCounter()
		return nil, nil, false, err
	}

	block, more, err := s.next()
	if err != nil {
		// next() failed before returning; the scanner never becomes
		// live, so close its resources and release the counter once.
		if s.it != nil {
			s.it.Close()
		}
		if s.snap != nil {
			s.snap.Close()
		}
		r.DecrScanCounter()
		return nil, nil, false, err
	}
	if !more {
		s.close()
		return nil, block, false, nil
	}
	return s, block, true, nil
}

func (s *Scanner) openNextAccessGroup() error {
	if s.snap != nil {
		s.it.Close()
		s.snap.Close()
		s.snap, s.it = nil, nil
	}
	for s.agIdx < len(s.agNames) {
		ag := s.rng.accessGroups[s.agNames[s.agIdx]]
		s.agIdx++
		it, snap, err := ag.NewIter()
		if err != nil {
			return err
		}
		s.snap, s.it = snap, it
		return nil
	}
	return nil
}

func (s *Scanner) maxCells() int {
	if s.spec.MaxCellsPerBlock > 0 {
		return s.spec.MaxCellsPerBlock
	}
	return 256
}

// next produces the next block of cells, advancing across access groups
// as each is exhausted, and reports whether more data remains.
func (s *Scanner) next() ([]Cell, bool, error) {
	var block []Cell
	max := s.maxCells()

	for {
		if s.it == nil {
			return block, false, nil
		}
		if !s.started {
			s.started = true
			if !s.it.First() {
				if err := s.it.Error(); err != nil {
					return nil, false, rserr.Wrap(rserr.CodeIOError, err, "scan iterator")
				}
				if err := s.openNextAccessGroup(); err != nil {
					return nil, false, err
				}
				s.started = false
				continue
			}
		}
		for s.it.Valid() {
			key, _, err := rskey.Decode(append([]byte(nil), s.it.Key()...))
			if err != nil {
				return nil, false, rserr.Wrap(rserr.CodeIOError, err, "decoding scanned key")
			}
			if s.matches(key) {
				block = append(block, Cell{Key: key, Value: append([]byte(nil), s.it.Value()...)})
			}
			if !s.it.Next() {
				break
			}
			if len(block) >= max {
				return block, true, nil
			}
		}
		if err := s.it.Error(); err != nil {
			return nil, false, rserr.Wrap(rserr.CodeIOError, err, "scan iterator")
		}
		if err := s.openNextAccessGroup(); err != nil {
			return nil, false, err
		}
		s.started = false
		if s.it == nil {
			return block, false, nil
		}
		if len(block) >= max {
			return block, true, nil
		}
	}
}

func (s *Scanner) matches(key rskey.Key) bool {
	if key.HasFlag(rskey.FlagHaveRevision) && key.Revision > s.revision {
		return false
	}
	if s.spec.HasRowInterval {
		if s.spec.RowStart != "" && key.Row <= s.spec.RowStart {
			return false
		}
		if s.spec.RowEnd != "" && key.Row > s.spec.RowEnd {
			return false
		}
	}
	if s.spec.HasCellInterval && key.Row != s.spec.CellRow {
		return false
	}
	return true
}

// FetchBlock produces the next block of an already-open scan.
func (s *Scanner) FetchBlock() ([]Cell, bool, error) {
	block, more, err := s.next()
	if err != nil || !more {
		s.close()
	}
	return block, more, err
}

func (s *Scanner) close() {
	if s.it != nil {
		s.it.Close()
	}
	if s.snap != nil {
		s.snap.Close()
	}
	s.rng.DecrScanCounter()
}

// Destroy tears down the scanner unconditionally.
func (s *Scanner) Destroy() {
	s.close()
}
