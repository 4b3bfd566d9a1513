package rangeserver

import (
	"go.uber.org/zap"

	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rstypes"
)

// Response is the uniform envelope every dispatched command resolves
// to: either Payload is set and Err is nil, or Err carries the failure
// code and message to report back on the wire.
type Response struct {
	Payload interface{}
	Err     *rserr.Error
}

// OKResponse wraps a successful payload.
func OKResponse(payload interface{}) Response {
	return Response{Payload: payload}
}

// ErrResponse wraps a failure.
func ErrResponse(err error) Response {
	code, _ := rserr.CodeOf(err)
	return Response{Err: &rserr.Error{Code: code, Message: err.Error()}}
}

// CreateScannerRequest names the range a scan opens over by table and
// end-row, plus the scan's predicate.
type CreateScannerRequest struct {
	Table  rstypes.TableIdentifier
	EndRow string
	Spec   ScanSpec
}

// CreateScannerResponse is create_scanner's payload: the scanner id (0
// if the scan finished in one block and was never registered) and the
// first block.
type CreateScannerResponse struct {
	ScannerID uint32
	Block     []Cell
	More      bool
}

// FetchScanblockRequest names an already-open scanner.
type FetchScanblockRequest struct {
	ScannerID uint32
}

// FetchScanblockResponse is fetch_scanblock's payload.
type FetchScanblockResponse struct {
	Block []Cell
	More  bool
}

// CompactRequest names the range and, optionally, the specific access
// groups to compact; an empty AccessGroups compacts all of them.
type CompactRequest struct {
	Table  rstypes.TableIdentifier
	EndRow string
	AccessGroups []string
}

// Dispatcher translates the range server's wire command set into calls
// against a Server, the way storage/range.go's executeCmd multiplexes
// a Raft command batch by method name onto Range methods.
type Dispatcher struct {
	srv    *Server
	logger *zap.Logger
}

// NewDispatcher constructs a Dispatcher over srv.
func NewDispatcher(srv *Server, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{srv: srv, logger: logger}
}

// Update dispatches the update command.
func (d *Dispatcher) Update(req UpdateRequest) Response {
	resp, err := d.srv.Update(req)
	if err != nil {
		return ErrResponse(err)
	}
	return OKResponse(resp)
}

// CreateScanner dispatches create_scanner.
func (d *Dispatcher) CreateScanner(req CreateScannerRequest) Response {
	ti, ok := d.srv.tables.Get(req.Table.ID)
	if !ok {
		return ErrResponse(rserr.New(rserr.CodeTableNotFound, "table %d not loaded", req.Table.ID))
	}
	rng, ok := ti.GetRange(req.EndRow)
	if !ok {
		return ErrResponse(rserr.New(rserr.CodeRangeNotFound, "no range ending at %q", req.EndRow))
	}
	scanner, block, more, err := rng.CreateScanner(req.Spec)
	if err != nil {
		return ErrResponse(err)
	}
	var id uint32
	if more {
		id = d.srv.scanners.Put(scanner, rng)
	}
	d.srv.metrics.ScansActive.Set(float64(d.srv.scanners.Len()))
	return OKResponse(CreateScannerResponse{ScannerID: id, Block: block, More: more})
}

// FetchScanblock dispatches fetch_scanblock.
func (d *Dispatcher) FetchScanblock(req FetchScanblockRequest) Response {
	scanner, _, ok := d.srv.scanners.Get(req.ScannerID)
	if !ok {
		return ErrResponse(rserr.New(rserr.CodeInvalidScannerID, "no scanner with id %d", req.ScannerID))
	}
	block, more, err := scanner.FetchBlock()
	if !more {
		d.srv.scanners.Remove(req.ScannerID)
		d.srv.metrics.ScansActive.Set(float64(d.srv.scanners.Len()))
	}
	if err != nil {
		return ErrResponse(err)
	}
	return OKResponse(FetchScanblockResponse{Block: block, More: more})
}

// DestroyScanner dispatches destroy_scanner.
func (d *Dispatcher) DestroyScanner(scannerID uint32) Response {
	if scanner, _, ok := d.srv.scanners.Get(scannerID); ok {
		scanner.Destroy()
		d.srv.scanners.Remove(scannerID)
		d.srv.metrics.ScansActive.Set(float64(d.srv.scanners.Len()))
	}
	return OKResponse(nil)
}

// LoadRange dispatches load_range.
func (d *Dispatcher) LoadRange(req LoadRangeRequest) Response {
	if err := d.srv.LoadRange(req); err != nil {
		return ErrResponse(err)
	}
	return OKResponse(nil)
}

// DropRange dispatches drop_range.
func (d *Dispatcher) DropRange(tableID uint32, endRow string) Response {
	if err := d.srv.DropRange(tableID, endRow); err != nil {
		return ErrResponse(err)
	}
	return OKResponse(nil)
}

// DropTable dispatches drop_table.
func (d *Dispatcher) DropTable(tableID uint32) Response {
	if err := d.srv.DropTable(tableID); err != nil {
		return ErrResponse(err)
	}
	return OKResponse(nil)
}

// Compact dispatches compact: it claims the maintenance
// slot itself rather than waiting for the periodic tick, matching the
// operator-triggered semantics of a manual compaction request.
func (d *Dispatcher) Compact(req CompactRequest) Response {
	ti, ok := d.srv.tables.Get(req.Table.ID)
	if !ok {
		return ErrResponse(rserr.New(rserr.CodeTableNotFound, "table %d not loaded", req.Table.ID))
	}
	rng, ok := ti.GetRange(req.EndRow)
	if !ok {
		return ErrResponse(rserr.New(rserr.CodeRangeNotFound, "no range ending at %q", req.EndRow))
	}
	agNames := req.AccessGroups
	if len(agNames) == 0 {
		agNames = rng.AccessGroupNames()
	}
	if !rng.TestAndSetMaintenance() {
		return ErrResponse(rserr.New(rserr.CodeProtocolError, "range already has maintenance in progress"))
	}
	d.srv.maintenance.Add(NewCompactionTask(rng, agNames, d.logger))
	return OKResponse(nil)
}

// DumpStats and GetStatistics dispatch the two read-only statistics
// commands; both return the same Stats snapshot, and DumpStats also
// logs one line per loaded range (table, end row, disk usage, split and
// maintenance state).
func (d *Dispatcher) DumpStats() Response {
	for _, t := range d.srv.tables.Snapshot() {
		for _, rng := range t.Ranges() {
			pending, _, _, _, _ := rng.GetSplitInfo()
			d.logger.Info("range stats",
				zap.Uint32("table", rng.TableID()), zap.String("end_row", rng.Spec().EndRow),
				zap.Uint64("disk_used", rng.DiskUsage()), zap.Bool("split_pending", pending),
				zap.Bool("maintenance_in_progress", rng.maintenanceInProgress.Load()))
		}
	}
	return OKResponse(d.snapshotStats())
}

func (d *Dispatcher) GetStatistics() Response {
	return OKResponse(d.snapshotStats())
}

func (d *Dispatcher) snapshotStats() Stats {
	rangeCount := 0
	for _, t := range d.srv.tables.Snapshot() {
		rangeCount += len(t.Ranges())
	}
	return Stats{
		RangesLoaded:     rangeCount,
		ScansActive:      d.srv.scanners.Len(),
		MaintenanceQueue: d.srv.maintenance.Len(),
	}
}

// Status dispatches status: a lightweight liveness check distinct from
// the fuller statistics payload.
func (d *Dispatcher) Status() Response {
	return OKResponse("OK")
}

// Shutdown dispatches shutdown: it acknowledges the request first and
// runs the server's shutdown sequence in the background, logging any
// error that sequence returns.
func (d *Dispatcher) Shutdown() Response {
	go func() {
		if err := d.srv.Shutdown(); err != nil {
			d.logger.Error("shutdown failed", zap.Error(err))
		}
	}()
	return OKResponse(nil)
}

// ReplayBegin dispatches replay_begin.
func (d *Dispatcher) ReplayBegin() Response {
	return OKResponse(d.srv.ReplayBegin())
}

// ReplayLoadRange dispatches replay_load_range.
func (d *Dispatcher) ReplayLoadRange(token string, req LoadRangeRequest) Response {
	if err := d.srv.ReplayLoadRange(token, req); err != nil {
		return ErrResponse(err)
	}
	return OKResponse(nil)
}

// ReplayUpdate dispatches replay_update.
func (d *Dispatcher) ReplayUpdate(token string, req UpdateRequest) Response {
	if err := d.srv.ReplayUpdate(token, req); err != nil {
		return ErrResponse(err)
	}
	return OKResponse(nil)
}

// ReplayCommit dispatches replay_commit.
func (d *Dispatcher) ReplayCommit(token string) Response {
	if err := d.srv.ReplayCommit(token); err != nil {
		return ErrResponse(err)
	}
	return OKResponse(nil)
}
