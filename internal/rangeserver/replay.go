package rangeserver

import (
	"github.com/google/uuid"

	"github.com/cockroachdb/rangeserver/internal/rserr"
	"github.com/cockroachdb/rangeserver/internal/rskey"
)

// replaySession holds one in-progress commit log replay: a private
// table map isolated from the live one until ReplayCommit folds it in.
// Keying replay state by a per-session token (rather than assuming one
// replay in flight per tier) resolves the ambiguity of which log a
// replay_commit targets when a failed range server's logs are being
// recovered onto a new host concurrently with this server's own
// traffic.
type replaySession struct {
	tables *TableInfoMap
}

// ReplayBegin starts a new replay session and returns its token, to be
// passed to every subsequent replay_load_range/replay_update/
// replay_commit call for this log recovery.
func (s *Server) ReplayBegin() string {
	token := uuid.NewString()
	s.replayMu.Lock()
	if s.replaySessions == nil {
		s.replaySessions = map[string]*replaySession{}
	}
	s.replaySessions[token] = &replaySession{tables: NewTableInfoMap()}
	s.replayMu.Unlock()
	return token
}

func (s *Server) replaySessionFor(token string) (*replaySession, error) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	sess, ok := s.replaySessions[token]
	if !ok {
		return nil, rserr.New(rserr.CodeProtocolError, "unknown replay session %q", token)
	}
	return sess, nil
}

// ReplayLoadRange opens req's range into the replay session's private
// table map, never touching the live map.
func (s *Server) ReplayLoadRange(token string, req LoadRangeRequest) error {
	sess, err := s.replaySessionFor(token)
	if err != nil {
		return err
	}
	ti, _ := sess.tables.GetOrCreate(req.Table.ID, req.Table.Name, &Schema{
		Generation:   req.SchemaGen,
		AccessGroups: req.AccessGroups,
	})
	rng, err := NewRange(req.Table.ID, req.Spec, req.SchemaGen, req.SizeLimit, s.cfg.TablesDir, req.Table.Name, req.AccessGroups, req.IsRoot, s.logger)
	if err != nil {
		return err
	}
	if err := ti.AddRange(rng); err != nil {
		rng.Close()
		return err
	}
	return nil
}

// ReplayUpdate re-applies an already-committed update buffer into the
// replay session's ranges. Unlike the foreground Update pipeline,
// replayed cells already carry their final stamped revision and skip
// classification, clock-skew and revision-order checks entirely —
// replay exists to reconstruct state exactly as it was, not to
// re-validate it.
func (s *Server) ReplayUpdate(token string, req UpdateRequest) error {
	sess, err := s.replaySessionFor(token)
	if err != nil {
		return err
	}
	ti, ok := sess.tables.Get(req.Table.ID)
	if !ok {
		return rserr.New(rserr.CodeTableNotFound, "replay: table %d not loaded in this session", req.Table.ID)
	}
	for _, cell := range req.Cells {
		rng, ok := ti.FindRange(cell.Key.Row)
		if !ok {
			continue
		}
		raw := rskey.Encode(nil, cell.Key)
		if err := rng.Add(DefaultAccessGroup, raw, cell.Value); err != nil {
			return err
		}
		rng.BumpLatestRevision(cell.Key.Revision)
	}
	return nil
}

// ReplayCommit folds the session's replayed ranges into the live table
// map and discards the session.
func (s *Server) ReplayCommit(token string) error {
	sess, err := s.replaySessionFor(token)
	if err != nil {
		return err
	}
	if err := s.tables.Merge(sess.tables); err != nil {
		return err
	}
	s.replayMu.Lock()
	delete(s.replaySessions, token)
	s.replayMu.Unlock()
	return nil
}
