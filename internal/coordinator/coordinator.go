// Package coordinator specifies the contract for the distributed
// coordination service: an exclusive file/attribute store used for the
// server's existence-file lock, the ROOT location attribute, and
// schema storage. Like package dfs, this is an external collaborator
// treated as a black box with a well-defined contract; Session's only
// production implementation lives outside this module, so tests and
// single-node runs use the in-memory fake below.
package coordinator

import (
	"github.com/cockroachdb/errors"
)

// Session is a held connection to the coordination service, valid for
// the lifetime of the server.
type Session interface {
	// LockExclusive acquires an exclusive lock on the existence file at
	// path, creating it if necessary, and holds it until Close. Returns
	// an error if the file is already locked by another session.
	LockExclusive(path string) error
	// SetAttr writes a named attribute on path (e.g. "Location" on
	// /hypertable/root).
	SetAttr(path, name string, value []byte) error
	// GetAttr reads a named attribute, returning (nil, false, nil) if
	// unset.
	GetAttr(path, name string) ([]byte, bool, error)
	// Exists reports whether path has been created in the coordinator's
	// namespace.
	Exists(path string) (bool, error)
	// Mkdirs creates path and any missing parents in the coordinator's
	// namespace.
	Mkdirs(path string) error
	// Close releases the session and any locks it holds.
	Close() error
}

// MemSession is an in-memory Session used by tests and single-node
// deployments without a real coordination service.
type MemSession struct {
	locked map[string]bool
	attrs  map[string]map[string][]byte
	dirs   map[string]bool
}

// NewMemSession returns an empty in-memory coordinator session.
func NewMemSession() *MemSession {
	return &MemSession{
		locked: map[string]bool{},
		attrs:  map[string]map[string][]byte{},
		dirs:   map[string]bool{},
	}
}

// LockExclusive implements Session.
func (s *MemSession) LockExclusive(path string) error {
	if s.locked[path] {
		return errors.Newf("coordinator: %q already locked", path)
	}
	s.locked[path] = true
	s.dirs[path] = true
	return nil
}

// SetAttr implements Session.
func (s *MemSession) SetAttr(path, name string, value []byte) error {
	m, ok := s.attrs[path]
	if !ok {
		m = map[string][]byte{}
		s.attrs[path] = m
	}
	m[name] = value
	return nil
}

// GetAttr implements Session.
func (s *MemSession) GetAttr(path, name string) ([]byte, bool, error) {
	m, ok := s.attrs[path]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[name]
	return v, ok, nil
}

// Exists implements Session.
func (s *MemSession) Exists(path string) (bool, error) {
	if s.dirs[path] {
		return true, nil
	}
	_, ok := s.attrs[path]
	return ok, nil
}

// Mkdirs implements Session.
func (s *MemSession) Mkdirs(path string) error {
	s.dirs[path] = true
	return nil
}

// Close implements Session.
func (s *MemSession) Close() error {
	s.locked = map[string]bool{}
	return nil
}
