// Package dfs specifies the distributed-filesystem contract the commit
// log and range load/drop paths depend on. The real distributed file
// system is an external collaborator with a well-defined contract
// only; this package is that contract plus an in-memory implementation
// used by tests and single-node deployments.
package dfs

import (
	"io"
)

// FS is an append-oriented filesystem: logs and access-group data files
// are written once, sequentially, and never modified in place.
type FS interface {
	// OpenAppend opens path for appending, creating it (and any missing
	// parent directories) if it does not exist.
	OpenAppend(path string) (io.WriteCloser, error)
	// Open opens path for sequential reading.
	Open(path string) (io.ReadCloser, error)
	// Rename moves src to dst atomically; used by CommitLog.LinkLog to
	// fold a foreign log's fragments in by move rather than rewrite.
	Rename(src, dst string) error
	// Remove deletes path. Removing a missing path is not an error.
	Remove(path string) error
	// Mkdirs creates path and any missing parents.
	Mkdirs(path string) error
	// Exists reports whether path is present.
	Exists(path string) (bool, error)
	// Readdir lists the entries directly under path.
	Readdir(path string) ([]string, error)
	// Length reports the current size of path.
	Length(path string) (int64, error)
}
