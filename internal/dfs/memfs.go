package dfs

import (
	"bytes"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemFS is an in-memory FS used by tests and by single-node deployments
// that don't have a real distributed filesystem wired up.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*bytes.Buffer
}

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{files: map[string]*bytes.Buffer{}}
}

type memWriter struct {
	fs   *MemFS
	path string
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	buf := w.fs.files[w.path]
	if buf == nil {
		buf = &bytes.Buffer{}
		w.fs.files[w.path] = buf
	}
	return buf.Write(p)
}

func (w *memWriter) Close() error { return nil }

// OpenAppend implements FS.
func (fs *MemFS) OpenAppend(p string) (io.WriteCloser, error) {
	fs.mu.Lock()
	if fs.files[p] == nil {
		fs.files[p] = &bytes.Buffer{}
	}
	fs.mu.Unlock()
	return &memWriter{fs: fs, path: p}, nil
}

// Open implements FS.
func (fs *MemFS) Open(p string) (io.ReadCloser, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	buf, ok := fs.files[p]
	if !ok {
		return nil, errors.Newf("dfs: no such file %q", p)
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

// Rename implements FS.
func (fs *MemFS) Rename(src, dst string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	buf, ok := fs.files[src]
	if !ok {
		return errors.Newf("dfs: no such file %q", src)
	}
	fs.files[dst] = buf
	delete(fs.files, src)
	return nil
}

// Remove implements FS.
func (fs *MemFS) Remove(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.files, p)
	return nil
}

// Mkdirs implements FS. The in-memory filesystem has no directory
// entries, so this is a no-op.
func (fs *MemFS) Mkdirs(p string) error {
	return nil
}

// Exists implements FS.
func (fs *MemFS) Exists(p string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.files[p]
	return ok, nil
}

// Readdir implements FS, returning the direct children of p.
func (fs *MemFS) Readdir(p string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prefix := strings.TrimSuffix(p, "/") + "/"
	seen := map[string]bool{}
	var out []string
	for name := range fs.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		child := strings.SplitN(rest, "/", 2)[0]
		if !seen[child] {
			seen[child] = true
			out = append(out, path.Join(p, child))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Length implements FS.
func (fs *MemFS) Length(p string) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	buf, ok := fs.files[p]
	if !ok {
		return 0, errors.Newf("dfs: no such file %q", p)
	}
	return int64(buf.Len()), nil
}
