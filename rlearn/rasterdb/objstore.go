// Package rasterdb stores raster layers as compressed row chunks on a
// pluggable object store, implementing the raster storage contract of the
// rlearn package.
//
// A layer is one immutable data object holding its rows as consecutive
// compressed chunks, plus a small JSON header locating each chunk. Row
// reads fetch and decompress only the chunk holding the requested row, so
// windowed pipelines stay memory-bounded regardless of raster size.
package rasterdb

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Object store contract
// -----------------------------------------------------------------------------

// ObjectStore is the minimal blob interface rasterdb runs on. Backends
// target the local filesystem, process memory, or remote object storage.
type ObjectStore interface {
	// Put writes a new object. Writing over an existing path fails with
	// ErrExists; callers delete first to replace.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get opens an object for sequential reading.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// GetRange opens a byte range [offset, offset+length) of an object.
	GetRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)

	// Exists reports whether an object is present.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the object paths under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
}

// Error sentinel values for object store conditions.
var (
	// ErrNotFound indicates a requested object does not exist.
	ErrNotFound = errNotFound{}

	// ErrExists indicates an attempt to write over an existing object.
	ErrExists = errExists{}

	// ErrInvalidPath indicates a path that would escape the storage root.
	ErrInvalidPath = errInvalidPath{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "object not found" }

type errExists struct{}

func (errExists) Error() string { return "object already exists" }

type errInvalidPath struct{}

func (errInvalidPath) Error() string { return "invalid path: escapes storage root" }

// -----------------------------------------------------------------------------
// Filesystem backend
// -----------------------------------------------------------------------------

type fsObjects struct {
	root string
}

// NewFS creates a filesystem-backed ObjectStore rooted at the given
// directory. The directory must exist.
func NewFS(root string) (ObjectStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsObjects{root: root}, nil
}

var _ ObjectStore = (*fsObjects)(nil)

func (f *fsObjects) Put(_ context.Context, path string, r io.Reader) error {
	fullPath, err := f.safePath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return err
	}
	defer func() { _ = file.Close() }()

	_, err = io.Copy(file, r)
	return err
}

func (f *fsObjects) Get(_ context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

func (f *fsObjects) GetRange(_ context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	fullPath, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(file, offset, length),
		closer:        file,
	}, nil
}

func (f *fsObjects) Exists(_ context.Context, path string) (bool, error) {
	fullPath, err := f.safePath(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *fsObjects) List(_ context.Context, prefix string) ([]string, error) {
	searchPath := f.root
	if prefix != "" {
		cleaned := filepath.Clean(prefix)
		if cleaned != "." {
			if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
				return nil, ErrInvalidPath
			}
			searchPath = filepath.Join(f.root, cleaned)
		}
	}

	var paths []string
	err := filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			relPath, err := filepath.Rel(f.root, path)
			if err != nil {
				return err
			}
			paths = append(paths, filepath.ToSlash(relPath))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (f *fsObjects) Delete(_ context.Context, path string) error {
	fullPath, err := f.safePath(path)
	if err != nil {
		return err
	}
	err = os.Remove(fullPath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *fsObjects) safePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if cleaned == "." || path == "" {
		return "", ErrInvalidPath
	}
	if filepath.IsAbs(cleaned) {
		return "", ErrInvalidPath
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	fullPath := filepath.Join(f.root, cleaned)

	absRoot, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return fullPath, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error { return s.closer.Close() }

// -----------------------------------------------------------------------------
// Memory backend
// -----------------------------------------------------------------------------

type memObjects struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an in-memory ObjectStore, safe for concurrent use.
func NewMemory() ObjectStore {
	return &memObjects{data: make(map[string][]byte)}
}

var _ ObjectStore = (*memObjects)(nil)

func (m *memObjects) Put(_ context.Context, path string, r io.Reader) error {
	normalized, valid := normalizePath(path)
	if !valid {
		return ErrInvalidPath
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[normalized]; exists {
		return ErrExists
	}
	m.data[normalized] = data
	return nil
}

func (m *memObjects) Get(_ context.Context, path string) (io.ReadCloser, error) {
	normalized, valid := normalizePath(path)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[normalized]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return io.NopCloser(strings.NewReader(string(cp))), nil
}

func (m *memObjects) GetRange(_ context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	normalized, valid := normalizePath(path)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[normalized]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, io.ErrUnexpectedEOF
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	cp := make([]byte, end-offset)
	copy(cp, data[offset:end])
	return io.NopCloser(strings.NewReader(string(cp))), nil
}

func (m *memObjects) Exists(_ context.Context, path string) (bool, error) {
	normalized, valid := normalizePath(path)
	if !valid {
		return false, ErrInvalidPath
	}

	m.mu.RLock()
	_, exists := m.data[normalized]
	m.mu.RUnlock()
	return exists, nil
}

func (m *memObjects) List(_ context.Context, prefix string) ([]string, error) {
	normalized := prefix
	if prefix != "" {
		var valid bool
		normalized, valid = normalizePath(prefix)
		if !valid {
			return nil, ErrInvalidPath
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var paths []string
	for path := range m.data {
		if strings.HasPrefix(path, normalized) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *memObjects) Delete(_ context.Context, path string) error {
	normalized, valid := normalizePath(path)
	if !valid {
		return ErrInvalidPath
	}

	m.mu.Lock()
	delete(m.data, normalized)
	m.mu.Unlock()
	return nil
}

func normalizePath(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	cleaned := filepath.Clean(path)
	cleaned = filepath.ToSlash(cleaned)
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", false
	}
	return cleaned, true
}
