package filestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps files in process memory. It backs local development and
// tests and records how many calls of each kind it served.
type MemoryStore struct {
	mu      sync.Mutex
	files   map[string]memoryFile
	reads   int
	writes  int
	deletes int
	faults  map[string]error
}

type memoryFile struct {
	content []byte
	version Version
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:  make(map[string]memoryFile),
		faults: make(map[string]error),
	}
}

// Read returns the file at path.
func (s *MemoryStore) Read(ctx context.Context, path string) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	cleaned, err := CleanPath(path)
	if err != nil {
		return File{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if fault := s.faults["read:"+cleaned]; fault != nil {
		return File{}, fault
	}
	stored, ok := s.files[cleaned]
	if !ok {
		return File{}, fmt.Errorf("read %s: %w", cleaned, ErrNotFound)
	}
	return File{
		Path:    cleaned,
		Content: append([]byte(nil), stored.content...),
		Version: stored.version,
	}, nil
}

// Write stores content at path when version matches the stored token.
func (s *MemoryStore) Write(ctx context.Context, path string, content []byte, version Version, _ string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Absent, err
	}
	cleaned, err := CleanPath(path)
	if err != nil {
		return Absent, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if fault := s.faults["write:"+cleaned]; fault != nil {
		return Absent, fault
	}
	current := Absent
	if stored, ok := s.files[cleaned]; ok {
		current = stored.version
	}
	if err := checkPrecondition(cleaned, current, version); err != nil {
		return Absent, err
	}
	next := ContentVersion(content)
	s.files[cleaned] = memoryFile{content: append([]byte(nil), content...), version: next}
	return next, nil
}

// Delete removes path when version matches the stored token.
func (s *MemoryStore) Delete(ctx context.Context, path string, version Version, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if fault := s.faults["delete:"+cleaned]; fault != nil {
		return fault
	}
	stored, ok := s.files[cleaned]
	if !ok {
		return fmt.Errorf("delete %s: %w", cleaned, ErrNotFound)
	}
	if err := checkPrecondition(cleaned, stored.version, version); err != nil {
		return err
	}
	delete(s.files, cleaned)
	return nil
}

// InjectFault makes every subsequent op ("read", "write" or "delete") on path
// fail with err until cleared with a nil err.
func (s *MemoryStore) InjectFault(op, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + ":" + path
	if err == nil {
		delete(s.faults, key)
		return
	}
	s.faults[key] = err
}

// Paths lists stored paths in lexical order.
func (s *MemoryStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.files))
	for stored := range s.files {
		paths = append(paths, stored)
	}
	sort.Strings(paths)
	return paths
}

// CallCounts reports the number of reads, writes and deletes served.
func (s *MemoryStore) CallCounts() (reads, writes, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.writes, s.deletes
}
