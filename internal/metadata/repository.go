// Package metadata implements the read-modify-write cycle over JSON
// collection documents held in a versioned file store.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
	"go.uber.org/zap"
)

var (
	// ErrEntryNotFound indicates no entry carries the requested key.
	ErrEntryNotFound = errors.New("metadata: entry not found")
	// ErrDuplicateKey indicates an insert would break key uniqueness.
	ErrDuplicateKey = errors.New("metadata: duplicate key")
	// ErrCorruptCollection indicates the stored document is not a JSON array of entries.
	ErrCorruptCollection = errors.New("metadata: corrupt collection document")

	errMissingStore = errors.New("metadata: store is required")
	errMissingPath  = errors.New("metadata: collection path is required")
	errMissingKey   = errors.New("metadata: key extractor is required")
)

// Snapshot is a collection as observed at one version.
type Snapshot[T any] struct {
	Entries []T
	Version filestore.Version
}

// Transform rewrites the loaded entries. Returning an error aborts the
// mutation before anything is written.
type Transform[T any] func(entries []T) ([]T, error)

// Config configures a Repository.
type Config[T any] struct {
	Store  filestore.Store
	Path   string
	Key    func(T) string
	Logger *zap.Logger
}

// Repository owns one collection document.
type Repository[T any] struct {
	store  filestore.Store
	path   string
	key    func(T) string
	logger *zap.Logger
}

// NewRepository validates cfg and constructs a Repository.
func NewRepository[T any](cfg Config[T]) (*Repository[T], error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	path, err := filestore.CleanPath(cfg.Path)
	if err != nil {
		return nil, errors.Join(errMissingPath, err)
	}
	if cfg.Key == nil {
		return nil, errMissingKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository[T]{
		store:  cfg.Store,
		path:   path,
		key:    cfg.Key,
		logger: logger,
	}, nil
}

// Path returns the collection document path.
func (r *Repository[T]) Path() string {
	return r.path
}

// Key returns the key of entry.
func (r *Repository[T]) Key(entry T) string {
	return r.key(entry)
}

// LoadAll reads the whole collection. A missing document is an empty
// collection at the Absent version.
func (r *Repository[T]) LoadAll(ctx context.Context) (Snapshot[T], error) {
	file, err := r.store.Read(ctx, r.path)
	if errors.Is(err, filestore.ErrNotFound) {
		return Snapshot[T]{Entries: []T{}, Version: filestore.Absent}, nil
	}
	if err != nil {
		return Snapshot[T]{}, fmt.Errorf("load %s: %w", r.path, err)
	}
	entries, err := decodeEntries[T](file.Content)
	if err != nil {
		r.logger.Error("collection document unreadable",
			zap.String("path", r.path),
			zap.String("version", file.Version.String()),
			zap.Error(err))
		return Snapshot[T]{}, fmt.Errorf("load %s: %w", r.path, err)
	}
	return Snapshot[T]{Entries: entries, Version: file.Version}, nil
}

// Mutate loads the collection, applies transform in memory and writes the
// result back with the version token of that same load. A stale token
// surfaces as filestore.ErrConflict; nothing is retried.
func (r *Repository[T]) Mutate(ctx context.Context, message string, transform Transform[T]) (Snapshot[T], error) {
	current, err := r.LoadAll(ctx)
	if err != nil {
		return Snapshot[T]{}, err
	}
	return r.Apply(ctx, current, message, transform)
}

// Apply writes transform(base.Entries) guarded by base.Version. Callers that
// hold an older snapshot get filestore.ErrConflict once someone else wrote.
// Write errors the store does not classify are wrapped in a
// *failure.UnconfirmedWriteError since the document may have changed anyway.
func (r *Repository[T]) Apply(ctx context.Context, base Snapshot[T], message string, transform Transform[T]) (Snapshot[T], error) {
	working := make([]T, len(base.Entries))
	copy(working, base.Entries)
	next, err := transform(working)
	if err != nil {
		return Snapshot[T]{}, err
	}
	if next == nil {
		next = []T{}
	}

	content, err := encodeEntries(next)
	if err != nil {
		return Snapshot[T]{}, fmt.Errorf("encode %s: %w", r.path, err)
	}
	version, err := r.store.Write(ctx, r.path, content, base.Version, message)
	if err != nil {
		if errors.Is(err, filestore.ErrConflict) {
			r.logger.Info("collection changed concurrently",
				zap.String("path", r.path),
				zap.String("version", base.Version.String()))
		}
		if !definiteWriteFailure(err) {
			err = &failure.UnconfirmedWriteError{Path: r.path, Err: err}
		}
		return Snapshot[T]{}, fmt.Errorf("write %s: %w", r.path, err)
	}
	return Snapshot[T]{Entries: next, Version: version}, nil
}

// Contains reloads the collection and reports whether an entry has key.
func (r *Repository[T]) Contains(ctx context.Context, key string) (bool, error) {
	snapshot, err := r.LoadAll(ctx)
	if err != nil {
		return false, err
	}
	_, found := r.Find(snapshot.Entries, key)
	return found, nil
}

// Find returns the entry with key from entries.
func (r *Repository[T]) Find(entries []T, key string) (T, bool) {
	for _, entry := range entries {
		if r.key(entry) == key {
			return entry, true
		}
	}
	var zero T
	return zero, false
}

// Prepend inserts entry at the front (newest first).
func (r *Repository[T]) Prepend(entry T) Transform[T] {
	return func(entries []T) ([]T, error) {
		if err := r.ensureUnique(entries, entry); err != nil {
			return nil, err
		}
		return append([]T{entry}, entries...), nil
	}
}

// Append inserts entry at the end.
func (r *Repository[T]) Append(entry T) Transform[T] {
	return func(entries []T) ([]T, error) {
		if err := r.ensureUnique(entries, entry); err != nil {
			return nil, err
		}
		return append(entries, entry), nil
	}
}

// RemoveByKey drops the single entry with key and stores it in removed.
func (r *Repository[T]) RemoveByKey(key string, removed *T) Transform[T] {
	return func(entries []T) ([]T, error) {
		for index, entry := range entries {
			if r.key(entry) != key {
				continue
			}
			if removed != nil {
				*removed = entry
			}
			return append(entries[:index:index], entries[index+1:]...), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
}

// UpdateByKey replaces the entry with key by update(entry). The key itself
// must not change.
func (r *Repository[T]) UpdateByKey(key string, update func(T) T) Transform[T] {
	return func(entries []T) ([]T, error) {
		for index, entry := range entries {
			if r.key(entry) != key {
				continue
			}
			updated := update(entry)
			if r.key(updated) != key {
				return nil, fmt.Errorf("metadata: update changed key %q to %q", key, r.key(updated))
			}
			entries[index] = updated
			return entries, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
}

func (r *Repository[T]) ensureUnique(entries []T, candidate T) error {
	key := r.key(candidate)
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("metadata: entry key is empty")
	}
	if _, exists := r.Find(entries, key); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	return nil
}

// definiteWriteFailure reports store errors that guarantee nothing was written.
func definiteWriteFailure(err error) bool {
	return errors.Is(err, filestore.ErrConflict) ||
		errors.Is(err, filestore.ErrPermissionDenied) ||
		errors.Is(err, filestore.ErrInvalidPath) ||
		errors.Is(err, filestore.ErrNotFound)
}

func decodeEntries[T any](content []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return []T{}, nil
	}
	var entries []T
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCollection, err)
	}
	if entries == nil {
		entries = []T{}
	}
	return entries, nil
}

// encodeEntries renders entries as indented UTF-8 JSON with a trailing
// newline. HTML escaping is disabled so titles keep their characters.
func encodeEntries[T any](entries []T) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(entries); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
