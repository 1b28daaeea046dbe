// Package filestore provides clients for versioned file hosts. Every read
// returns an opaque version token and every write or delete must present the
// token of the content it replaces.
package filestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/zeebo/blake3"
)

// Version identifies the exact content last observed at a path.
type Version string

// Absent is the version token used when creating a path that does not exist.
const Absent Version = ""

// String returns the raw token.
func (v Version) String() string {
	return string(v)
}

// IsAbsent reports whether the token denotes a missing file.
func (v Version) IsAbsent() bool {
	return v == Absent
}

var (
	// ErrNotFound indicates the path (or, for writes, its parent) does not exist.
	ErrNotFound = errors.New("filestore: not found")
	// ErrConflict indicates the supplied version token is stale.
	ErrConflict = errors.New("filestore: version conflict")
	// ErrPermissionDenied indicates the store rejected the credential.
	ErrPermissionDenied = errors.New("filestore: permission denied")
	// ErrInvalidPath indicates a path that escapes the store root or is empty.
	ErrInvalidPath = errors.New("filestore: invalid path")
)

// ConflictError describes a rejected write.
type ConflictError struct {
	Path     string
	Expected Version
	Current  Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("filestore: version conflict at %s (expected %q, current %q)", e.Path, e.Expected, e.Current)
}

// Is makes ConflictError match ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// File is the content and version token read from a path.
type File struct {
	Path    string
	Content []byte
	Version Version
}

// Store is a versioned file host.
type Store interface {
	Read(ctx context.Context, path string) (File, error)
	Write(ctx context.Context, path string, content []byte, version Version, message string) (Version, error)
	Delete(ctx context.Context, path string, version Version, message string) error
}

// CleanPath normalizes a store path and rejects paths outside the root.
func CleanPath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
		}
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	return cleaned, nil
}

// ContentVersion derives a content-hash token for drivers without a native one.
func ContentVersion(content []byte) Version {
	sum := blake3.Sum256(content)
	return Version(hex.EncodeToString(sum[:]))
}

// checkPrecondition applies the shared token rules for a write against the
// currently stored version (Absent when the path does not exist).
func checkPrecondition(path string, current, expected Version) error {
	if current != expected {
		return &ConflictError{Path: path, Expected: expected, Current: current}
	}
	return nil
}
