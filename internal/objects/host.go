// Package objects uploads binary payloads to the object host and derives
// their public retrieval URLs.
package objects

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
)

const defaultRawHost = "raw.githubusercontent.com"

// Host stores binary objects and exposes them under a stable URL.
type Host interface {
	Put(ctx context.Context, path string, content []byte, contentType, description string) (string, error)
	// Remove deletes the object; removing a missing object succeeds.
	Remove(ctx context.Context, path, description string) error
	URL(path string) string
	PathFromURL(rawURL string) (string, bool)
}

// RawURLBuilder derives https://<host>/<owner>/<repo>/<branch>/<path> URLs.
type RawURLBuilder struct {
	Host   string
	Owner  string
	Repo   string
	Branch string
}

func (b RawURLBuilder) base() string {
	host := strings.TrimSuffix(strings.TrimSpace(b.Host), "/")
	if host == "" {
		host = defaultRawHost
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return fmt.Sprintf("%s/%s/%s/%s/", host, b.Owner, b.Repo, b.Branch)
}

// URL returns the public URL of path.
func (b RawURLBuilder) URL(path string) string {
	return b.base() + escapePath(path)
}

// PathFromURL recovers the store path from a URL produced by URL.
func (b RawURLBuilder) PathFromURL(rawURL string) (string, bool) {
	return trimBase(b.base(), rawURL)
}

// StoreHost keeps objects in the same versioned file store as the metadata.
type StoreHost struct {
	store filestore.Store
	urls  RawURLBuilder
}

// NewStoreHost constructs a host on top of store.
func NewStoreHost(store filestore.Store, urls RawURLBuilder) *StoreHost {
	return &StoreHost{store: store, urls: urls}
}

// Put creates the object. Paths are unique per upload so the write always
// expects the path to be absent.
func (h *StoreHost) Put(ctx context.Context, path string, content []byte, _ string, description string) (string, error) {
	if _, err := h.store.Write(ctx, path, content, filestore.Absent, description); err != nil {
		return "", err
	}
	return h.urls.URL(path), nil
}

// Remove reads the current version token and deletes the object with it.
func (h *StoreHost) Remove(ctx context.Context, path, description string) error {
	file, err := h.store.Read(ctx, path)
	if errors.Is(err, filestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = h.store.Delete(ctx, path, file.Version, description)
	if errors.Is(err, filestore.ErrNotFound) {
		return nil
	}
	return err
}

// URL returns the public URL of path.
func (h *StoreHost) URL(path string) string {
	return h.urls.URL(path)
}

// PathFromURL recovers the store path from a URL produced by URL.
func (h *StoreHost) PathFromURL(rawURL string) (string, bool) {
	return h.urls.PathFromURL(rawURL)
}

func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func trimBase(base, rawURL string) (string, bool) {
	if !strings.HasPrefix(rawURL, base) {
		return "", false
	}
	escaped := strings.TrimPrefix(rawURL, base)
	unescaped, err := url.PathUnescape(escaped)
	if err != nil || unescaped == "" {
		return "", false
	}
	cleaned, err := filestore.CleanPath(unescaped)
	if err != nil {
		return "", false
	}
	return cleaned, true
}
