package objects

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
)

var errMissingHost = errors.New("objects: host is required")

// Upload describes one object to store.
type Upload struct {
	Path        string
	Content     []byte
	Description string
}

// Stored is the result of a successful upload.
type Stored struct {
	Path        string
	URL         string
	ContentType string
}

// Uploader validates payloads and hands them to a Host.
type Uploader struct {
	host Host
}

// NewUploader constructs an Uploader.
func NewUploader(host Host) (*Uploader, error) {
	if host == nil {
		return nil, errMissingHost
	}
	return &Uploader{host: host}, nil
}

// Upload validates the payload and stores it. No host call is made for
// rejected payloads.
func (u *Uploader) Upload(ctx context.Context, upload Upload, policy Policy) (Stored, error) {
	contentType, err := policy.Check(upload.Content)
	if err != nil {
		return Stored{}, err
	}
	objectPath, err := filestore.CleanPath(upload.Path)
	if err != nil {
		return Stored{}, err
	}
	publicURL, err := u.host.Put(ctx, objectPath, upload.Content, contentType, strings.TrimSpace(upload.Description))
	if err != nil {
		return Stored{}, fmt.Errorf("upload %s: %w", objectPath, err)
	}
	return Stored{Path: objectPath, URL: publicURL, ContentType: contentType}, nil
}

// Remove deletes the object at path; a missing object is not an error.
func (u *Uploader) Remove(ctx context.Context, path, description string) error {
	if err := u.host.Remove(ctx, path, description); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// URL returns the public URL for path.
func (u *Uploader) URL(path string) string {
	return u.host.URL(path)
}

// PathFromURL recovers the object path from a URL issued by the host.
func (u *Uploader) PathFromURL(rawURL string) (string, bool) {
	return u.host.PathFromURL(rawURL)
}

// Within cleans objectPath and confirms it lives strictly under prefix.
func Within(objectPath, prefix string) (string, bool) {
	cleaned, err := filestore.CleanPath(objectPath)
	if err != nil {
		return "", false
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" || !strings.HasPrefix(cleaned, prefix+"/") {
		return "", false
	}
	return cleaned, true
}

// PathUnder recovers the object path of rawURL and confirms it lives under
// prefix. URLs from another host fall back to prefix plus the last URL
// segment, which is how older entries were laid out.
func (u *Uploader) PathUnder(rawURL, prefix string) (string, bool) {
	prefix = strings.Trim(prefix, "/")
	if objectPath, ok := u.host.PathFromURL(rawURL); ok {
		return Within(objectPath, prefix)
	}
	trimmed := strings.TrimRight(rawURL, "/")
	segment := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if query := strings.IndexAny(segment, "?#"); query >= 0 {
		segment = segment[:query]
	}
	unescaped, err := url.PathUnescape(segment)
	if err != nil || unescaped == "" || strings.Contains(unescaped, "/") || unescaped == ".." || unescaped == "." {
		return "", false
	}
	return prefix + "/" + unescaped, true
}
