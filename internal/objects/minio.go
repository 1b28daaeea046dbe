package objects

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible bucket as the object host.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// MinioHost stores objects in an S3-compatible bucket.
type MinioHost struct {
	client *minio.Client
	bucket string
	base   string
}

// NewMinioHost constructs a host for cfg.Bucket.
func NewMinioHost(cfg MinioConfig) (*MinioHost, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("objects: minio endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("objects: minio bucket is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objects: create minio client: %w", err)
	}
	return newMinioHostWithClient(client, bucket, cfg.PublicURL), nil
}

func newMinioHostWithClient(client *minio.Client, bucket, publicURL string) *MinioHost {
	base := strings.TrimSuffix(strings.TrimSpace(publicURL), "/")
	if base == "" {
		base = strings.TrimSuffix(client.EndpointURL().String(), "/")
	}
	return &MinioHost{
		client: client,
		bucket: bucket,
		base:   fmt.Sprintf("%s/%s/", base, bucket),
	}
}

// Put uploads content under path.
func (h *MinioHost) Put(ctx context.Context, path string, content []byte, contentType, description string) (string, error) {
	_, err := h.client.PutObject(ctx, h.bucket, path, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"description": description},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	return h.URL(path), nil
}

// Remove stats the object first so a missing object is reported as success.
func (h *MinioHost) Remove(ctx context.Context, path, _ string) error {
	if _, err := h.client.StatObject(ctx, h.bucket, path, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := h.client.RemoveObject(ctx, h.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// URL returns the public URL of path.
func (h *MinioHost) URL(path string) string {
	return h.base + escapePath(path)
}

// PathFromURL recovers the object key from a URL produced by URL.
func (h *MinioHost) PathFromURL(rawURL string) (string, bool) {
	return trimBase(h.base, rawURL)
}
