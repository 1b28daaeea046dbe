package filestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "classbook:file:"
	redisFieldContent  = "content"
	redisFieldVersion  = "version"
	redisFieldMessage  = "message"
)

// RedisStore keeps each file in a Redis hash and enforces version tokens with
// WATCH/MULTI. Version tokens are content hashes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at redisURL.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("filestore: parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("filestore: connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ""), nil
}

// NewRedisStoreWithClient wraps an existing client. An empty prefix selects the default.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(path string) string {
	return s.prefix + path
}

// Read returns the file at path.
func (s *RedisStore) Read(ctx context.Context, path string) (File, error) {
	cleaned, err := CleanPath(path)
	if err != nil {
		return File{}, err
	}
	values, err := s.client.HMGet(ctx, s.key(cleaned), redisFieldContent, redisFieldVersion).Result()
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", cleaned, err)
	}
	content, hasContent := values[0].(string)
	version, hasVersion := values[1].(string)
	if !hasContent || !hasVersion {
		return File{}, fmt.Errorf("read %s: %w", cleaned, ErrNotFound)
	}
	return File{Path: cleaned, Content: []byte(content), Version: Version(version)}, nil
}

// Write stores content at path when version matches the stored token.
func (s *RedisStore) Write(ctx context.Context, path string, content []byte, version Version, message string) (Version, error) {
	cleaned, err := CleanPath(path)
	if err != nil {
		return Absent, err
	}
	key := s.key(cleaned)
	next := ContentVersion(content)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.watchedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := checkPrecondition(cleaned, current, version); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				redisFieldContent, content,
				redisFieldVersion, next.String(),
				redisFieldMessage, commitMessage(message, "update", cleaned))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return Absent, translateRedisError("write", cleaned, version, err)
	}
	return next, nil
}

// Delete removes path when version matches the stored token.
func (s *RedisStore) Delete(ctx context.Context, path string, version Version, _ string) error {
	cleaned, err := CleanPath(path)
	if err != nil {
		return err
	}
	key := s.key(cleaned)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.watchedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.IsAbsent() {
			return ErrNotFound
		}
		if err := checkPrecondition(cleaned, current, version); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return translateRedisError("delete", cleaned, version, err)
	}
	return nil
}

func (s *RedisStore) watchedVersion(ctx context.Context, tx *redis.Tx, key string) (Version, error) {
	current, err := tx.HGet(ctx, key, redisFieldVersion).Result()
	if errors.Is(err, redis.Nil) {
		return Absent, nil
	}
	if err != nil {
		return Absent, err
	}
	return Version(current), nil
}

func translateRedisError(operation, path string, expected Version, err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%s %s: %w", operation, path, &ConflictError{Path: path, Expected: expected})
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	return fmt.Errorf("%s %s: %w", operation, path, err)
}
