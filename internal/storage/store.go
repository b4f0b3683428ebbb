package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("object not found")
)

// ObjectStore abstracts the blob storage shared by every pipeline stage.
// Implementations give at-least-once semantics per object and no
// cross-object transactions.
type ObjectStore interface {
	// List returns all objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Get reads the full object. Returns ErrNotFound if the key is missing.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the object, replacing any previous content.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes the object. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string) error

	// Copy duplicates srcKey to dstKey within the same store.
	Copy(ctx context.Context, dstKey, srcKey string) error

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// StorageConfig configures one storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3" | "memory"

	// Bucket name for gcs/s3, sub-directory of LocalDir for local.
	Bucket string `yaml:"bucket"`

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`

	// Common
	Prefix string `yaml:"prefix"` // path prefix within the bucket or local dir
}

// NewObjectStore creates a storage backend based on configuration.
func NewObjectStore(ctx context.Context, cfg StorageConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Bucket, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "memory":
		return NewMemoryStore(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// Move copies srcKey to dstKey and deletes the source once the copy succeeded.
func Move(ctx context.Context, s ObjectStore, dstKey, srcKey string) error {
	if err := s.Copy(ctx, dstKey, srcKey); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	if err := s.Delete(ctx, srcKey); err != nil {
		return fmt.Errorf("delete %s after copy: %w", srcKey, err)
	}
	return nil
}
