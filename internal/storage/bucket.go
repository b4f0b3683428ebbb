package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BucketStore implements ObjectStore on top of a gocloud blob bucket.
// The GCS, S3 and in-memory backends share it.
type BucketStore struct {
	bucket *blob.Bucket
	scheme string
	name   string
	prefix string
}

func newBucketStore(bucket *blob.Bucket, scheme, name, prefix string) *BucketStore {
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix)
	}
	return &BucketStore{
		bucket: bucket,
		scheme: scheme,
		name:   name,
		prefix: prefix,
	}
}

// List returns all objects with the given prefix.
func (s *BucketStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		out = append(out, ObjectInfo{
			Key:     obj.Key,
			Size:    obj.Size,
			ModTime: obj.ModTime,
		})
	}

	return out, nil
}

// Get reads an object fully.
func (s *BucketStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, wrapNotFound(key, err)
	}
	return data, nil
}

// Put writes an object.
func (s *BucketStore) Put(ctx context.Context, key string, data []byte) error {
	return s.write(ctx, key, bytes.NewReader(data))
}

// write streams src into key. A failed write is aborted so no partial
// object is committed.
func (s *BucketStore) write(ctx context.Context, key string, src io.Reader) error {
	wctx, abort := context.WithCancel(ctx)
	defer abort()

	w, err := s.bucket.NewWriter(wctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := io.Copy(w, src); err != nil {
		abort()
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// Delete removes an object.
func (s *BucketStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		return wrapNotFound(key, err)
	}
	return nil
}

// Copy duplicates an object within the bucket by streaming it through
// a reader and a writer.
func (s *BucketStore) Copy(ctx context.Context, dstKey, srcKey string) error {
	r, err := s.bucket.NewReader(ctx, srcKey, nil)
	if err != nil {
		return wrapNotFound(srcKey, err)
	}
	defer r.Close()

	return s.write(ctx, dstKey, r)
}

// Exists checks whether an object is present.
func (s *BucketStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// URI returns the canonical URI for the given key.
func (s *BucketStore) URI(key string) string {
	return fmt.Sprintf("%s://%s/%s%s", s.scheme, s.name, s.prefix, key)
}

// Close releases the bucket connection.
func (s *BucketStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func wrapNotFound(key string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", key, err)
}

// Verify BucketStore implements ObjectStore.
var _ ObjectStore = (*BucketStore)(nil)
