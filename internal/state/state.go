// Package state persists versioned JSON documents on the state bucket.
// Large documents (completed-slot and completed-file sets) are stored
// gzip-compressed under the same key with a ".gzip" suffix.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/withObsrvr/slot-indexer/internal/storage"
)

// Version is written into every document this package saves.
const Version = 1

// CompressedSuffix is appended to keys saved with SaveCompressed.
const CompressedSuffix = ".gzip"

var (
	// ErrNoState is returned when a document has never been saved.
	ErrNoState = errors.New("no state document")
)

// Store reads and writes JSON documents through an object store.
type Store struct {
	objects storage.ObjectStore
}

// New creates a state store on top of the given bucket.
func New(objects storage.ObjectStore) *Store {
	return &Store{objects: objects}
}

// Objects exposes the underlying bucket.
func (s *Store) Objects() storage.ObjectStore {
	return s.objects
}

// SaveJSON marshals v and writes it under key.
func (s *Store) SaveJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.objects.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// LoadJSON reads key into v. Returns ErrNoState when the key is missing.
func (s *Store) LoadJSON(ctx context.Context, key string, v any) error {
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoState
		}
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

// SaveCompressed writes v as gzip-compressed JSON under key+".gzip".
func (s *Store) SaveCompressed(ctx context.Context, key string, v any) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		zw.Close()
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", key, err)
	}
	if err := s.objects.Put(ctx, key+CompressedSuffix, buf.Bytes()); err != nil {
		return fmt.Errorf("save %s: %w", key+CompressedSuffix, err)
	}
	return nil
}

// LoadCompressed reads the document saved by SaveCompressed. If only an
// uncompressed document exists under key it is read instead.
func (s *Store) LoadCompressed(ctx context.Context, key string, v any) error {
	data, err := s.objects.Get(ctx, key+CompressedSuffix)
	if errors.Is(err, storage.ErrNotFound) {
		return s.LoadJSON(ctx, key, v)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key+CompressedSuffix, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip %s: %w", key+CompressedSuffix, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("decompress %s: %w", key+CompressedSuffix, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", key+CompressedSuffix, err)
	}
	return nil
}
