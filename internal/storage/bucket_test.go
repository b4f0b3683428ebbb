package storage

import (
	"context"
	"errors"
	"testing"
	"testing/iotest"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("")
	defer store.Close()

	if err := store.Put(ctx, "state/worker_0.json", []byte(`{"worker_id":0}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := store.Get(ctx, "state/worker_0.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"worker_id":0}` {
		t.Errorf("Get returned %q", got)
	}

	if _, err := store.Get(ctx, "state/worker_1.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreCopyMoveList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("")

	if err := store.Put(ctx, "processed_data/blocks_x.parquet.gzip", []byte("rows")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Copy(ctx, "copy/blocks_x.parquet.gzip", "processed_data/blocks_x.parquet.gzip"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if err := Move(ctx, store, "blocks/epoch=0/blocks_x.parquet.gzip", "processed_data/blocks_x.parquet.gzip"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}

	objs, err := store.List(ctx, "processed_data/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objs) != 0 {
		t.Errorf("expected processed_data/ to be empty after move, got %d", len(objs))
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List(\"\") returned %d objects, want 2", len(all))
	}

	if err := store.Copy(ctx, "x", "does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Copy missing source: got %v, want ErrNotFound", err)
	}
}

func TestBucketStoreURI(t *testing.T) {
	store := NewMemoryStore("indexer/")
	if got := store.URI("raw_data/a.json"); got != "mem://memory/indexer/raw_data/a.json" {
		t.Errorf("URI = %s", got)
	}
}

func TestNewObjectStoreUnknownBackend(t *testing.T) {
	if _, err := NewObjectStore(context.Background(), StorageConfig{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestBucketStoreAbortsFailedWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("")
	defer store.Close()

	boom := errors.New("source read failed")
	if err := store.write(ctx, "raw_data/partial.json", iotest.ErrReader(boom)); !errors.Is(err, boom) {
		t.Fatalf("write: got %v, want %v", err, boom)
	}
	ok, err := store.Exists(ctx, "raw_data/partial.json")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("failed write left an object behind")
	}
}
