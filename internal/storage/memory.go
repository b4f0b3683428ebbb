package storage

import (
	"gocloud.dev/blob/memblob"
)

// NewMemoryStore returns a process-local store. Used by tests and dry runs.
func NewMemoryStore(prefix string) *BucketStore {
	return newBucketStore(memblob.OpenBucket(nil), "mem", "memory", prefix)
}
