// Package backend defines the storage contract the cache persists through.
// A backend is consulted as a write-through/read-through layer; the in-memory
// entry table remains the source of truth for deadlines and versions.
package backend

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("backend: key not found")

// Record is one persisted cache entry. A zero Deadline means the entry never
// expires. Version mirrors the entry table's counter at write time.
type Record struct {
	Bucket   string
	Key      string
	Value    []byte
	Deadline time.Time
	Version  uint64
}

// Ref identifies a persisted entry without carrying its value.
type Ref struct {
	Bucket string
	Key    string
}

// Store is implemented by every storage medium (in-memory map, files, SQL,
// remote cache). Get returns ErrNotFound on a miss; Delete on an absent key
// is not an error.
type Store interface {
	Get(ctx context.Context, bucket, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, bucket, key string) error
	Keys(ctx context.Context, bucket string) ([]string, error)
}

// ExpiredLister is an optional capability used for recovery after restart:
// it reports entries whose deadline already passed.
type ExpiredLister interface {
	ListExpired(ctx context.Context, before time.Time) ([]Ref, error)
}

// FallbackReader is an optional capability for tolerant lookup: when a
// bucket-scoped Get misses, GetAny scans all buckets for the key. Backends
// must require explicit opt-in before exposing this; it is never implicit.
type FallbackReader interface {
	GetAny(ctx context.Context, key string) (Record, error)
}
