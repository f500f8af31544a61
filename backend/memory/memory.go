// Package memory provides a process-local backend.Store. It is mostly useful
// for tests and for running the cache without persistence wiring.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adeilh/livecache/backend"
)

// Store keeps records in a mutex-guarded map keyed by bucket then key.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]backend.Record

	allowFallback bool
}

// Options configures the in-memory store.
type Options struct {
	// AllowFallback enables cross-bucket lookup through GetAny.
	AllowFallback bool
}

// NewStore builds an empty in-memory store.
func NewStore(opts Options) *Store {
	return &Store{
		buckets:       make(map[string]map[string]backend.Record),
		allowFallback: opts.AllowFallback,
	}
}

func (s *Store) Get(ctx context.Context, bucket, key string) (backend.Record, error) {
	if err := ctx.Err(); err != nil {
		return backend.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.buckets[bucket][key]
	if !ok {
		return backend.Record{}, backend.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, rec backend.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[rec.Bucket]
	if !ok {
		b = make(map[string]backend.Record)
		s.buckets[rec.Bucket] = b
	}
	rec.Value = append([]byte(nil), rec.Value...)
	b[rec.Key] = rec
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		delete(b, key)
		if len(b) == 0 {
			delete(s.buckets, bucket)
		}
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.buckets[bucket]
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// GetAny scans every bucket for key. It fails with backend.ErrNotFound unless
// fallback lookup was enabled at construction. Bucket iteration order is not
// defined, so precedence between duplicate keys is whichever bucket hits first.
func (s *Store) GetAny(ctx context.Context, key string) (backend.Record, error) {
	if err := ctx.Err(); err != nil {
		return backend.Record{}, err
	}
	if !s.allowFallback {
		return backend.Record{}, backend.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.buckets {
		if rec, ok := b[key]; ok {
			return rec, nil
		}
	}
	return backend.Record{}, backend.ErrNotFound
}

// ListExpired reports records whose deadline passed before the given instant.
func (s *Store) ListExpired(ctx context.Context, before time.Time) ([]backend.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []backend.Ref
	for name, b := range s.buckets {
		for k, rec := range b {
			if !rec.Deadline.IsZero() && rec.Deadline.Before(before) {
				refs = append(refs, backend.Ref{Bucket: name, Key: k})
			}
		}
	}
	return refs, nil
}
