package livecache

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/adeilh/livecache/backend"
	"github.com/adeilh/livecache/codec"
)

const numStripes = 64

// tableEntry is the authoritative record for one key. The heap only ever
// holds (deadline, key, version) references to it; a zero deadline means the
// entry never expires.
type tableEntry struct {
	value     []byte
	bucket    string
	key       string
	createdAt time.Time
	deadline  time.Time
	version   uint64
}

func (e *tableEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

type stripe struct {
	mu      sync.RWMutex
	entries map[string]*tableEntry
}

// entryTable maps composite bucket/key names to entries under striped
// locking, so writes to unrelated keys never serialize. When a backend is
// configured every mutation writes through before it commits; a backend
// failure rolls the in-memory change back.
type entryTable struct {
	stripes  [numStripes]stripe
	versions atomic.Uint64

	store backend.Store // nil disables persistence
	codec codec.Codec
	loads singleflight.Group
	now   func() time.Time
}

func newEntryTable(store backend.Store, cdc codec.Codec, now func() time.Time) *entryTable {
	t := &entryTable{store: store, codec: cdc, now: now}
	if t.codec == nil {
		t.codec = codec.Noop{}
	}
	for i := range t.stripes {
		t.stripes[i].entries = make(map[string]*tableEntry)
	}
	return t
}

func compositeKey(bucket, key string) string {
	return bucket + "\x00" + key
}

func (t *entryTable) stripeFor(name string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &t.stripes[h.Sum32()%numStripes]
}

func (t *entryTable) writeThrough(ctx context.Context, e *tableEntry) error {
	if t.store == nil {
		return nil
	}
	sealed, err := t.codec.Seal(e.value)
	if err != nil {
		return backendErr("seal", err)
	}
	rec := backend.Record{
		Bucket:   e.bucket,
		Key:      e.key,
		Value:    sealed,
		Deadline: e.deadline,
		Version:  e.version,
	}
	if err := t.store.Put(ctx, rec); err != nil {
		return backendErr("put", err)
	}
	return nil
}

// put stores value under bucket/key and returns the new entry. Concurrent
// puts on the same key serialize on the stripe lock; the later writer wins
// the higher version.
func (t *entryTable) put(ctx context.Context, bucket, key string, value []byte, deadline time.Time) (tableEntry, error) {
	name := compositeKey(bucket, key)
	s := t.stripeFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.entries[name]
	next := &tableEntry{
		value:     append([]byte(nil), value...),
		bucket:    bucket,
		key:       key,
		createdAt: t.now(),
		deadline:  deadline,
		version:   t.versions.Add(1),
	}
	s.entries[name] = next
	if err := t.writeThrough(ctx, next); err != nil {
		if prev != nil {
			s.entries[name] = prev
		} else {
			delete(s.entries, name)
		}
		return tableEntry{}, err
	}
	return *next, nil
}

// adopt inserts a recovered backend record without writing through.
func (t *entryTable) adopt(rec backend.Record) (tableEntry, error) {
	value, err := t.codec.Open(rec.Value)
	if err != nil {
		return tableEntry{}, backendErr("open", err)
	}
	name := compositeKey(rec.Bucket, rec.Key)
	s := t.stripeFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &tableEntry{
		value:     value,
		bucket:    rec.Bucket,
		key:       rec.Key,
		createdAt: t.now(),
		deadline:  rec.Deadline,
		version:   t.versions.Add(1),
	}
	s.entries[name] = e
	return *e, nil
}

// fetchResult is what a read produces. Bucket is where the value actually
// lives; Rehome is set when a tolerant backend lookup found the key under a
// different bucket than requested, so the caller can re-home it explicitly.
type fetchResult struct {
	value   []byte
	bucket  string
	rehome  bool
	version uint64
}

// fetch reads bucket/key, treating entries past their deadline as absent
// even before the monitor has swept them. On a local miss with persistence
// enabled (and the bucket policy allowing it) the backend is consulted;
// concurrent backend loads for one key are collapsed via singleflight.
func (t *entryTable) fetch(ctx context.Context, bucket, key string, allowFallback bool) (fetchResult, error) {
	name := compositeKey(bucket, key)
	s := t.stripeFor(name)
	s.mu.RLock()
	e, ok := s.entries[name]
	if ok && !e.expired(t.now()) {
		res := fetchResult{
			value:   append([]byte(nil), e.value...),
			bucket:  e.bucket,
			version: e.version,
		}
		s.mu.RUnlock()
		return res, nil
	}
	s.mu.RUnlock()

	if t.store == nil || !allowFallback {
		return fetchResult{}, ErrNotFound
	}
	return t.loadFromBackend(ctx, bucket, key)
}

func (t *entryTable) loadFromBackend(ctx context.Context, bucket, key string) (fetchResult, error) {
	v, err, _ := t.loads.Do(compositeKey(bucket, key), func() (any, error) {
		rec, err := t.store.Get(ctx, bucket, key)
		if errors.Is(err, backend.ErrNotFound) {
			fb, ok := t.store.(backend.FallbackReader)
			if !ok {
				return nil, ErrNotFound
			}
			rec, err = fb.GetAny(ctx, key)
			if errors.Is(err, backend.ErrNotFound) {
				return nil, ErrNotFound
			}
		}
		if err != nil {
			return nil, backendErr("get", err)
		}
		if !rec.Deadline.IsZero() && !t.now().Before(rec.Deadline) {
			return nil, ErrNotFound
		}
		value, err := t.codec.Open(rec.Value)
		if err != nil {
			return nil, backendErr("open", err)
		}
		return fetchResult{value: value, bucket: rec.Bucket, rehome: rec.Bucket != bucket}, nil
	})
	if err != nil {
		return fetchResult{}, err
	}
	// The Do result is shared between collapsed callers; each gets its own
	// copy of the value so mutations cannot leak across them.
	res := v.(fetchResult)
	res.value = append([]byte(nil), res.value...)
	return res, nil
}

// remove deletes bucket/key. The backend delete happens inside the critical
// section; on failure the entry is restored and ErrBackend surfaces.
func (t *entryTable) remove(ctx context.Context, bucket, key string) (tableEntry, bool, error) {
	name := compositeKey(bucket, key)
	s := t.stripeFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return tableEntry{}, false, nil
	}
	delete(s.entries, name)
	if t.store != nil {
		if err := t.store.Delete(ctx, bucket, key); err != nil {
			s.entries[name] = e
			return tableEntry{}, false, backendErr("delete", err)
		}
	}
	return *e, true, nil
}

// removeIfVersion deletes bucket/key only when its version still matches.
// This is the tombstone check the monitor relies on: a stale heap node never
// removes an entry that was rewritten after the node was pushed. The backend
// delete is best-effort here; expiry progress must not stall on it.
func (t *entryTable) removeIfVersion(ctx context.Context, bucket, key string, version uint64) (tableEntry, bool, error) {
	name := compositeKey(bucket, key)
	s := t.stripeFor(name)
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || e.version != version {
		s.mu.Unlock()
		return tableEntry{}, false, nil
	}
	delete(s.entries, name)
	s.mu.Unlock()

	if t.store != nil {
		if err := t.store.Delete(ctx, bucket, key); err != nil {
			return *e, true, backendErr("delete", err)
		}
	}
	return *e, true, nil
}

// touch replaces the deadline of an existing entry, bumping its version so
// heap nodes for the previous deadline become stale.
func (t *entryTable) touch(ctx context.Context, bucket, key string, deadline time.Time) (tableEntry, error) {
	name := compositeKey(bucket, key)
	s := t.stripeFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[name]
	if !ok || prev.expired(t.now()) {
		return tableEntry{}, ErrNotFound
	}
	next := &tableEntry{
		value:     prev.value,
		bucket:    prev.bucket,
		key:       prev.key,
		createdAt: prev.createdAt,
		deadline:  deadline,
		version:   t.versions.Add(1),
	}
	s.entries[name] = next
	if err := t.writeThrough(ctx, next); err != nil {
		s.entries[name] = prev
		return tableEntry{}, err
	}
	return *next, nil
}

// version reports the current version of bucket/key.
func (t *entryTable) version(bucket, key string) (uint64, bool) {
	name := compositeKey(bucket, key)
	s := t.stripeFor(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return 0, false
	}
	return e.version, true
}

// exists reports whether bucket/key holds a live entry.
func (t *entryTable) exists(bucket, key string) bool {
	name := compositeKey(bucket, key)
	s := t.stripeFor(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return ok && !e.expired(t.now())
}

// keys lists the live keys of one bucket.
func (t *entryTable) keys(bucket string) []string {
	now := t.now()
	var keys []string
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.RLock()
		for _, e := range s.entries {
			if e.bucket == bucket && !e.expired(now) {
				keys = append(keys, e.key)
			}
		}
		s.mu.RUnlock()
	}
	return keys
}

// liveNodes snapshots every entry that carries a deadline, for heap rebuild.
func (t *entryTable) liveNodes() []heapNode {
	var nodes []heapNode
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.RLock()
		for _, e := range s.entries {
			if !e.deadline.IsZero() {
				nodes = append(nodes, heapNode{
					deadline: e.deadline,
					bucket:   e.bucket,
					key:      e.key,
					version:  e.version,
				})
			}
		}
		s.mu.RUnlock()
	}
	return nodes
}
