// Package livecache is a TTL-governed key-value cache. Every entry may carry
// an expiry deadline; expiration is driven proactively by a background
// monitor over a deadline min-heap rather than lazily on lookup. User hooks
// fire on set, access, delete, and expire events inside isolated execution
// units, and storage can write through to a pluggable backend (memory,
// files, SQL, Redis).
package livecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/adeilh/livecache/backend"
)

// Cache is the blocking facade over the entry table, expiry monitor,
// dispatcher, bucket policies, and advisory locks. All methods are safe for
// concurrent use; operations on distinct keys never serialize on each other.
type Cache struct {
	cfg      config
	table    *entryTable
	buckets  *bucketSet
	monitor  *expiryMonitor
	dispatch *dispatcher
	locks    *keyLockTable
	logger   *log.Logger

	stopped  atomic.Bool
	stopOnce sync.Once

	asyncOnce sync.Once
	async     *Async
}

// Value is the result of a bucket-scoped read. Bucket names where the value
// actually lives; Rehome is set when a tolerant backend lookup found the key
// under a different bucket than requested, leaving any re-homing to the
// caller.
type Value struct {
	Data   []byte
	Bucket string
	Rehome bool
}

// New builds and starts a cache. With a persistence backend configured the
// constructor first sweeps rows that expired while the process was down and
// re-adopts live rows from configured buckets, then starts the expiry
// monitor.
func New(opts ...Option) (*Cache, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	c := &Cache{
		cfg:      cfg,
		table:    newEntryTable(cfg.store, cfg.codec, cfg.now),
		buckets:  newBucketSet(cfg.defaultLimits, cfg.buckets),
		dispatch: newDispatcher(cfg.runner, cfg.callbackTimeout, cfg.logger),
		locks:    newKeyLockTable(cfg.lockHoldTTL),
		logger:   cfg.logger,
	}
	c.monitor = newExpiryMonitor(cfg.rebuildFraction, c.expireEntry, c.table.liveNodes, cfg.now, cfg.logger)

	if cfg.store != nil && !cfg.skipRecovery {
		if err := c.recoverFromBackend(context.Background()); err != nil {
			return nil, err
		}
	}
	c.monitor.start()
	return c, nil
}

// recoverFromBackend deletes rows that expired while the cache was down
// (without firing expire events for them) and re-adopts live rows from the
// default and configured buckets, rescheduling their deadlines.
func (c *Cache) recoverFromBackend(ctx context.Context) error {
	store := c.cfg.store
	if lister, ok := store.(backend.ExpiredLister); ok {
		refs, err := lister.ListExpired(ctx, c.cfg.now())
		if err != nil {
			return backendErr("list expired", err)
		}
		for _, ref := range refs {
			if err := store.Delete(ctx, ref.Bucket, ref.Key); err != nil {
				c.logger.Warnf("recovery: drop expired %s/%s: %v", ref.Bucket, ref.Key, err)
			}
		}
	}

	names := []string{c.cfg.defaultBucket}
	for name := range c.cfg.buckets {
		if name != c.cfg.defaultBucket {
			names = append(names, name)
		}
	}
	for _, bucket := range names {
		keys, err := store.Keys(ctx, bucket)
		if err != nil {
			return backendErr("keys", err)
		}
		for _, key := range keys {
			rec, err := store.Get(ctx, bucket, key)
			if err != nil {
				if errors.Is(err, backend.ErrNotFound) {
					continue
				}
				return backendErr("get", err)
			}
			if !rec.Deadline.IsZero() && !c.cfg.now().Before(rec.Deadline) {
				continue
			}
			ent, err := c.table.adopt(rec)
			if err != nil {
				c.logger.Warnf("recovery: skip %s/%s: %v", bucket, key, err)
				continue
			}
			c.buckets.commit(bucket, key, int64(len(ent.value)), ent.createdAt)
			c.monitor.schedule(heapNode{deadline: ent.deadline, bucket: bucket, key: key, version: ent.version})
		}
	}
	return nil
}

func (c *Cache) ready(ctx context.Context) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	return ctx.Err()
}

func (c *Cache) deadlineFor(ttl time.Duration) time.Time {
	if ttl == 0 {
		ttl = c.cfg.defaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return c.cfg.now().Add(ttl)
}

// Set stores value under key in the default bucket. A zero ttl falls back to
// the configured default TTL; a negative ttl stores the value permanently.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.SetIn(ctx, c.cfg.defaultBucket, key, value, ttl)
}

// SetIn stores value under bucket/key. The bucket's capacity policy is
// consulted first: under an eviction policy a victim is expelled through the
// same expire-event path as natural TTL expiry before the write commits.
func (c *Cache) SetIn(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	if err := c.ready(ctx); err != nil {
		return err
	}

	var hookErr error
	for range 1 + c.buckets.keyCount(bucket) {
		victim, err := c.buckets.admit(bucket, key, int64(len(value)))
		if err != nil {
			return err
		}
		if victim == "" {
			break
		}
		if err := c.expel(ctx, bucket, victim); err != nil {
			if !errors.Is(err, ErrSandboxTimeout) {
				return err
			}
			if hookErr == nil {
				hookErr = err
			}
		}
	}

	deadline := c.deadlineFor(ttl)
	ent, err := c.table.put(ctx, bucket, key, value, deadline)
	if err != nil {
		return err
	}
	c.buckets.commit(bucket, key, int64(len(value)), ent.createdAt)
	if !deadline.IsZero() {
		c.monitor.schedule(heapNode{deadline: deadline, bucket: bucket, key: key, version: ent.version})
	}

	if err := c.dispatch.dispatch(ctx, Event{Kind: EventSet, Bucket: bucket, Key: key, Value: value}); err != nil {
		return err
	}
	return hookErr
}

// expel removes a policy victim through the uniform expiry path. The bucket
// set is only updated once the removal committed; a failed backend delete
// rolls the entry back, so accounting must keep counting it.
func (c *Cache) expel(ctx context.Context, bucket, key string) error {
	ent, ok, err := c.table.remove(ctx, bucket, key)
	if err != nil {
		return err
	}
	c.buckets.forget(bucket, key)
	if !ok {
		return nil
	}
	return c.dispatch.dispatch(ctx, Event{Kind: EventExpire, Bucket: bucket, Key: key, Value: ent.value})
}

// expireEntry is the monitor's firing hook. It reports false for stale heap
// nodes so the monitor can account for them.
func (c *Cache) expireEntry(bucket, key string, version uint64) bool {
	ctx := context.Background()
	ent, ok, err := c.table.removeIfVersion(ctx, bucket, key, version)
	if err != nil {
		c.logger.Warnf("expiry of %s/%s: %v", bucket, key, err)
	}
	if !ok {
		return false
	}
	c.buckets.forget(bucket, key)
	if err := c.dispatch.dispatch(ctx, Event{Kind: EventExpire, Bucket: bucket, Key: key, Value: ent.value}); err != nil {
		c.logger.Warnf("expire hooks for %s/%s: %v", bucket, key, err)
	}
	return true
}

// Get reads key from the default bucket.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := c.GetIn(ctx, c.cfg.defaultBucket, key)
	return v.Data, err
}

// GetIn reads bucket/key. An absent or expired key yields ErrNotFound and is
// never conflated with a stored empty value. A hit fires access hooks; their
// sandbox timeout, if any, is returned alongside the value.
func (c *Cache) GetIn(ctx context.Context, bucket, key string) (Value, error) {
	if err := c.ready(ctx); err != nil {
		return Value{}, err
	}
	limits := c.buckets.limits(bucket)
	res, err := c.table.fetch(ctx, bucket, key, limits.AllowFallback)
	if err != nil {
		return Value{}, err
	}
	v := Value{Data: res.value, Bucket: res.bucket, Rehome: res.rehome}
	if err := c.dispatch.dispatch(ctx, Event{Kind: EventAccess, Bucket: bucket, Key: key, Value: res.value}); err != nil {
		return v, err
	}
	return v, nil
}

// Delete removes key from the default bucket.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.DeleteIn(ctx, c.cfg.defaultBucket, key)
}

// DeleteIn removes bucket/key, firing delete hooks on success.
func (c *Cache) DeleteIn(ctx context.Context, bucket, key string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	ent, ok, err := c.table.remove(ctx, bucket, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	c.buckets.forget(bucket, key)
	return c.dispatch.dispatch(ctx, Event{Kind: EventDelete, Bucket: bucket, Key: key, Value: ent.value})
}

// Touch replaces the TTL of key in the default bucket.
func (c *Cache) Touch(ctx context.Context, key string, ttl time.Duration) error {
	return c.TouchIn(ctx, c.cfg.defaultBucket, key, ttl)
}

// TouchIn replaces the TTL of bucket/key. The previous deadline's heap node
// is left behind as a tombstone; the version bump makes it stale, so the key
// expires only at the newest deadline.
func (c *Cache) TouchIn(ctx context.Context, bucket, key string, ttl time.Duration) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	deadline := c.deadlineFor(ttl)
	ent, err := c.table.touch(ctx, bucket, key, deadline)
	if err != nil {
		return err
	}
	if !deadline.IsZero() {
		c.monitor.schedule(heapNode{deadline: deadline, bucket: bucket, key: key, version: ent.version})
	}
	return nil
}

// Exists reports whether key holds a live entry in the default bucket.
func (c *Cache) Exists(key string) bool {
	return c.table.exists(c.cfg.defaultBucket, key)
}

// ExistsIn reports whether bucket/key holds a live entry.
func (c *Cache) ExistsIn(bucket, key string) bool {
	return c.table.exists(bucket, key)
}

// Keys lists the live keys of bucket.
func (c *Cache) Keys(bucket string) []string {
	return c.table.keys(bucket)
}

// CallbackOption customizes a hook registration.
type CallbackOption func(*callbackConfig)

type callbackConfig struct {
	key     string
	timeout time.Duration
	async   bool
}

// ForKey scopes the hook to a single key instead of all keys.
func ForKey(key string) CallbackOption {
	return func(c *callbackConfig) { c.key = key }
}

// WithHookTimeout overrides the hook's time budget.
func WithHookTimeout(d time.Duration) CallbackOption {
	return func(c *callbackConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// RunAsync marks the hook asynchronous: dispatch launches it on its own
// execution unit and does not hold the triggering operation for it.
func RunAsync() CallbackOption {
	return func(c *callbackConfig) { c.async = true }
}

// RegisterCallback registers a hook for the given event kind and returns its
// id. Hooks apply to every key unless scoped with ForKey.
func (c *Cache) RegisterCallback(kind EventKind, fn Handler, opts ...CallbackOption) string {
	var cfg callbackConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return c.dispatch.register(kind, cfg.key, fn, cfg.timeout, cfg.async)
}

// UnregisterCallback removes a hook registration.
func (c *Cache) UnregisterCallback(id string) bool {
	return c.dispatch.unregister(id)
}

// SetCallbackEnabled toggles a registration without removing it. Dispatch in
// flight is unaffected: it iterates the snapshot it took at event time.
func (c *Cache) SetCallbackEnabled(id string, enabled bool) bool {
	return c.dispatch.setEnabled(id, enabled)
}

// Lock acquires the advisory lock for key, waiting up to timeout. It only
// contends with other Lock callers; single-call operations proceed under the
// internal per-key locking regardless.
func (c *Cache) Lock(ctx context.Context, key string, timeout time.Duration) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.locks.lock(ctx, key, timeout)
}

// Unlock releases the advisory lock for key.
func (c *Cache) Unlock(key string) {
	c.locks.unlock(key)
}

// Stop halts the expiry monitor and waits for in-flight hook dispatch to
// drain; with force it abandons hooks instead. Stop is idempotent and
// subsequent operations fail with ErrStopped.
func (c *Cache) Stop(force bool) {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.monitor.stop(force)
		c.asyncOnce.Do(func() {}) // no async view can be created from here on
		if c.async != nil {
			c.async.close()
		}
		if !force {
			c.dispatch.drain()
		}
	})
}
