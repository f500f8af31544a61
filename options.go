package livecache

import (
	"time"

	"github.com/labstack/gommon/log"

	"github.com/adeilh/livecache/backend"
	"github.com/adeilh/livecache/codec"
)

const (
	// DefaultBucket is where keys live unless the caller names a bucket.
	DefaultBucket = "default"

	defaultCallbackTimeout = 2 * time.Second
	defaultLockHoldTTL     = 30 * time.Second
	defaultRebuildFraction = 0.5
	defaultWorkers         = 8
)

type config struct {
	store           backend.Store
	codec           codec.Codec
	defaultBucket   string
	defaultTTL      time.Duration
	callbackTimeout time.Duration
	lockHoldTTL     time.Duration
	rebuildFraction float64
	defaultLimits   BucketLimits
	buckets         map[string]BucketLimits
	runner          Runner
	logger          *log.Logger
	workers         int
	now             func() time.Time
	skipRecovery    bool
}

func defaultConfig() config {
	logger := log.New("livecache")
	logger.SetLevel(log.WARN)
	return config{
		defaultBucket:   DefaultBucket,
		callbackTimeout: defaultCallbackTimeout,
		lockHoldTTL:     defaultLockHoldTTL,
		rebuildFraction: defaultRebuildFraction,
		buckets:         make(map[string]BucketLimits),
		logger:          logger,
		workers:         defaultWorkers,
		now:             time.Now,
	}
}

// Option customizes cache construction.
type Option func(*config)

// WithBackend enables write-through/read-through persistence.
func WithBackend(store backend.Store) Option {
	return func(c *config) { c.store = store }
}

// WithCodec transforms values at the persistence boundary, e.g. sealing them
// with codec.NewSecretbox. In-memory values are not transformed.
func WithCodec(cdc codec.Codec) Option {
	return func(c *config) {
		if cdc != nil {
			c.codec = cdc
		}
	}
}

// WithDefaultBucket renames the bucket used by the short-form operations.
func WithDefaultBucket(name string) Option {
	return func(c *config) {
		if name != "" {
			c.defaultBucket = name
		}
	}
}

// WithDefaultTTL applies a TTL to writes that do not specify one. Zero keeps
// unspecified writes permanent.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithCallbackTimeout changes the time budget hooks get when their
// registration does not name one.
func WithCallbackTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.callbackTimeout = d
		}
	}
}

// WithLockHoldTTL bounds how long an advisory lock may be held before it is
// released automatically.
func WithLockHoldTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lockHoldTTL = d
		}
	}
}

// WithRebuildFraction tunes when the expiry heap is rebuilt: once stale pops
// exceed this fraction of the heap size. Must be in (0, 1].
func WithRebuildFraction(f float64) Option {
	return func(c *config) {
		if f > 0 && f <= 1 {
			c.rebuildFraction = f
		}
	}
}

// WithBucketLimits configures capacity limits and policy for one bucket.
func WithBucketLimits(name string, limits BucketLimits) Option {
	return func(c *config) {
		if name != "" {
			c.buckets[name] = limits
		}
	}
}

// WithDefaultLimits applies to buckets that were not configured explicitly.
func WithDefaultLimits(limits BucketLimits) Option {
	return func(c *config) { c.defaultLimits = limits }
}

// WithRunner swaps the isolated execution unit hooks run on.
func WithRunner(r Runner) Option {
	return func(c *config) {
		if r != nil {
			c.runner = r
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWorkers sizes the worker pool backing the task-based API.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithoutRecovery skips the backend sweep on construction.
func WithoutRecovery() Option {
	return func(c *config) { c.skipRecovery = true }
}
