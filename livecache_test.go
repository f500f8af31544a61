package livecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adeilh/livecache/backend"
	"github.com/adeilh/livecache/backend/file"
	"github.com/adeilh/livecache/backend/memory"
	"github.com/adeilh/livecache/codec"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Stop(false) })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSetGetDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "greeting", []byte("hello"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := c.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Get() = %q, want %q", got, "hello")
	}

	if err := c.Delete(ctx, "greeting"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := c.Get(ctx, "greeting"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := c.Delete(ctx, "greeting"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() of absent key error = %v, want ErrNotFound", err)
	}
}

func TestGetEmptyValueIsNotAbsent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "empty", nil, 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := c.Get(ctx, "empty"); err != nil {
		t.Fatalf("Get() of stored empty value error = %v, want nil", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var expired atomic.Int32
	c.RegisterCallback(EventExpire, func(ctx context.Context, ev Event) error {
		expired.Add(1)
		return nil
	})

	if err := c.Set(ctx, "s", []byte("v"), 100*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Get(ctx, "s")
	if err != nil {
		t.Fatalf("Get() before expiry error = %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get() = %q, want %q", got, "v")
	}

	waitFor(t, time.Second, func() bool { return expired.Load() == 1 })

	if _, err := c.Get(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after expiry error = %v, want ErrNotFound", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := expired.Load(); n != 1 {
		t.Fatalf("expire hook fired %d times, want exactly 1", n)
	}
}

func TestGetIsAbsentPastDeadlineBeforeSweep(t *testing.T) {
	// Even before the monitor removed the entry, reads past the deadline
	// must report absence.
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := newTestCache(t, WithClock(clock))
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() past deadline error = %v, want ErrNotFound", err)
	}
}

func TestTouchSupersedesEarlierDeadline(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var fired atomic.Int32
	var firedAt atomic.Value
	c.RegisterCallback(EventExpire, func(ctx context.Context, ev Event) error {
		fired.Add(1)
		firedAt.Store(time.Now())
		return nil
	})

	start := time.Now()
	if err := c.Set(ctx, "k", []byte("v"), 60*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.Touch(ctx, "k", 250*time.Millisecond); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return fired.Load() > 0 })
	time.Sleep(100 * time.Millisecond)

	if n := fired.Load(); n != 1 {
		t.Fatalf("expire fired %d times after repeated Touch, want exactly 1", n)
	}
	if at := firedAt.Load().(time.Time); at.Sub(start) < 250*time.Millisecond {
		t.Fatalf("expiry fired %v after set, want at the final deadline (>=250ms)", at.Sub(start))
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after final expiry error = %v, want ErrNotFound", err)
	}
}

func TestTouchAbsentKey(t *testing.T) {
	c := newTestCache(t)
	if err := c.Touch(context.Background(), "nope", time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Stop(false)
	c.Stop(false)
	c.Stop(true)

	if err := c.Set(context.Background(), "k", []byte("v"), 0); !errors.Is(err, ErrStopped) {
		t.Fatalf("Set() after Stop error = %v, want ErrStopped", err)
	}
}

func TestNoExpiryAfterStop(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var fired atomic.Int32
	c.RegisterCallback(EventExpire, func(ctx context.Context, ev Event) error {
		fired.Add(1)
		return nil
	})
	if err := c.Set(context.Background(), "k", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	c.Stop(false)
	time.Sleep(150 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("expire fired %d times after Stop, want 0", n)
	}
}

func TestAccessEventScenario(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var accessed, expired atomic.Int32
	c.RegisterCallback(EventAccess, func(ctx context.Context, ev Event) error {
		accessed.Add(1)
		return nil
	})
	c.RegisterCallback(EventExpire, func(ctx context.Context, ev Event) error {
		expired.Add(1)
		return nil
	})

	if err := c.Set(ctx, "s", []byte("v"), 150*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := c.Get(ctx, "s"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n := accessed.Load(); n != 1 {
		t.Fatalf("access hook fired %d times, want 1", n)
	}

	waitFor(t, time.Second, func() bool { return expired.Load() == 1 })
	if _, err := c.Get(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after expiry error = %v, want ErrNotFound", err)
	}
	if n := accessed.Load(); n != 1 {
		t.Fatalf("access hook fired %d times after miss, want still 1", n)
	}
}

func TestDeleteEvent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var got atomic.Value
	c.RegisterCallback(EventDelete, func(ctx context.Context, ev Event) error {
		got.Store(string(ev.Value))
		return nil
	})
	if err := c.Set(ctx, "k", []byte("payload"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if v, _ := got.Load().(string); v != "payload" {
		t.Fatalf("delete hook saw value %q, want %q", v, "payload")
	}
}

func TestRejectNewPolicy(t *testing.T) {
	c := newTestCache(t, WithBucketLimits("small", BucketLimits{MaxKeys: 2, Policy: RejectNew}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.SetIn(ctx, "small", fmt.Sprintf("k%d", i), []byte("v"), 0); err != nil {
			t.Fatalf("SetIn(k%d) error = %v", i, err)
		}
	}
	if err := c.SetIn(ctx, "small", "k2", []byte("v"), 0); !errors.Is(err, ErrCapacity) {
		t.Fatalf("SetIn() over limit error = %v, want ErrCapacity", err)
	}
	// Existing entries are untouched, and replacing one still works.
	if !c.ExistsIn("small", "k0") || !c.ExistsIn("small", "k1") {
		t.Fatal("existing entries disturbed by rejected write")
	}
	if err := c.SetIn(ctx, "small", "k1", []byte("v2"), 0); err != nil {
		t.Fatalf("SetIn() replacing existing key error = %v", err)
	}
}

func TestEvictOldestPolicy(t *testing.T) {
	c := newTestCache(t, WithBucketLimits("small", BucketLimits{MaxKeys: 2, Policy: EvictOldest}))
	ctx := context.Background()

	var evicted atomic.Value
	c.RegisterCallback(EventExpire, func(ctx context.Context, ev Event) error {
		evicted.Store(ev.Key)
		return nil
	})

	if err := c.SetIn(ctx, "small", "oldest", []byte("v"), 0); err != nil {
		t.Fatalf("SetIn() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := c.SetIn(ctx, "small", "middle", []byte("v"), 0); err != nil {
		t.Fatalf("SetIn() error = %v", err)
	}
	if err := c.SetIn(ctx, "small", "newest", []byte("v"), 0); err != nil {
		t.Fatalf("SetIn() over limit error = %v", err)
	}

	if got, _ := evicted.Load().(string); got != "oldest" {
		t.Fatalf("evicted key = %q, want %q", got, "oldest")
	}
	if c.ExistsIn("small", "oldest") {
		t.Fatal("oldest key still present after eviction")
	}
	if !c.ExistsIn("small", "middle") || !c.ExistsIn("small", "newest") {
		t.Fatal("surviving keys missing after eviction")
	}
}

func TestEvictRandomPolicy(t *testing.T) {
	c := newTestCache(t, WithBucketLimits("small", BucketLimits{MaxKeys: 3, Policy: EvictRandom}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.SetIn(ctx, "small", fmt.Sprintf("k%d", i), []byte("v"), 0); err != nil {
			t.Fatalf("SetIn() error = %v", err)
		}
	}
	if err := c.SetIn(ctx, "small", "k3", []byte("v"), 0); err != nil {
		t.Fatalf("SetIn() over limit error = %v", err)
	}
	if got := len(c.Keys("small")); got != 3 {
		t.Fatalf("bucket holds %d keys after random eviction, want 3", got)
	}
	if !c.ExistsIn("small", "k3") {
		t.Fatal("newly written key was evicted instead of an existing one")
	}
}

func TestConcurrentDistinctKeys(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			val := []byte(key)
			if err := c.Set(ctx, key, val, time.Minute); err != nil {
				errCh <- fmt.Errorf("set %s: %w", key, err)
				return
			}
			got, err := c.Get(ctx, key)
			if err != nil {
				errCh <- fmt.Errorf("get %s: %w", key, err)
				return
			}
			if !bytes.Equal(got, val) {
				errCh <- fmt.Errorf("get %s = %q", key, got)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	if got := len(c.Keys(DefaultBucket)); got != n {
		t.Fatalf("table holds %d keys, want %d", got, n)
	}
}

func TestConcurrentSameKeyLastWriterWins(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Set(ctx, "hot", []byte(fmt.Sprintf("w%d", i)), 0)
		}(i)
	}
	wg.Wait()

	// The surviving value must be the one committed with the highest
	// version, i.e. the last write in per-key lock order.
	got, err := c.Get(ctx, "hot")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	res, err := c.table.fetch(ctx, DefaultBucket, "hot", false)
	if err != nil {
		t.Fatalf("fetch() error = %v", err)
	}
	if !bytes.Equal(got, res.value) {
		t.Fatalf("Get() = %q disagrees with table %q", got, res.value)
	}
	if res.version == 0 {
		t.Fatal("winning entry has no version")
	}
}

// failingStore wraps a real store and fails writes on demand.
type failingStore struct {
	backend.Store
	failPut    atomic.Bool
	failDelete atomic.Bool
}

var errInjected = errors.New("injected backend failure")

func (f *failingStore) Put(ctx context.Context, rec backend.Record) error {
	if f.failPut.Load() {
		return errInjected
	}
	return f.Store.Put(ctx, rec)
}

func (f *failingStore) Delete(ctx context.Context, bucket, key string) error {
	if f.failDelete.Load() {
		return errInjected
	}
	return f.Store.Delete(ctx, bucket, key)
}

func TestWriteThroughRollback(t *testing.T) {
	store := &failingStore{Store: memory.NewStore(memory.Options{})}
	c := newTestCache(t, WithBackend(store))
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	store.failPut.Store(true)
	err := c.Set(ctx, "k", []byte("v2"), 0)
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Set() with failing backend error = %v, want ErrBackend", err)
	}
	if !errors.Is(err, errInjected) {
		t.Fatalf("Set() error %v does not wrap the backend cause", err)
	}
	store.failPut.Store(false)

	// The in-memory mutation was rolled back.
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Get() after rollback = %q, want %q", got, "v1")
	}
}

func TestDeleteRollback(t *testing.T) {
	store := &failingStore{Store: memory.NewStore(memory.Options{})}
	c := newTestCache(t, WithBackend(store))
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	store.failDelete.Store(true)
	if err := c.Delete(ctx, "k"); !errors.Is(err, ErrBackend) {
		t.Fatalf("Delete() with failing backend error = %v, want ErrBackend", err)
	}
	store.failDelete.Store(false)
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get() after failed delete error = %v, want entry restored", err)
	}
}

func TestEvictionRollbackKeepsBucketAccounting(t *testing.T) {
	store := &failingStore{Store: memory.NewStore(memory.Options{})}
	c := newTestCache(t,
		WithBackend(store),
		WithBucketLimits("b", BucketLimits{MaxKeys: 1, Policy: EvictOldest}),
	)
	ctx := context.Background()

	if err := c.SetIn(ctx, "b", "k1", []byte("v"), 0); err != nil {
		t.Fatalf("SetIn() error = %v", err)
	}

	// Evicting k1 fails at the backend; the entry rolls back and must still
	// count against the bucket limit.
	store.failDelete.Store(true)
	if err := c.SetIn(ctx, "b", "k2", []byte("v"), 0); !errors.Is(err, ErrBackend) {
		t.Fatalf("SetIn() with failing eviction error = %v, want ErrBackend", err)
	}
	store.failDelete.Store(false)

	if err := c.SetIn(ctx, "b", "k2", []byte("v"), 0); err != nil {
		t.Fatalf("SetIn() retry error = %v", err)
	}
	if c.ExistsIn("b", "k1") {
		t.Fatal("victim survived the retried eviction")
	}
	if got := len(c.Keys("b")); got != 1 {
		t.Fatalf("bucket holds %d live keys, want 1", got)
	}
}

func TestTolerantLookupRehome(t *testing.T) {
	store := memory.NewStore(memory.Options{AllowFallback: true})
	ctx := context.Background()
	seed := backend.Record{Bucket: "other", Key: "wandering", Value: []byte("v")}
	if err := store.Put(ctx, seed); err != nil {
		t.Fatalf("seed Put() error = %v", err)
	}

	c := newTestCache(t,
		WithBackend(store),
		WithoutRecovery(),
		WithDefaultLimits(BucketLimits{AllowFallback: true}),
	)

	v, err := c.GetIn(ctx, "wanted", "wandering")
	if err != nil {
		t.Fatalf("GetIn() error = %v", err)
	}
	if !v.Rehome || v.Bucket != "other" {
		t.Fatalf("GetIn() = %+v, want Rehome=true Bucket=other", v)
	}
	// Never silently merged into the requested bucket.
	if c.ExistsIn("wanted", "wandering") {
		t.Fatal("cross-bucket hit was merged into the requested bucket")
	}
}

func TestFallbackReadsDoNotShareBuffers(t *testing.T) {
	store := memory.NewStore(memory.Options{})
	ctx := context.Background()
	if err := store.Put(ctx, backend.Record{Bucket: DefaultBucket, Key: "k", Value: []byte("pristine")}); err != nil {
		t.Fatalf("seed Put() error = %v", err)
	}

	c := newTestCache(t,
		WithBackend(store),
		WithoutRecovery(),
		WithDefaultLimits(BucketLimits{AllowFallback: true}),
	)

	first, err := c.GetIn(ctx, DefaultBucket, "k")
	if err != nil {
		t.Fatalf("GetIn() error = %v", err)
	}
	first.Data[0] = 'X'

	second, err := c.GetIn(ctx, DefaultBucket, "k")
	if err != nil {
		t.Fatalf("GetIn() error = %v", err)
	}
	if string(second.Data) != "pristine" {
		t.Fatalf("second read = %q, want %q; a caller's mutation leaked", second.Data, "pristine")
	}
}

func TestFallbackDisabledByBucketPolicy(t *testing.T) {
	store := memory.NewStore(memory.Options{AllowFallback: true})
	ctx := context.Background()
	if err := store.Put(ctx, backend.Record{Bucket: DefaultBucket, Key: "k", Value: []byte("v")}); err != nil {
		t.Fatalf("seed Put() error = %v", err)
	}

	c := newTestCache(t, WithBackend(store), WithoutRecovery())
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() without fallback policy error = %v, want ErrNotFound", err)
	}
}

func TestSealedFilePersistenceSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	ctx := context.Background()

	newStore := func() backend.Store {
		store, err := file.NewStore(file.Options{Root: root})
		if err != nil {
			t.Fatalf("file.NewStore() error = %v", err)
		}
		return store
	}

	first, err := New(WithBackend(newStore()), WithCodec(codec.NewSecretbox(key)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	plaintext := []byte("do not write me to disk in the clear")
	if err := first.Set(ctx, "secret", plaintext, time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	first.Stop(false)

	// On-disk records hold only sealed bytes.
	rec, err := newStore().Get(ctx, DefaultBucket, "secret")
	if err != nil {
		t.Fatalf("backend Get() error = %v", err)
	}
	if bytes.Contains(rec.Value, plaintext) {
		t.Fatal("persisted record contains the plaintext")
	}

	// A fresh cache over the same directory recovers and opens the value.
	second := newTestCache(t, WithBackend(newStore()), WithCodec(codec.NewSecretbox(key)))
	got, err := second.Get(ctx, "secret")
	if err != nil {
		t.Fatalf("Get() after restart error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Get() after restart = %q, want %q", got, plaintext)
	}
}

func TestKeyScopedCallback(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var scoped atomic.Int32
	c.RegisterCallback(EventSet, func(ctx context.Context, ev Event) error {
		scoped.Add(1)
		return nil
	}, ForKey("watched"))

	if err := c.Set(ctx, "other", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Set(ctx, "watched", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if n := scoped.Load(); n != 1 {
		t.Fatalf("key-scoped hook fired %d times, want 1", n)
	}
}

func TestLockAutoReleaseUnblocksWaiter(t *testing.T) {
	c := newTestCache(t, WithLockHoldTTL(50*time.Millisecond))
	ctx := context.Background()

	if err := c.Lock(ctx, "k", 0); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	// The holder never unlocks; the lease must free the waiter.
	if err := c.Lock(ctx, "k", time.Second); err != nil {
		t.Fatalf("waiting Lock() error = %v, want lease release", err)
	}
	c.Unlock("k")
}

func TestRecoveryFromBackend(t *testing.T) {
	store := memory.NewStore(memory.Options{})
	ctx := context.Background()

	live := backend.Record{Bucket: DefaultBucket, Key: "alive", Value: []byte("v"), Deadline: time.Now().Add(time.Minute)}
	dead := backend.Record{Bucket: DefaultBucket, Key: "dead", Value: []byte("v"), Deadline: time.Now().Add(-time.Minute)}
	for _, rec := range []backend.Record{live, dead} {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("seed Put() error = %v", err)
		}
	}

	c := newTestCache(t, WithBackend(store))

	if !c.Exists("alive") {
		t.Fatal("live backend row not adopted on construction")
	}
	if c.Exists("dead") {
		t.Fatal("expired backend row adopted on construction")
	}
	if _, err := store.Get(ctx, DefaultBucket, "dead"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expired row still in backend after recovery sweep: %v", err)
	}
}
