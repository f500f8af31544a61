package livecache

import (
	"context"
	"sync"
	"time"
)

// keyLock is one advisory lock. The semaphore channel holds a token while
// the lock is taken; generations guard against a stale lease timer releasing
// a newer holder.
type keyLock struct {
	sem chan struct{}

	mu    sync.Mutex
	held  bool
	gen   uint64
	timer *time.Timer
}

// keyLockTable provides explicit, caller-acquired advisory locks layered
// above the internal stripe locks. Holding one only blocks other Lock
// callers for the same key; single-call operations keep flowing under the
// internal locking. Held locks expire after holdTTL so a crashed holder
// cannot deadlock everyone else.
type keyLockTable struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	holdTTL time.Duration
}

func newKeyLockTable(holdTTL time.Duration) *keyLockTable {
	return &keyLockTable{locks: make(map[string]*keyLock), holdTTL: holdTTL}
}

func (t *keyLockTable) get(key string) *keyLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	lk, ok := t.locks[key]
	if !ok {
		lk = &keyLock{sem: make(chan struct{}, 1)}
		t.locks[key] = lk
	}
	return lk
}

// lock acquires the advisory lock for key, waiting up to timeout. A zero
// timeout tries exactly once.
func (t *keyLockTable) lock(ctx context.Context, key string, timeout time.Duration) error {
	lk := t.get(key)

	if timeout <= 0 {
		select {
		case lk.sem <- struct{}{}:
		default:
			return ErrLockTimeout
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case lk.sem <- struct{}{}:
		case <-timer.C:
			return ErrLockTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	lk.mu.Lock()
	lk.held = true
	lk.gen++
	gen := lk.gen
	if t.holdTTL > 0 {
		lk.timer = time.AfterFunc(t.holdTTL, func() { lk.release(gen) })
	}
	lk.mu.Unlock()
	return nil
}

// unlock releases the advisory lock for key. Releasing an unheld lock is a
// no-op, mirroring the tolerant unlock of the internal locking layer.
func (t *keyLockTable) unlock(key string) {
	t.mu.Lock()
	lk, ok := t.locks[key]
	t.mu.Unlock()
	if !ok {
		return
	}
	lk.mu.Lock()
	gen := lk.gen
	lk.mu.Unlock()
	lk.release(gen)
}

func (lk *keyLock) release(gen uint64) {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if !lk.held || lk.gen != gen {
		return
	}
	lk.held = false
	if lk.timer != nil {
		lk.timer.Stop()
		lk.timer = nil
	}
	<-lk.sem
}
