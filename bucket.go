package livecache

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Policy decides what happens when a write would push a bucket past its
// limits.
type Policy int

const (
	// RejectNew denies the write with ErrCapacity.
	RejectNew Policy = iota
	// EvictOldest removes the live key with the smallest creation time.
	EvictOldest
	// EvictRandom removes a uniformly chosen live key.
	EvictRandom
)

// BucketLimits configures one logical namespace partition. Zero MaxKeys or
// MaxBytes means unlimited.
type BucketLimits struct {
	MaxKeys  int
	MaxBytes int64
	Policy   Policy
	// AllowFallback permits reads in this bucket to fall through to the
	// persistence backend, including cross-bucket tolerant lookup when the
	// backend itself opts in.
	AllowFallback bool
}

type member struct {
	createdAt time.Time
	size      int64
}

type bucketState struct {
	limits  BucketLimits
	bytes   int64
	members map[string]member
}

// bucketSet tracks aggregate usage per bucket and answers admission checks
// before the entry table commits a write.
type bucketSet struct {
	mu       sync.Mutex
	defaults BucketLimits
	states   map[string]*bucketState
}

func newBucketSet(defaults BucketLimits, configured map[string]BucketLimits) *bucketSet {
	bs := &bucketSet{defaults: defaults, states: make(map[string]*bucketState)}
	for name, limits := range configured {
		bs.states[name] = &bucketState{limits: limits, members: make(map[string]member)}
	}
	return bs
}

func (bs *bucketSet) state(bucket string) *bucketState {
	st, ok := bs.states[bucket]
	if !ok {
		st = &bucketState{limits: bs.defaults, members: make(map[string]member)}
		bs.states[bucket] = st
	}
	return st
}

func (bs *bucketSet) limits(bucket string) BucketLimits {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.state(bucket).limits
}

// admit decides whether a write of size bytes for key may proceed. It
// returns a non-empty eviction candidate when the policy frees room by
// removing another key; the caller evicts it through the normal expiry path
// and asks again. ErrCapacity is returned under RejectNew (or when the
// bucket cannot fit the write at all).
func (bs *bucketSet) admit(bucket, key string, size int64) (string, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	st := bs.state(bucket)

	// A value larger than the whole bucket can never fit; no amount of
	// eviction helps.
	if st.limits.MaxBytes > 0 && size > st.limits.MaxBytes {
		return "", ErrCapacity
	}

	_, replacing := st.members[key]
	overKeys := !replacing && st.limits.MaxKeys > 0 && len(st.members) >= st.limits.MaxKeys

	newBytes := st.bytes + size
	if replacing {
		newBytes -= st.members[key].size
	}
	overBytes := st.limits.MaxBytes > 0 && newBytes > st.limits.MaxBytes

	if !overKeys && !overBytes {
		return "", nil
	}
	if st.limits.Policy == RejectNew {
		return "", ErrCapacity
	}
	candidate := st.victim(key)
	if candidate == "" {
		return "", ErrCapacity
	}
	return candidate, nil
}

// victim picks the eviction candidate according to the bucket policy,
// skipping the key being written. Must be called with bs.mu held.
func (st *bucketState) victim(skip string) string {
	switch st.limits.Policy {
	case EvictOldest:
		var oldest string
		var oldestAt time.Time
		for k, m := range st.members {
			if k == skip {
				continue
			}
			if oldest == "" || m.createdAt.Before(oldestAt) {
				oldest = k
				oldestAt = m.createdAt
			}
		}
		return oldest
	case EvictRandom:
		n := len(st.members)
		if _, ok := st.members[skip]; ok {
			n--
		}
		if n <= 0 {
			return ""
		}
		idx := rand.IntN(n)
		for k := range st.members {
			if k == skip {
				continue
			}
			if idx == 0 {
				return k
			}
			idx--
		}
	}
	return ""
}

// commit records a successful write.
func (bs *bucketSet) commit(bucket, key string, size int64, createdAt time.Time) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	st := bs.state(bucket)
	if prev, ok := st.members[key]; ok {
		st.bytes -= prev.size
	}
	st.members[key] = member{createdAt: createdAt, size: size}
	st.bytes += size
}

// forget records a removal, whatever its cause.
func (bs *bucketSet) forget(bucket, key string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	st, ok := bs.states[bucket]
	if !ok {
		return
	}
	if m, ok := st.members[key]; ok {
		st.bytes -= m.size
		delete(st.members, key)
	}
}

func (bs *bucketSet) keyCount(bucket string) int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	st, ok := bs.states[bucket]
	if !ok {
		return 0
	}
	return len(st.members)
}
