package livecache

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/gommon/log"
)

// expiryMonitor owns the deadline heap exclusively. Other components never
// touch the heap directly; they hand deadlines over through schedule and the
// monitor goroutine reacts by shortening its wait. Popped nodes are validated
// against the entry table's version before any expiry fires, so a node made
// stale by a later put or touch is silently discarded.
type expiryMonitor struct {
	mu   sync.Mutex
	heap deadlineHeap

	// stalePops counts version-mismatch discards since the last rebuild.
	// Once they exceed rebuildFraction of the heap the whole heap is rebuilt
	// from live entries, bounding growth from repeated touch calls.
	stalePops       int
	rebuildFraction float64

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	force    atomic.Bool
	done     chan struct{}

	// expire performs the version-checked removal plus event dispatch and
	// reports whether the node was still live.
	expire func(bucket, key string, version uint64) bool
	live   func() []heapNode
	now    func() time.Time
	logger *log.Logger
}

func newExpiryMonitor(rebuildFraction float64, expire func(string, string, uint64) bool, live func() []heapNode, now func() time.Time, logger *log.Logger) *expiryMonitor {
	if rebuildFraction <= 0 || rebuildFraction > 1 {
		rebuildFraction = 0.5
	}
	return &expiryMonitor{
		rebuildFraction: rebuildFraction,
		wake:            make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
		expire:          expire,
		live:            live,
		now:             now,
		logger:          logger,
	}
}

func (m *expiryMonitor) start() {
	go m.run()
}

// schedule registers a deadline. If it precedes the heap minimum the monitor
// is signalled so it re-evaluates its wait immediately instead of sleeping
// through to the previously scheduled wake-up.
func (m *expiryMonitor) schedule(n heapNode) {
	if n.deadline.IsZero() {
		return
	}
	m.mu.Lock()
	earlier := m.heap.Len() == 0 || n.deadline.Before(m.heap[0].deadline)
	heap.Push(&m.heap, n)
	m.mu.Unlock()
	if earlier {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// stop ends the wait/fire loop. It is idempotent; with force set, nodes
// already popped are dropped without dispatching their expiry events.
func (m *expiryMonitor) stop(force bool) {
	if force {
		m.force.Store(true)
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

func (m *expiryMonitor) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.mu.Lock()
		if m.heap.Len() > 0 && !m.now().Before(m.heap[0].deadline) {
			due := m.popDueLocked()
			m.mu.Unlock()
			m.fire(due)
			m.maybeRebuild()
			continue
		}
		var timerC <-chan time.Time
		var timer *time.Timer
		if m.heap.Len() > 0 {
			timer = time.NewTimer(m.heap[0].deadline.Sub(m.now()))
			timerC = timer.C
		}
		m.mu.Unlock()

		select {
		case <-m.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-m.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

func (m *expiryMonitor) popDueLocked() []heapNode {
	now := m.now()
	var due []heapNode
	for m.heap.Len() > 0 && !now.Before(m.heap[0].deadline) {
		due = append(due, heap.Pop(&m.heap).(heapNode))
	}
	return due
}

func (m *expiryMonitor) fire(due []heapNode) {
	for _, n := range due {
		if m.force.Load() {
			return
		}
		if m.expire(n.bucket, n.key, n.version) {
			continue
		}
		m.mu.Lock()
		m.stalePops++
		m.mu.Unlock()
	}
}

// maybeRebuild reconstructs the heap from live entries once stale discards
// dominate, keeping the amortized pop cost bounded.
func (m *expiryMonitor) maybeRebuild() {
	m.mu.Lock()
	size := m.heap.Len()
	trigger := m.stalePops > 0 && float64(m.stalePops) > m.rebuildFraction*float64(size)
	m.mu.Unlock()
	if !trigger {
		return
	}

	// The table snapshot happens under m.mu so a schedule racing with the
	// rebuild cannot land a node in the heap that the snapshot misses.
	m.mu.Lock()
	m.heap = deadlineHeap(m.live())
	heap.Init(&m.heap)
	m.stalePops = 0
	rebuilt := m.heap.Len()
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Debugf("expiry heap rebuilt: %d -> %d nodes", size, rebuilt)
	}
}

// pending reports the heap size, for tests and stats.
func (m *expiryMonitor) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap.Len()
}
