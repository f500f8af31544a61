package livecache

import "time"

// heapNode is an advisory reference into the entry table. Several nodes may
// exist for one key after TTL updates; only the node whose version matches
// the table's current version triggers an expiry.
type heapNode struct {
	deadline time.Time
	bucket   string
	key      string
	version  uint64
}

// deadlineHeap is a min-heap over deadline for container/heap.
type deadlineHeap []heapNode

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(heapNode)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	node := old[n-1]
	old[n-1] = heapNode{}
	*h = old[:n-1]
	return node
}
