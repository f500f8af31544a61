package livecache

import "context"

// EventKind identifies which store operation triggered an event.
type EventKind int

const (
	EventSet EventKind = iota
	EventAccess
	EventDelete
	EventExpire
)

func (k EventKind) String() string {
	switch k {
	case EventSet:
		return "set"
	case EventAccess:
		return "access"
	case EventDelete:
		return "delete"
	case EventExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// Event carries the context of a single logical store event to hooks.
// Eviction under a bucket policy is delivered as EventExpire, the same as
// natural TTL expiry.
type Event struct {
	Kind   EventKind
	Bucket string
	Key    string
	Value  []byte
}

// Handler is user-supplied hook code. It runs inside an isolated execution
// unit; the supplied context is cancelled when the hook's time budget runs
// out.
type Handler func(ctx context.Context, ev Event) error
