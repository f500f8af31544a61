package livecache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a key that is absent or already expired.
	ErrNotFound = errors.New("livecache: key not found")
	// ErrCapacity reports a write denied by the bucket's capacity policy.
	ErrCapacity = errors.New("livecache: bucket capacity exceeded")
	// ErrBackend reports a failed persistence operation. The in-memory
	// mutation that triggered it has been rolled back.
	ErrBackend = errors.New("livecache: backend operation failed")
	// ErrSandboxTimeout reports a hook that exceeded its time budget.
	ErrSandboxTimeout = errors.New("livecache: hook exceeded its time budget")
	// ErrLockTimeout reports an advisory lock that could not be acquired
	// before the caller's timeout.
	ErrLockTimeout = errors.New("livecache: lock not acquired in time")
	// ErrStopped reports an operation against a stopped cache.
	ErrStopped = errors.New("livecache: cache is stopped")
)

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}
