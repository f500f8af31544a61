package livecache

import (
	"context"
	"fmt"
	"time"
)

// Runner executes a single hook invocation in isolation. The default runner
// uses a dedicated goroutine with panic containment and a hard wall-clock
// timeout; alternative runners (subprocess, OS sandbox) can enforce stricter
// resource ceilings behind the same contract.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, fn Handler, ev Event) error
}

// goroutineRunner is the default isolated execution unit. A hook that
// overruns its budget keeps its goroutine alive until it returns on its own,
// but the caller is released with ErrSandboxTimeout and the hook's context is
// cancelled.
type goroutineRunner struct{}

func (goroutineRunner) Run(ctx context.Context, timeout time.Duration, fn Handler, ev Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		done <- fn(runCtx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return ErrSandboxTimeout
		}
		return runCtx.Err()
	}
}
