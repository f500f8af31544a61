package livecache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
)

// registration is one user-registered hook. A registration with an empty key
// applies to every key; otherwise it only fires for its key.
type registration struct {
	id      string
	kind    EventKind
	key     string
	handler Handler
	timeout time.Duration
	async   bool
	enabled bool
}

// dispatchUnit is the immutable view of a registration captured by a
// snapshot.
type dispatchUnit struct {
	id      string
	handler Handler
	timeout time.Duration
	async   bool
}

// dispatcher owns the hook registry and delivers each logical event to each
// enabled hook exactly once. Dispatch snapshots the enabled handlers for the
// event kind up front and walks that snapshot a single time: a hook enabled
// mid-iteration does not run for the event, and no hook can be invoked twice
// for one event instance.
type dispatcher struct {
	mu     sync.RWMutex
	regs   map[string]*registration
	byKind map[EventKind][]*registration

	runner         Runner
	defaultTimeout time.Duration
	logger         *log.Logger
	inflight       sync.WaitGroup
}

func newDispatcher(runner Runner, defaultTimeout time.Duration, logger *log.Logger) *dispatcher {
	if runner == nil {
		runner = goroutineRunner{}
	}
	return &dispatcher{
		regs:           make(map[string]*registration),
		byKind:         make(map[EventKind][]*registration),
		runner:         runner,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

func (d *dispatcher) register(kind EventKind, key string, fn Handler, timeout time.Duration, async bool) string {
	if timeout == 0 {
		timeout = d.defaultTimeout
	}
	reg := &registration{
		id:      uuid.NewString(),
		kind:    kind,
		key:     key,
		handler: fn,
		timeout: timeout,
		async:   async,
		enabled: true,
	}
	d.mu.Lock()
	d.regs[reg.id] = reg
	d.byKind[kind] = append(d.byKind[kind], reg)
	d.mu.Unlock()
	return reg.id
}

func (d *dispatcher) unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[id]
	if !ok {
		return false
	}
	delete(d.regs, id)
	regs := d.byKind[reg.kind]
	for i, r := range regs {
		if r.id == id {
			d.byKind[reg.kind] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	return true
}

func (d *dispatcher) setEnabled(id string, enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[id]
	if !ok {
		return false
	}
	reg.enabled = enabled
	return true
}

func (d *dispatcher) snapshot(kind EventKind, key string) []dispatchUnit {
	d.mu.RLock()
	defer d.mu.RUnlock()
	regs := d.byKind[kind]
	if len(regs) == 0 {
		return nil
	}
	units := make([]dispatchUnit, 0, len(regs))
	for _, reg := range regs {
		if !reg.enabled {
			continue
		}
		if reg.key != "" && reg.key != key {
			continue
		}
		units = append(units, dispatchUnit{
			id:      reg.id,
			handler: reg.handler,
			timeout: reg.timeout,
			async:   reg.async,
		})
	}
	return units
}

// dispatch delivers ev to every hook in the snapshot. Synchronous hooks run
// inline; the first ErrSandboxTimeout among them is returned to the caller
// after the remaining hooks have still been given their turn. Any other hook
// failure is logged with the hook id and event context and never interrupts
// the rest of the snapshot. Asynchronous hooks are launched on their own
// execution units with logged failures.
func (d *dispatcher) dispatch(ctx context.Context, ev Event) error {
	units := d.snapshot(ev.Kind, ev.Key)
	if len(units) == 0 {
		return nil
	}

	var timeoutErr error
	for _, u := range units {
		if u.async {
			d.inflight.Add(1)
			go func(u dispatchUnit) {
				defer d.inflight.Done()
				if err := d.runner.Run(context.Background(), u.timeout, u.handler, ev); err != nil {
					d.logHookErr(u.id, ev, err)
				}
			}(u)
			continue
		}
		err := d.runner.Run(ctx, u.timeout, u.handler, ev)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrSandboxTimeout) && timeoutErr == nil {
			timeoutErr = err
		}
		d.logHookErr(u.id, ev, err)
	}
	return timeoutErr
}

func (d *dispatcher) logHookErr(id string, ev Event, err error) {
	if d.logger == nil {
		return
	}
	d.logger.Warnf("hook %s failed on %s %s/%s: %v", id, ev.Kind, ev.Bucket, ev.Key, err)
}

// drain waits for in-flight asynchronous hooks to finish.
func (d *dispatcher) drain() {
	d.inflight.Wait()
}
