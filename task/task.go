// Package task runs dialogues and background jobs on a bounded worker pool,
// handing callers cancelable handles with per-task event channels.
package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hrygo/colloquy/dialogue"
	"github.com/hrygo/colloquy/llm"
)

const defaultWorkers = 4

// eventBuffer sizes each handle's event channel. Slow consumers back-pressure
// the producing dialogue, not the pool.
const eventBuffer = 256

// ErrStopped is returned by Submit after the runner has been stopped.
var ErrStopped = errors.New("task: runner stopped")

// Fn is a task body. When invoked it owns the events channel and must close
// it before returning; the runner closes it only for tasks that never ran.
type Fn func(ctx context.Context, events chan<- dialogue.Event) error

// Runner is a bounded pool. At most workers tasks execute concurrently;
// excess submissions queue on the semaphore.
type Runner struct {
	sem *semaphore.Weighted

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu      sync.Mutex
	handles map[string]*Handle
	stopped bool
	wg      sync.WaitGroup
}

// NewRunner creates a pool of the given width. workers < 1 falls back to the
// default.
func NewRunner(workers int) *Runner {
	if workers < 1 {
		workers = defaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		sem:       semaphore.NewWeighted(int64(workers)),
		baseCtx:   ctx,
		cancelAll: cancel,
		handles:   make(map[string]*Handle),
	}
}

// Handle tracks one submitted task.
type Handle struct {
	id   string
	name string

	events chan dialogue.Event
	cancel context.CancelFunc

	done chan struct{}
	err  error
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Name() string { return h.name }

// Events is the task's ordered event stream. It is closed when the task's
// body finishes (or when the task is dropped before running).
func (h *Handle) Events() <-chan dialogue.Event { return h.events }

// Cancel requests cooperative cancellation. Safe to call repeatedly and
// after completion.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the task has fully finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Await blocks until the task finishes or ctx expires, returning the task's
// error.
func (h *Handle) Await(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit schedules fn on the pool and returns its handle immediately.
func (r *Runner) Submit(name string, fn Fn) (*Handle, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	h := &Handle{
		id:     uuid.NewString(),
		name:   name,
		events: make(chan dialogue.Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.handles[h.id] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.finish(h)
		defer cancel()

		if err := r.sem.Acquire(ctx, 1); err != nil {
			// Cancelled while queued; the body never ran.
			h.err = err
			close(h.events)
			return
		}
		defer r.sem.Release(1)

		slog.Debug("task started", "id", h.id, "name", name)
		h.err = fn(ctx, h.events)
		if h.err != nil {
			slog.Warn("task finished with error", "id", h.id, "name", name, "error", h.err)
		}
	}()
	return h, nil
}

func (r *Runner) finish(h *Handle) {
	r.mu.Lock()
	delete(r.handles, h.id)
	r.mu.Unlock()
	close(h.done)
	r.wg.Done()
}

// Running reports the number of submitted, unfinished tasks.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Stop shuts the pool down. With wait=true it drains in-flight tasks; with
// wait=false it cancels them first. Either way Stop returns only after every
// task has finished, and later Submits fail with ErrStopped.
func (r *Runner) Stop(wait bool) {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	if !wait {
		r.cancelAll()
	}
	r.wg.Wait()
	r.cancelAll()
}

// RunDialogue submits a dialogue run as a task. The engine closes the event
// channel and reports failures as events, so the task itself never errors.
func (r *Runner) RunDialogue(eng *dialogue.Engine, spec dialogue.Spec) (*Handle, error) {
	return r.Submit(string(spec.Mode), func(ctx context.Context, events chan<- dialogue.Event) error {
		eng.Run(ctx, spec, events)
		return nil
	})
}

// Prefetch warms a provider's model catalogue in the background. cb runs on
// exec with the fetch result; a nil exec runs cb on the task goroutine.
func (r *Runner) Prefetch(client llm.Client, exec func(func()), cb func(models []string, err error)) (*Handle, error) {
	if exec == nil {
		exec = func(f func()) { f() }
	}
	return r.Submit("prefetch-"+client.Provider(), func(ctx context.Context, events chan<- dialogue.Event) error {
		defer close(events)
		models, err := client.ListModels(ctx)
		if cb != nil {
			exec(func() { cb(models, err) })
		}
		return err
	})
}
