package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/colloquy/dialogue"
	"github.com/hrygo/colloquy/llm"
)

// listClient is a minimal llm.Client serving a fixed model catalogue.
type listClient struct {
	models []string
}

func (c *listClient) Provider() string { return "ollama" }

func (c *listClient) ListModels(context.Context) ([]string, error)    { return c.models, nil }
func (c *listClient) RefreshModels(context.Context) ([]string, error) { return c.models, nil }
func (c *listClient) ClearCache()                                     {}

func (c *listClient) ChatComplete(context.Context, llm.Request) (string, error) {
	return "", errors.New("not implemented")
}

func (c *listClient) ChatStream(context.Context, llm.Request) (<-chan string, <-chan error) {
	content := make(chan string)
	errs := make(chan error, 1)
	close(content)
	errs <- errors.New("not implemented")
	close(errs)
	return content, errs
}

func TestSubmitRunsAndAwaits(t *testing.T) {
	r := NewRunner(2)
	defer r.Stop(true)

	h, err := r.Submit("emit", func(ctx context.Context, events chan<- dialogue.Event) error {
		defer close(events)
		events <- dialogue.Event{Kind: dialogue.EventStatus, Text: "working"}
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())
	assert.Equal(t, "emit", h.Name())

	var got []dialogue.Event
	for ev := range h.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "working", got[0].Text)

	require.NoError(t, h.Await(context.Background()))
	<-h.Done()
}

func TestAwaitReturnsTaskError(t *testing.T) {
	r := NewRunner(1)
	defer r.Stop(true)

	boom := errors.New("boom")
	h, err := r.Submit("failing", func(ctx context.Context, events chan<- dialogue.Event) error {
		close(events)
		return boom
	})
	require.NoError(t, err)
	assert.ErrorIs(t, h.Await(context.Background()), boom)
}

func TestCancelStopsTask(t *testing.T) {
	r := NewRunner(1)
	defer r.Stop(true)

	started := make(chan struct{})
	h, err := r.Submit("hanging", func(ctx context.Context, events chan<- dialogue.Event) error {
		defer close(events)
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	h.Cancel()
	h.Cancel() // idempotent

	assert.ErrorIs(t, h.Await(context.Background()), context.Canceled)
	h.Cancel() // and safe after completion
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 2
	r := NewRunner(workers)
	defer r.Stop(true)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		_, err := r.Submit("load", func(ctx context.Context, events chan<- dialogue.Event) error {
			defer close(events)
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(workers))
}

func TestStopWithoutWaitCancelsInFlight(t *testing.T) {
	r := NewRunner(1)

	h, err := r.Submit("hanging", func(ctx context.Context, events chan<- dialogue.Event) error {
		defer close(events)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	r.Stop(false)
	assert.ErrorIs(t, h.Await(context.Background()), context.Canceled)

	_, err = r.Submit("late", func(ctx context.Context, events chan<- dialogue.Event) error {
		close(events)
		return nil
	})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopWaitDrains(t *testing.T) {
	r := NewRunner(2)

	var finished atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := r.Submit("slow", func(ctx context.Context, events chan<- dialogue.Event) error {
			defer close(events)
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	r.Stop(true)
	assert.Equal(t, int32(3), finished.Load())
	assert.Zero(t, r.Running())
}

func TestQueuedTaskDroppedOnCancel(t *testing.T) {
	r := NewRunner(1)
	defer r.Stop(true)

	gate := make(chan struct{})
	_, err := r.Submit("holder", func(ctx context.Context, events chan<- dialogue.Event) error {
		defer close(events)
		<-gate
		return nil
	})
	require.NoError(t, err)

	queued, err := r.Submit("queued", func(ctx context.Context, events chan<- dialogue.Event) error {
		close(events)
		return nil
	})
	require.NoError(t, err)

	queued.Cancel()
	assert.ErrorIs(t, queued.Await(context.Background()), context.Canceled)

	// A dropped task still closes its event channel.
	_, open := <-queued.Events()
	assert.False(t, open)

	close(gate)
}

func TestPrefetchCallbackOnExecutor(t *testing.T) {
	r := NewRunner(1)
	defer r.Stop(true)

	client := &listClient{models: []string{"llama3", "qwen3"}}

	execCh := make(chan func(), 1)
	done := make(chan struct{})
	var gotModels []string
	h, err := r.Prefetch(client, func(f func()) { execCh <- f }, func(models []string, err error) {
		require.NoError(t, err)
		gotModels = models
		close(done)
	})
	require.NoError(t, err)

	// The callback arrives wrapped for the caller's executor.
	f := <-execCh
	f()
	<-done
	assert.Equal(t, []string{"llama3", "qwen3"}, gotModels)
	require.NoError(t, h.Await(context.Background()))
}
