package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetrier() (*Retrier, *[]time.Duration) {
	slept := &[]time.Duration{}
	r := NewRetrier()
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	r.randF = func() float64 { return 0 } // deterministic backoff
	return r, slept
}

func TestDoSucceedsFirstTry(t *testing.T) {
	r, slept := newTestRetrier()

	calls := 0
	err := r.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	// S5 shape: 429 twice, then success. Backoff 0.5s then 1.0s.
	r, slept := newTestRetrier()

	calls := 0
	err := r.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return newError("openai", KindRateLimited, errors.New("429"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, *slept, 2)
	assert.Equal(t, 500*time.Millisecond, (*slept)[0])
	assert.Equal(t, time.Second, (*slept)[1])

	var total time.Duration
	for _, d := range *slept {
		total += d
	}
	assert.GreaterOrEqual(t, total, 1500*time.Millisecond)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	r, slept := newTestRetrier()

	calls := 0
	err := r.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return newError("openai", KindAuthFailed, errors.New("401"))
	})
	require.Error(t, err)
	assert.Equal(t, KindAuthFailed, KindOf(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoExhaustsAttempts(t *testing.T) {
	r, _ := newTestRetrier()

	calls := 0
	err := r.Do(context.Background(), "ollama", func(ctx context.Context) error {
		calls++
		return newError("ollama", KindTransientNetwork, errors.New("connection reset"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, KindTransientNetwork, KindOf(err))
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	r := NewRetrier()
	r.randF = func() float64 { return 0 }
	r.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	calls := 0
	err := r.Do(context.Background(), "ollama", func(ctx context.Context) error {
		calls++
		return newError("ollama", KindTransientNetwork, errors.New("reset"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestDelayJitterAndCap(t *testing.T) {
	r := NewRetrier()
	r.randF = func() float64 { return 1 } // max jitter

	d0 := r.delay(0)
	assert.GreaterOrEqual(t, d0, 500*time.Millisecond)
	assert.LessOrEqual(t, d0, 625*time.Millisecond)

	// Far attempt index hits the cap.
	assert.Equal(t, 30*time.Second, r.delay(20))
}
