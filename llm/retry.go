package llm

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hrygo/colloquy/metrics"
)

// Retry defaults.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

// Retrier re-runs an operation with exponential backoff and jitter. Only
// classified rate-limited and transient-network errors are retried; all
// others surface immediately.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// swappable for tests
	sleep func(ctx context.Context, d time.Duration) error
	randF func() float64
}

// NewRetrier creates a retrier with the default policy.
func NewRetrier() *Retrier {
	return &Retrier{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		sleep:       sleepCtx,
		randF:       rand.Float64,
	}
}

// Do runs op up to MaxAttempts times. The final attempt's error is
// returned when all attempts fail.
func (r *Retrier) Do(ctx context.Context, provider string, op func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			metrics.Default().RecordRetry(provider)
			delay := r.delay(i - 1)
			slog.Debug("retrying provider call",
				"provider", provider,
				"attempt", i+1,
				"delay", delay,
				"error", err,
			)
			if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
				return classifyCall(ctx, provider, sleepErr)
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
	}
	return err
}

// delay computes base · 2^i · (1 + u), u ~ Uniform(0, 0.25), capped.
func (r *Retrier) delay(i int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	d := base << uint(i)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	jitter := 1 + r.randF()*0.25
	d = time.Duration(float64(d) * jitter)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
