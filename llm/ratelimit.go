package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/colloquy/metrics"
)

// Rate limit defaults: at most 20 admitted calls per rolling minute per
// provider.
const (
	defaultRateCapacity = 20
	defaultRatePeriod   = time.Minute
)

// RateLimiter is a process-wide sliding-window limiter. Providers are
// limited independently: admissions for one never delay another.
type RateLimiter struct {
	capacity int
	period   time.Duration

	mu      sync.Mutex
	windows map[string][]time.Time

	// swappable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter admitting capacity calls per period.
func NewRateLimiter(capacity int, period time.Duration) *RateLimiter {
	if capacity <= 0 {
		capacity = defaultRateCapacity
	}
	if period <= 0 {
		period = defaultRatePeriod
	}
	return &RateLimiter{
		capacity: capacity,
		period:   period,
		windows:  make(map[string][]time.Time),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Admit blocks until a call for provider fits the window, then records it.
// Returns the context error when cancelled while waiting.
func (l *RateLimiter) Admit(ctx context.Context, provider string) error {
	for {
		l.mu.Lock()
		now := l.now()
		window := l.prune(provider, now)

		if len(window) < l.capacity {
			l.windows[provider] = append(window, now)
			l.mu.Unlock()
			return nil
		}

		// Window full: wait until the oldest in-window admission ages out.
		wait := window[0].Add(l.period).Sub(now)
		l.mu.Unlock()

		metrics.Default().RecordRateWait(provider)
		slog.Debug("rate limiter waiting", "provider", provider, "wait", wait)
		if err := l.sleep(ctx, wait); err != nil {
			return classifyCall(ctx, provider, err)
		}
	}
}

// InWindow returns the number of admissions currently inside the window.
func (l *RateLimiter) InWindow(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(provider, l.now()))
}

// prune drops admissions older than period. Caller holds the lock.
func (l *RateLimiter) prune(provider string, now time.Time) []time.Time {
	window := l.windows[provider]
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		window = append([]time.Time(nil), window[i:]...)
		l.windows[provider] = window
	}
	return window
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// defaultLimiter is the shared process-wide limiter used by factory-built
// clients.
var defaultLimiter = NewRateLimiter(defaultRateCapacity, defaultRatePeriod)
