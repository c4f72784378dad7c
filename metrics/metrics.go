// Package metrics exports Prometheus metrics for provider calls.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter collects dialogue-core metrics on a private registry.
type Exporter struct {
	registry *prometheus.Registry

	chatRequests *prometheus.CounterVec
	chatLatency  *prometheus.HistogramVec
	streamDeltas *prometheus.CounterVec
	modelFetches *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	retries      *prometheus.CounterVec
	rateWaits    *prometheus.CounterVec
}

// New creates an Exporter with its own registry.
func New() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colloquy",
			Name:      "chat_requests_total",
			Help:      "Chat completion requests by provider and status.",
		}, []string{"provider", "status"}),
		chatLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "colloquy",
			Name:      "chat_latency_seconds",
			Help:      "Chat completion latency by provider.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		streamDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colloquy",
			Name:      "stream_deltas_total",
			Help:      "Streamed delta chunks by provider.",
		}, []string{"provider"}),
		modelFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colloquy",
			Name:      "model_fetches_total",
			Help:      "Model catalogue fetches by provider and status.",
		}, []string{"provider", "status"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colloquy",
			Name:      "model_cache_hits_total",
			Help:      "Model catalogue cache hits by provider.",
		}, []string{"provider"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colloquy",
			Name:      "model_cache_misses_total",
			Help:      "Model catalogue cache misses by provider.",
		}, []string{"provider"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colloquy",
			Name:      "retries_total",
			Help:      "Retry attempts by provider.",
		}, []string{"provider"}),
		rateWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colloquy",
			Name:      "rate_limit_waits_total",
			Help:      "Calls delayed by the rate limiter, by provider.",
		}, []string{"provider"}),
	}

	registry.MustRegister(
		e.chatRequests, e.chatLatency, e.streamDeltas, e.modelFetches,
		e.cacheHits, e.cacheMisses, e.retries, e.rateWaits,
	)
	return e
}

// Handler returns an HTTP handler serving the registry in Prometheus format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// RecordChat records one completed chat request.
func (e *Exporter) RecordChat(provider, status string, elapsed time.Duration) {
	e.chatRequests.WithLabelValues(provider, status).Inc()
	e.chatLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// RecordDelta records one streamed chunk.
func (e *Exporter) RecordDelta(provider string) {
	e.streamDeltas.WithLabelValues(provider).Inc()
}

// RecordModelFetch records a catalogue fetch.
func (e *Exporter) RecordModelFetch(provider, status string) {
	e.modelFetches.WithLabelValues(provider, status).Inc()
}

// RecordCache records a catalogue cache lookup.
func (e *Exporter) RecordCache(provider string, hit bool) {
	if hit {
		e.cacheHits.WithLabelValues(provider).Inc()
	} else {
		e.cacheMisses.WithLabelValues(provider).Inc()
	}
}

// RecordRetry records one retry attempt.
func (e *Exporter) RecordRetry(provider string) {
	e.retries.WithLabelValues(provider).Inc()
}

// RecordRateWait records a rate-limiter delay.
func (e *Exporter) RecordRateWait(provider string) {
	e.rateWaits.WithLabelValues(provider).Inc()
}

var (
	defaultMu       sync.RWMutex
	defaultExporter = New()
)

// Default returns the process-wide exporter.
func Default() *Exporter {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultExporter
}

// SetDefault swaps the process-wide exporter. Intended for tests.
func SetDefault(e *Exporter) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultExporter = e
}
