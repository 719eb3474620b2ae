// Package metrics exposes hookd's Prometheus collectors: invocation
// counts and latency, cache hit rate, slot wait time, and deferred
// queue depth.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for the coordination engine.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	cacheHitsTotal   prometheus.Counter
	cacheMissesTotal prometheus.Counter
	deferredTotal    prometheus.Counter
	killedTotal      *prometheus.CounterVec

	invocationDuration *prometheus.HistogramVec
	slotWaitDuration   prometheus.Histogram

	activeInvocations prometheus.Gauge
	deferredQueueSize prometheus.Gauge
	heldSlots         prometheus.Gauge

	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var global *Metrics

// Init initializes the global Prometheus metrics subsystem.
func Init(namespace string, buckets []float64) *Metrics {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of hook invocations by plugin, hook, and terminal status.",
			},
			[]string{"plugin", "hook", "status"},
		),

		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total fingerprint cache hits.",
		}),

		cacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total fingerprint cache misses.",
		}),

		deferredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_total",
			Help:      "Total invocations moved to the deferred queue.",
		}),

		killedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "killed_total",
				Help:      "Total invocations killed, by reason.",
			},
			[]string{"reason"}, // idle_timeout, wall_timeout, cancel, failure_token
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_ms",
				Help:      "Hook invocation duration in milliseconds.",
				Buckets:   buckets,
			},
			[]string{"plugin", "hook"},
		),

		slotWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slot_wait_duration_ms",
			Help:      "Time spent waiting in the SlotManager FIFO queue.",
			Buckets:   buckets,
		}),

		activeInvocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_invocations",
			Help:      "Invocations currently running.",
		}),

		deferredQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deferred_queue_size",
			Help:      "Open deferred hooks awaiting asynchronous resolution.",
		}),

		heldSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "held_slots",
			Help:      "Directories currently holding an exclusive slot lease.",
		}),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per hook key (0=closed, 1=open, 2=half_open).",
			},
			[]string{"key"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker trips (closed/half-open to open) per hook key.",
			},
			[]string{"key"},
		),
	}

	registry.MustRegister(
		m.invocationsTotal, m.cacheHitsTotal, m.cacheMissesTotal, m.deferredTotal, m.killedTotal,
		m.invocationDuration, m.slotWaitDuration,
		m.activeInvocations, m.deferredQueueSize, m.heldSlots,
		m.circuitBreakerState, m.circuitBreakerTripsTotal,
	)

	global = m
	return m
}

// Global returns the process-wide Metrics instance, or nil if Init was
// never called (metrics recording becomes a no-op in that case).
func Global() *Metrics { return global }

// RecordInvocation records a completed invocation's terminal status and
// duration.
func (m *Metrics) RecordInvocation(plugin, hook, status string, durationMs int64) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(plugin, hook, status).Inc()
	m.invocationDuration.WithLabelValues(plugin, hook).Observe(float64(durationMs))
}

// RecordCacheHit increments the fingerprint cache hit counter.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHitsTotal.Inc()
}

// RecordCacheMiss increments the fingerprint cache miss counter.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMissesTotal.Inc()
}

// RecordDeferred increments the deferred-hook counter.
func (m *Metrics) RecordDeferred() {
	if m == nil {
		return
	}
	m.deferredTotal.Inc()
}

// RecordKilled increments the killed-invocation counter for reason.
func (m *Metrics) RecordKilled(reason string) {
	if m == nil {
		return
	}
	m.killedTotal.WithLabelValues(reason).Inc()
}

// ObserveSlotWait records the time spent waiting for a SlotManager
// lease, in milliseconds.
func (m *Metrics) ObserveSlotWait(ms float64) {
	if m == nil {
		return
	}
	m.slotWaitDuration.Observe(ms)
}

// SetActiveInvocations sets the current in-flight invocation count.
func (m *Metrics) SetActiveInvocations(n int) {
	if m == nil {
		return
	}
	m.activeInvocations.Set(float64(n))
}

// SetDeferredQueueSize sets the current open deferred-hook count.
func (m *Metrics) SetDeferredQueueSize(n int) {
	if m == nil {
		return
	}
	m.deferredQueueSize.Set(float64(n))
}

// SetHeldSlots sets the current held-slot-lease count.
func (m *Metrics) SetHeldSlots(n int) {
	if m == nil {
		return
	}
	m.heldSlots.Set(float64(n))
}

// SetCircuitBreakerState records the numeric breaker state for key and
// increments the trip counter when tripped is true.
func (m *Metrics) SetCircuitBreakerState(key string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(key).Set(float64(state))
	if tripped {
		m.circuitBreakerTripsTotal.WithLabelValues(key).Inc()
	}
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartTime is recorded at process start for uptime reporting.
var StartTime = time.Now()
