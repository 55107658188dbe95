package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the search cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records search cache lookups.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records search cache writes.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationInvalidate records bank-scoped invalidations.
	CacheOperationInvalidate CacheOperation = "invalidate"
	// CacheOperationEvict records capacity evictions.
	CacheOperationEvict CacheOperation = "evict"
)

const (
	CacheResultHit     = "hit"
	CacheResultMiss    = "miss"
	CacheResultStored  = "stored"
	CacheResultRemoved = "removed"
	CacheResultError   = "error"
)

var (
	circuitStates = []string{"closed", "open", "half-open"}
	healthStates  = []string{"healthy", "degraded", "unhealthy", "unknown"}
)

// Recorder publishes Prometheus metrics for bridge, resilience, cache, health
// and validation activity. All methods are safe on a nil receiver.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	bridgeCalls   *prometheus.CounterVec
	bridgeLatency *prometheus.HistogramVec
	bridgePending prometheus.Gauge
	bridgeUp      prometheus.Gauge

	resilienceAttempts *prometheus.CounterVec
	resilienceRetries  *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	cacheEntries    prometheus.Gauge

	healthStatus   *prometheus.GaugeVec
	healthDuration prometheus.Histogram

	bankValidations *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	bridgeCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bankbridge",
		Subsystem: "bridge",
		Name:      "calls_total",
		Help:      "Worker calls completed by the bridge.",
	}, []string{"method", "outcome"})

	bridgeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bankbridge",
		Subsystem: "bridge",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for worker calls.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"method"})

	bridgePending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bankbridge",
		Subsystem: "bridge",
		Name:      "pending_calls",
		Help:      "Worker calls awaiting a response.",
	})

	bridgeUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bankbridge",
		Subsystem: "bridge",
		Name:      "up",
		Help:      "1 when the worker process is ready, 0 otherwise.",
	})

	resilienceAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bankbridge",
		Subsystem: "resilience",
		Name:      "attempts_total",
		Help:      "Operation attempts executed under the resilience manager.",
	}, []string{"operation", "outcome"})

	resilienceRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bankbridge",
		Subsystem: "resilience",
		Name:      "retries_total",
		Help:      "Retries scheduled after a transient failure.",
	}, []string{"operation", "kind"})

	circuitState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bankbridge",
		Subsystem: "resilience",
		Name:      "circuit_state",
		Help:      "Current circuit breaker state (1 for the active state).",
	}, []string{"state"})

	circuitTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bankbridge",
		Subsystem: "resilience",
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker state transitions.",
	}, []string{"from", "to"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bankbridge",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Search cache operations.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bankbridge",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for search cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	cacheEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bankbridge",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries currently held by the search cache.",
	})

	healthStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bankbridge",
		Subsystem: "health",
		Name:      "status",
		Help:      "Latest aggregate health status (1 for the active status).",
	}, []string{"status"})

	healthDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bankbridge",
		Subsystem: "health",
		Name:      "check_duration_seconds",
		Help:      "Duration of full health checks.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	bankValidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bankbridge",
		Subsystem: "banks",
		Name:      "validations_total",
		Help:      "Bank artifact validations performed.",
	}, []string{"result"})

	reg.MustRegister(
		bridgeCalls, bridgeLatency, bridgePending, bridgeUp,
		resilienceAttempts, resilienceRetries, circuitState, circuitTransitions,
		cacheOperations, cacheLatency, cacheEntries,
		healthStatus, healthDuration,
		bankValidations,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		bridgeCalls:        bridgeCalls,
		bridgeLatency:      bridgeLatency,
		bridgePending:      bridgePending,
		bridgeUp:           bridgeUp,
		resilienceAttempts: resilienceAttempts,
		resilienceRetries:  resilienceRetries,
		circuitState:       circuitState,
		circuitTransitions: circuitTransitions,
		cacheOperations:    cacheOperations,
		cacheLatency:       cacheLatency,
		cacheEntries:       cacheEntries,
		healthStatus:       healthStatus,
		healthDuration:     healthDuration,
		bankValidations:    bankValidations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveBridgeCall records a completed worker call.
func (r *Recorder) ObserveBridgeCall(method, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	methodLabel := normalizeLabel(method)
	r.bridgeCalls.WithLabelValues(methodLabel, normalizeLabel(outcome)).Inc()
	r.bridgeLatency.WithLabelValues(methodLabel).Observe(duration.Seconds())
}

// SetBridgePending publishes the number of outstanding worker calls.
func (r *Recorder) SetBridgePending(n int) {
	if r == nil {
		return
	}
	r.bridgePending.Set(float64(n))
}

// SetBridgeUp publishes worker readiness.
func (r *Recorder) SetBridgeUp(up bool) {
	if r == nil {
		return
	}
	if up {
		r.bridgeUp.Set(1)
		return
	}
	r.bridgeUp.Set(0)
}

// ObserveResilienceAttempt records one attempt of a protected operation.
func (r *Recorder) ObserveResilienceAttempt(operation, outcome string) {
	if r == nil {
		return
	}
	r.resilienceAttempts.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

// ObserveRetry records a scheduled retry.
func (r *Recorder) ObserveRetry(operation, kind string) {
	if r == nil {
		return
	}
	r.resilienceRetries.WithLabelValues(normalizeLabel(operation), normalizeLabel(kind)).Inc()
}

// SetCircuitState marks state as the active breaker state.
func (r *Recorder) SetCircuitState(state string) {
	if r == nil {
		return
	}
	setActive(r.circuitState, circuitStates, state)
}

// ObserveCircuitTransition counts a breaker transition.
func (r *Recorder) ObserveCircuitTransition(from, to string) {
	if r == nil {
		return
	}
	r.circuitTransitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// ObserveCacheOperation records a search cache operation and its latency.
func (r *Recorder) ObserveCacheOperation(operation CacheOperation, result string, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// SetCacheEntries publishes the cache size.
func (r *Recorder) SetCacheEntries(n int) {
	if r == nil {
		return
	}
	r.cacheEntries.Set(float64(n))
}

// ObserveHealthCheck publishes the aggregate status and check latency.
func (r *Recorder) ObserveHealthCheck(status string, duration time.Duration) {
	if r == nil {
		return
	}
	setActive(r.healthStatus, healthStates, status)
	r.healthDuration.Observe(duration.Seconds())
}

// ObserveBankValidation counts a bank validation by result (valid, invalid, error).
func (r *Recorder) ObserveBankValidation(result string) {
	if r == nil {
		return
	}
	r.bankValidations.WithLabelValues(normalizeLabel(result)).Inc()
}

func setActive(vec *prometheus.GaugeVec, known []string, active string) {
	active = normalizeLabel(active)
	for _, state := range known {
		value := 0.0
		if state == active {
			value = 1
		}
		vec.WithLabelValues(state).Set(value)
	}
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
