package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RateLimitOutcome captures the limiter's verdict for one request.
type RateLimitOutcome string

const (
	// RateLimitAllowed indicates the request fit inside its window.
	RateLimitAllowed RateLimitOutcome = "allowed"
	// RateLimitLimited indicates the request was rejected with 429.
	RateLimitLimited RateLimitOutcome = "limited"
	// RateLimitFailOpen indicates the KV store failed and the request passed.
	RateLimitFailOpen RateLimitOutcome = "failopen"
	// RateLimitSkipped indicates the route opted out of throttling.
	RateLimitSkipped RateLimitOutcome = "skipped"
)

// UpstreamOutcome captures how a proxied call ended.
type UpstreamOutcome string

const (
	// UpstreamOK indicates the upstream answered below the failure threshold.
	UpstreamOK UpstreamOutcome = "ok"
	// UpstreamError indicates a transport failure or a 5xx answer.
	UpstreamError UpstreamOutcome = "error"
	// UpstreamTimeout indicates the per-call deadline fired.
	UpstreamTimeout UpstreamOutcome = "timeout"
	// UpstreamUnavailable indicates connect or DNS failure.
	UpstreamUnavailable UpstreamOutcome = "unavailable"
	// UpstreamRejected indicates the circuit breaker refused the call.
	UpstreamRejected UpstreamOutcome = "rejected"
)

// CacheOperation identifies the response cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records read-through lookups.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records store attempts after upstream reads.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationInvalidate records explicit invalidation after writes.
	CacheOperationInvalidate CacheOperation = "invalidate"
)

// CacheResult captures the outcome of a cache operation.
type CacheResult string

const (
	CacheHit         CacheResult = "hit"
	CacheMiss        CacheResult = "miss"
	CacheStored      CacheResult = "stored"
	CacheInvalidated CacheResult = "invalidated"
	CacheError       CacheResult = "error"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	rateLimitDecisions *prometheus.CounterVec

	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec

	breakerTransitions *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total API requests completed by the gateway.",
	}, []string{"route", "method", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tollgate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed API requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "method"})

	rateLimitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter verdicts grouped by outcome.",
	}, []string{"outcome"})

	upstreamRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Proxied upstream calls grouped by outcome.",
	}, []string{"upstream", "outcome"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tollgate",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for proxied upstream calls.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"upstream"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions per upstream.",
	}, []string{"upstream", "state"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the gateway.",
	}, []string{"operation", "result"})

	reg.MustRegister(
		httpRequests, httpLatency,
		rateLimitDecisions,
		upstreamRequests, upstreamLatency,
		breakerTransitions,
		cacheOperations,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		httpRequests:       httpRequests,
		httpLatency:        httpLatency,
		rateLimitDecisions: rateLimitDecisions,
		upstreamRequests:   upstreamRequests,
		upstreamLatency:    upstreamLatency,
		breakerTransitions: breakerTransitions,
		cacheOperations:    cacheOperations,
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

// ObserveRequest records the status and latency of a completed API request.
func (r *Recorder) ObserveRequest(route, method string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	routeLabel := normalizeLabel(route)
	methodLabel := normalizeLabel(method)
	r.httpRequests.WithLabelValues(routeLabel, methodLabel, statusLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel, methodLabel).Observe(duration.Seconds())
}

// ObserveRateLimit records one limiter verdict.
func (r *Recorder) ObserveRateLimit(outcome RateLimitOutcome) {
	if r == nil {
		return
	}
	r.rateLimitDecisions.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveUpstream records the outcome and latency of one proxied call.
func (r *Recorder) ObserveUpstream(upstream string, outcome UpstreamOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	upstreamLabel := normalizeLabel(upstream)
	r.upstreamRequests.WithLabelValues(upstreamLabel, normalizeLabel(string(outcome))).Inc()
	r.upstreamLatency.WithLabelValues(upstreamLabel).Observe(duration.Seconds())
}

// ObserveBreakerTransition records a circuit state change.
func (r *Recorder) ObserveBreakerTransition(upstream, state string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(normalizeLabel(upstream), normalizeLabel(state)).Inc()
}

// ObserveCache records one response cache operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	r.cacheOperations.WithLabelValues(opLabel, normalizeLabel(string(result))).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
