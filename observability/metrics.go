package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// SecurityMetrics bundles the collectors for the security engines: rate
// limiting, session revocation, and audit integrity.
type SecurityMetrics struct {
	rateLimitHits  *prometheus.CounterVec
	rateLimitOpen  prometheus.Counter
	revocations    *prometheus.CounterVec
	revokedUse     prometheus.Counter
	auditFailures  prometheus.Counter
	lockouts       prometheus.Counter
	breakerState   *prometheus.GaugeVec
	breakerTrips   *prometheus.CounterVec
}

// ConsistencyMetrics bundles the collectors for the consistency engines:
// idempotency, payments, webhooks, and transaction retries.
type ConsistencyMetrics struct {
	idempotency    *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	retries        prometheus.Counter
	retryExhausted prometheus.Counter
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	securityMetricsOnce sync.Once
	securityRegistry    *SecurityMetrics

	consistencyMetricsOnce sync.Once
	consistencyRegistry    *ConsistencyMetrics
)

// HTTPMetrics returns the lazily-initialised registry used by the gateway to
// record request activity.
func HTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "edbase",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records a completed HTTP request.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// Security exposes the metrics registry for the security engines.
func Security() *SecurityMetrics {
	securityMetricsOnce.Do(func() {
		securityRegistry = &SecurityMetrics{
			rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "ratelimit",
				Name:      "hits_total",
				Help:      "Count of requests rejected by the rate limiter, segmented by scope.",
			}, []string{"scope"}),
			rateLimitOpen: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "ratelimit",
				Name:      "fail_open_total",
				Help:      "Count of rate limit checks that failed open because the shared store was unreachable.",
			}),
			revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "session",
				Name:      "revocations_total",
				Help:      "Count of session revocations segmented by reason.",
			}, []string{"reason"}),
			revokedUse: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "session",
				Name:      "revoked_use_total",
				Help:      "Count of requests presenting a token for an already revoked session.",
			}),
			auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "audit",
				Name:      "append_failures_total",
				Help:      "Count of audit log appends that failed and aborted their operation.",
			}),
			lockouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "auth",
				Name:      "lockouts_total",
				Help:      "Count of accounts locked after repeated failed login attempts.",
			}),
			breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "edbase",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
			}, []string{"name"}),
			breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "breaker",
				Name:      "trips_total",
				Help:      "Count of circuit breaker transitions to the open state.",
			}, []string{"name"}),
		}
		prometheus.MustRegister(
			securityRegistry.rateLimitHits,
			securityRegistry.rateLimitOpen,
			securityRegistry.revocations,
			securityRegistry.revokedUse,
			securityRegistry.auditFailures,
			securityRegistry.lockouts,
			securityRegistry.breakerState,
			securityRegistry.breakerTrips,
		)
	})
	return securityRegistry
}

// RecordRateLimitHit increments the rejection counter for a limiter scope.
// Scopes should be stable strings such as "ip", "user", or "login" so
// dashboards and alerts remain consistent.
func (m *SecurityMetrics) RecordRateLimitHit(scope string) {
	if m == nil {
		return
	}
	if scope = strings.TrimSpace(scope); scope == "" {
		scope = "unspecified"
	}
	m.rateLimitHits.WithLabelValues(scope).Inc()
}

// RecordRateLimitFailOpen counts a limiter check that was allowed through
// because the shared store could not be reached.
func (m *SecurityMetrics) RecordRateLimitFailOpen() {
	if m == nil {
		return
	}
	m.rateLimitOpen.Inc()
}

// RecordRevocation counts revoked sessions by reason.
func (m *SecurityMetrics) RecordRevocation(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "UNKNOWN"
	}
	m.revocations.WithLabelValues(reason).Add(float64(count))
}

// RecordRevokedUse counts an authentication attempt with a revoked session.
func (m *SecurityMetrics) RecordRevokedUse() {
	if m == nil {
		return
	}
	m.revokedUse.Inc()
}

// RecordAuditFailure counts a failed audit append.
func (m *SecurityMetrics) RecordAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

// RecordLockout counts an account lockout.
func (m *SecurityMetrics) RecordLockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

// SetBreakerState publishes the current state of a named breaker.
func (m *SecurityMetrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerTrip counts a breaker transition to open.
func (m *SecurityMetrics) RecordBreakerTrip(name string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(name).Inc()
}

// Consistency exposes the metrics registry for the consistency engines.
func Consistency() *ConsistencyMetrics {
	consistencyMetricsOnce.Do(func() {
		consistencyRegistry = &ConsistencyMetrics{
			idempotency: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "idempotency",
				Name:      "outcomes_total",
				Help:      "Count of idempotency protocol outcomes (proceed, replay, conflict, in_flight).",
			}, []string{"outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "payments",
				Name:      "transitions_total",
				Help:      "Count of payment state transitions segmented by target state and outcome.",
			}, []string{"to", "outcome"}),
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "webhooks",
				Name:      "events_total",
				Help:      "Count of inbound webhook events segmented by provider and result.",
			}, []string{"provider", "result"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "store",
				Name:      "serialization_retries_total",
				Help:      "Count of transactions retried after a serialization failure.",
			}),
			retryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "edbase",
				Subsystem: "store",
				Name:      "serialization_retries_exhausted_total",
				Help:      "Count of transactions that failed after exhausting serialization retries.",
			}),
		}
		prometheus.MustRegister(
			consistencyRegistry.idempotency,
			consistencyRegistry.transitions,
			consistencyRegistry.webhooks,
			consistencyRegistry.retries,
			consistencyRegistry.retryExhausted,
		)
	})
	return consistencyRegistry
}

// RecordIdempotencyOutcome counts a protocol decision.
func (m *ConsistencyMetrics) RecordIdempotencyOutcome(outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.idempotency.WithLabelValues(outcome).Inc()
}

// RecordTransition counts a payment state transition attempt.
func (m *ConsistencyMetrics) RecordTransition(to string, ok bool) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !ok {
		outcome = "rejected"
	}
	m.transitions.WithLabelValues(strings.ToUpper(strings.TrimSpace(to)), outcome).Inc()
}

// RecordWebhook counts an inbound webhook result. Results should be stable
// strings such as "processed", "duplicate", or "invalid_signature".
func (m *ConsistencyMetrics) RecordWebhook(provider, result string) {
	if m == nil {
		return
	}
	if provider = strings.TrimSpace(provider); provider == "" {
		provider = "unknown"
	}
	if result = strings.TrimSpace(result); result == "" {
		result = "unknown"
	}
	m.webhooks.WithLabelValues(provider, result).Inc()
}

// RecordRetry counts a serialization retry.
func (m *ConsistencyMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// RecordRetryExhausted counts a transaction abandoned after the retry budget.
func (m *ConsistencyMetrics) RecordRetryExhausted() {
	if m == nil {
		return
	}
	m.retryExhausted.Inc()
}
