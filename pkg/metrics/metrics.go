// Package metrics exposes the Prometheus collectors the service records
// against: request-level HTTP metrics, claim-protocol outcomes, idempotency
// broker outcomes, and webhook delivery results.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for ClaimOutcomesTotal.
const (
	ClaimOutcomeSuccess       = "success"
	ClaimOutcomeRenewed       = "renewed"
	ClaimOutcomeAlreadyClaim  = "already_claimed"
	ClaimOutcomeTaskComplete  = "task_already_complete"
	ClaimOutcomeWIPExceeded   = "wip_limit_exceeded"
	ClaimOutcomeSerialization = "serialization_retry"
)

// Label values for IdempotencyOutcomesTotal.
const (
	IdempotencyOutcomeOwner   = "owner"
	IdempotencyOutcomeCached  = "cached"
	IdempotencyOutcomePending = "pending"
	IdempotencyOutcomeTimeout = "timeout"
)

// Label values for WebhookDeliveriesTotal.
const (
	WebhookOutcomeSuccess     = "success"
	WebhookOutcomeFailure     = "failure"
	WebhookOutcomeBreakerOpen = "breaker_open"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_requests_total",
		Help: "Total HTTP requests handled, by method, route and status class.",
	}, []string{"method", "route", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskboard_request_duration_seconds",
		Help:    "Request handling latency in seconds, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	ClaimOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_claim_outcomes_total",
		Help: "Claim attempts, by outcome.",
	}, []string{"outcome"})

	IdempotencyOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_idempotency_outcomes_total",
		Help: "Idempotency broker claim outcomes.",
	}, []string{"outcome"})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	ActiveClaimsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskboard_active_claims",
		Help: "Claims currently active (status=active, not yet expired), sampled by the sweeper.",
	})
)

// RecordRequest increments RequestsTotal and observes duration in
// RequestDuration for one completed HTTP request.
func RecordRequest(method, route, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(method, route, status).Inc()
	RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordClaimOutcome increments ClaimOutcomesTotal for one claim attempt.
func RecordClaimOutcome(outcome string) {
	ClaimOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordIdempotencyOutcome increments IdempotencyOutcomesTotal for one
// broker decision.
func RecordIdempotencyOutcome(outcome string) {
	IdempotencyOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhookDelivery increments WebhookDeliveriesTotal for one delivery
// attempt.
func RecordWebhookDelivery(outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// SetActiveClaims sets the current active-claim gauge, called by the sweeper
// after each pass.
func SetActiveClaims(n float64) {
	ActiveClaimsGauge.Set(n)
}

// Timer measures elapsed wall-clock time for a request-scoped metric
// observation, mirroring the stopwatch-around-a-handler idiom.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer at the current instant.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordRequest records the elapsed time as one completed request.
func (t *Timer) RecordRequest(method, route, status string) {
	RecordRequest(method, route, status, t.Elapsed())
}
