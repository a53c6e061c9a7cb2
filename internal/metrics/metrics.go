// metrics.go -- Prometheus counters for sign-in, sessions, webhooks, and secrets.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every tollgate metric. Its methods satisfy the small
// recorder interfaces declared by the secrets, entitlement, and auth packages.
type Collector struct {
	signIns          *prometheus.CounterVec
	tokenRejections  *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	webhookRetries   *prometheus.CounterVec
	secretLookups    *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	entitlementSweep prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_sign_ins_total",
			Help: "Sign-in attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		tokenRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_token_rejections_total",
			Help: "Session tokens rejected, by reason.",
		}, []string{"reason"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_webhook_events_total",
			Help: "Billing webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		webhookRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_webhook_retries_total",
			Help: "Webhook retry queue dispatches by outcome.",
		}, []string{"outcome"}),
		secretLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_secret_lookups_total",
			Help: "Secret lookups by the source that answered.",
		}, []string{"source"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_rate_limited_total",
			Help: "Requests rejected by the per-IP limiter, by route.",
		}, []string{"route"}),
		entitlementSweep: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_entitlements_expired_total",
			Help: "Cancelled entitlements moved to expired by the sweeper.",
		}),
	}

	reg.MustRegister(
		c.signIns,
		c.tokenRejections,
		c.webhookEvents,
		c.webhookRetries,
		c.secretLookups,
		c.rateLimited,
		c.entitlementSweep,
	)

	return c
}

// RecordSignIn counts one sign-in attempt.
func (c *Collector) RecordSignIn(provider, outcome string) {
	c.signIns.WithLabelValues(provider, outcome).Inc()
}

// RecordTokenRejection counts one rejected session token.
func (c *Collector) RecordTokenRejection(reason string) {
	c.tokenRejections.WithLabelValues(reason).Inc()
}

// RecordWebhookEvent counts one processed billing event.
func (c *Collector) RecordWebhookEvent(eventType, outcome string) {
	c.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordRetry counts one retry queue dispatch.
func (c *Collector) RecordRetry(outcome string) {
	c.webhookRetries.WithLabelValues(outcome).Inc()
}

// RecordSecretLookup counts one secret resolution.
func (c *Collector) RecordSecretLookup(source string) {
	c.secretLookups.WithLabelValues(source).Inc()
}

// RecordRateLimited counts one request turned away with 429.
func (c *Collector) RecordRateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

// RecordExpired adds n sweeper expirations.
func (c *Collector) RecordExpired(n int64) {
	c.entitlementSweep.Add(float64(n))
}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
