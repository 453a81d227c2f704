// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing used by the delivery engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds metric instruments for the delivery engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	EventsTriggeredTotal       prometheus.Counter
	DeliveriesTotal            *prometheus.CounterVec
	DeliveryDuration           prometheus.Histogram
	SubscriptionsDisabledTotal prometheus.Counter
	RetriesSweptTotal          *prometheus.CounterVec
}

// NewMetrics creates the instruments and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTriggeredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "webhooks_events_triggered_total",
			Help: "Events passed to TriggerEvent.",
		}),
		DeliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webhooks_deliveries_total",
			Help: "Delivery attempts by resulting status.",
		}, []string{"status"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhooks_delivery_duration_seconds",
			Help:    "Duration of delivery attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		SubscriptionsDisabledTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "webhooks_subscriptions_disabled_total",
			Help: "Subscriptions disabled by the circuit breaker.",
		}),
		RetriesSweptTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webhooks_retries_swept_total",
			Help: "Due retries handled by the sweep, by outcome.",
		}, []string{"outcome"}),
	}
}

// EventTriggered counts one TriggerEvent call.
func (m *Metrics) EventTriggered() {
	if m == nil {
		return
	}
	m.EventsTriggeredTotal.Inc()
}

// RecordDelivery records an attempt with the given resulting status and duration.
func (m *Metrics) RecordDelivery(status string, seconds float64) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(status).Inc()
	m.DeliveryDuration.Observe(seconds)
}

// SubscriptionDisabled counts a breaker trip.
func (m *Metrics) SubscriptionDisabled() {
	if m == nil {
		return
	}
	m.SubscriptionsDisabledTotal.Inc()
}

// RecordSweep adds n retries handled with the given outcome.
func (m *Metrics) RecordSweep(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RetriesSweptTotal.WithLabelValues(outcome).Add(float64(n))
}
