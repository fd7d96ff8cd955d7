package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for webhook processing.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// Billing holds the Prometheus collectors for the billing subsystem. A nil
// *Billing is valid and records nothing.
type Billing struct {
	WebhooksReceived   *prometheus.CounterVec
	WebhookOutcomes    *prometheus.CounterVec
	WebhooksRejected   *prometheus.CounterVec
	WebhookRedelivery  *prometheus.CounterVec
	GatewayRequests    *prometheus.CounterVec
	GatewayDuration    *prometheus.HistogramVec
	NotificationsTotal *prometheus.CounterVec
	EmailDeliveries    *prometheus.CounterVec
	EmailQueueDepth    *prometheus.GaugeVec
}

// NewBilling creates and registers the billing collectors.
func NewBilling(registry prometheus.Registerer) *Billing {
	m := &Billing{
		WebhooksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_webhooks_received_total",
				Help: "Verified gateway webhooks by event kind",
			},
			[]string{"event"},
		),
		WebhookOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_webhook_outcomes_total",
				Help: "Webhook reconciliation outcomes by event kind",
			},
			[]string{"event", "outcome"},
		),
		WebhooksRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_webhooks_rejected_total",
				Help: "Webhooks rejected before reconciliation",
			},
			[]string{"reason"},
		),
		WebhookRedelivery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_webhook_redeliveries_total",
				Help: "Webhooks whose event id was already in the delivery log",
			},
			[]string{"event"},
		),
		GatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_gateway_requests_total",
				Help: "Payment gateway API calls",
			},
			[]string{"operation", "result"},
		),
		GatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subledger_gateway_request_duration_seconds",
				Help:    "Payment gateway API call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_notifications_total",
				Help: "Billing emails handed to the job queue by kind and result",
			},
			[]string{"kind", "result"},
		),
		EmailDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_email_deliveries_total",
				Help: "SMTP delivery attempts made by the job queue",
			},
			[]string{"kind", "result"},
		),
		EmailQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "subledger_email_queue_depth",
				Help: "Jobs waiting in or held by the email queue",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		m.WebhooksReceived,
		m.WebhookOutcomes,
		m.WebhooksRejected,
		m.WebhookRedelivery,
		m.GatewayRequests,
		m.GatewayDuration,
		m.NotificationsTotal,
		m.EmailDeliveries,
		m.EmailQueueDepth,
	)
	return m
}

func (m *Billing) WebhookReceived(event string) {
	if m == nil {
		return
	}
	m.WebhooksReceived.WithLabelValues(eventLabel(event)).Inc()
}

func (m *Billing) WebhookOutcome(event, outcome string) {
	if m == nil {
		return
	}
	m.WebhookOutcomes.WithLabelValues(eventLabel(event), outcome).Inc()
}

func (m *Billing) WebhookRejected(reason string) {
	if m == nil {
		return
	}
	m.WebhooksRejected.WithLabelValues(reason).Inc()
}

func (m *Billing) WebhookRedelivered(event string) {
	if m == nil {
		return
	}
	m.WebhookRedelivery.WithLabelValues(eventLabel(event)).Inc()
}

func (m *Billing) GatewayCall(operation string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(operation, resultLabel(err)).Inc()
	m.GatewayDuration.WithLabelValues(operation).Observe(took.Seconds())
}

func (m *Billing) Notification(kind string, err error) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (m *Billing) EmailDelivery(kind string, err error) {
	if m == nil {
		return
	}
	m.EmailDeliveries.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (m *Billing) EmailQueue(pending, processing int64) {
	if m == nil {
		return
	}
	m.EmailQueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.EmailQueueDepth.WithLabelValues("processing").Set(float64(processing))
}

// Handler exposes a registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// eventLabel keeps label cardinality bounded for unknown event names.
func eventLabel(event string) string {
	switch event {
	case "subscription.activated", "subscription.charged", "subscription.halted",
		"subscription.cancelled", "subscription.completed", "subscription.updated":
		return event
	case "":
		return "none"
	default:
		return "other"
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
