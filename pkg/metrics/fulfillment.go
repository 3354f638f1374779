package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// FulfillmentMetrics counts checkout, payment reconciliation and ledger events.
// One instance backs the checkout, reconciler, ledger and outbox recorders.
type FulfillmentMetrics struct {
	checkouts  *prometheus.CounterVec
	webhooks   *prometheus.CounterVec
	decrements *prometheus.CounterVec
	shipments  *prometheus.CounterVec
	outbox     *prometheus.CounterVec
}

func NewFulfillmentMetrics(reg prometheus.Registerer) *FulfillmentMetrics {
	if reg == nil {
		return &FulfillmentMetrics{}
	}
	checkouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkout_orders_total",
		Help:      "Checkout attempts by payment method and outcome.",
	}, []string{"method", "outcome"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Payment provider deliveries by provider and outcome.",
	}, []string{"provider", "outcome"})
	decrements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stock_decrements_total",
		Help:      "Applied order item stock decrements by ledger mode.",
	}, []string{"mode", "oversold"})
	shipments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shipment_events_total",
		Help:      "Carrier status events applied to shipments.",
	}, []string{"status", "source"})
	outbox := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_publish_total",
		Help:      "Outbox rows handled by the publisher by event type and outcome.",
	}, []string{"event_type", "outcome"})
	reg.MustRegister(checkouts, webhooks, decrements, shipments, outbox)
	return &FulfillmentMetrics{
		checkouts:  checkouts,
		webhooks:   webhooks,
		decrements: decrements,
		shipments:  shipments,
		outbox:     outbox,
	}
}

func (m *FulfillmentMetrics) CheckoutCompleted(method, outcome string) {
	if m == nil || m.checkouts == nil {
		return
	}
	m.checkouts.WithLabelValues(labelOrUnknown(method), labelOrUnknown(outcome)).Inc()
}

func (m *FulfillmentMetrics) WebhookEvent(provider, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(labelOrUnknown(provider), labelOrUnknown(outcome)).Inc()
}

func (m *FulfillmentMetrics) StockDecremented(mode string, oversold bool) {
	if m == nil || m.decrements == nil {
		return
	}
	m.decrements.WithLabelValues(labelOrUnknown(mode), strconv.FormatBool(oversold)).Inc()
}

func (m *FulfillmentMetrics) ShipmentEvent(status, source string) {
	if m == nil || m.shipments == nil {
		return
	}
	m.shipments.WithLabelValues(labelOrUnknown(status), labelOrUnknown(source)).Inc()
}

func (m *FulfillmentMetrics) OutboxPublished(eventType, outcome string) {
	if m == nil || m.outbox == nil {
		return
	}
	m.outbox.WithLabelValues(labelOrUnknown(eventType), labelOrUnknown(outcome)).Inc()
}
