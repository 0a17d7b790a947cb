package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storefront"

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route, method and status class.",
	}, []string{"route", "method", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	// Checkouts 按结果统计：created / insufficient_stock / invalid / conflict / error。
	Checkouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "order", Name: "checkouts_total",
		Help: "Checkout attempts by outcome.",
	}, []string{"outcome"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "order", Name: "transitions_total",
		Help: "Order status transitions.",
	}, []string{"from", "to"})

	PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "payment", Name: "transitions_total",
		Help: "Payment status transitions by source (create, webhook, poll, cancel).",
	}, []string{"source", "status"})

	Webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "payment", Name: "webhooks_total",
		Help: "Webhook deliveries by provider and result.",
	}, []string{"provider", "result"})

	GatewayCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "payment", Name: "gateway_call_duration_seconds",
		Help:    "Latency of payment gateway calls.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	}, []string{"op", "result"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "outbox", Name: "published_total",
		Help: "Outbox events relayed to Kafka by result.",
	}, []string{"result"})
)

// StatusClass 把状态码归为 2xx/3xx/4xx/5xx，控制标签基数。
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
