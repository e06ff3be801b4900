package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payu",
			Name:      "gateway_requests_total",
			Help:      "Requests sent to the PayU REST API by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payu",
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of PayU REST API calls",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.2, 2, 3, 5, 8, 15},
		},
		[]string{"operation"},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payu",
			Name:      "token_refreshes_total",
			Help:      "OAuth token authorizations by outcome",
		},
		[]string{"outcome"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payu",
			Name:      "webhooks_total",
			Help:      "Inbound notifications by result",
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payu",
			Name:      "http_requests_total",
			Help:      "HTTP requests served by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payu",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payu",
			Name:      "payment_transitions_total",
			Help:      "Payment state transitions requested by reconciliation, applied or skipped",
		},
		[]string{"event", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		GatewayRequestsTotal,
		GatewayRequestDuration,
		TokenRefreshesTotal,
		WebhooksTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransitionsTotal,
	)
}

type Timer struct {
	start time.Time
}

func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveGateway records one gateway call.
func ObserveGateway(operation, outcome string, t *Timer) {
	GatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
	GatewayRequestDuration.WithLabelValues(operation).Observe(t.Duration().Seconds())
}

func ObserveHTTP(method, route string, status int, t *Timer) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(t.Duration().Seconds())
}

func IncTokenRefresh(outcome string) {
	TokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

func IncWebhook(result string) {
	WebhooksTotal.WithLabelValues(result).Inc()
}

func IncTransition(event, result string) {
	TransitionsTotal.WithLabelValues(event, result).Inc()
}
