package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics exported at /metrics.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "HTTP requests handled, by method, route and status code.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "HTTP request latency, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	settlementsVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_settlements_verified_total",
		Help: "Settlement envelopes that passed attestation verification.",
	})

	settlementsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_settlements_rejected_total",
		Help: "Settlement envelopes rejected at the webhook.",
	})

	settlementsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_settlements_submitted_total",
		Help: "Settlements delivered on-chain.",
	})

	settlementsFailedAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_settlement_submit_failures_total",
		Help: "Failed on-chain delivery attempts.",
	})

	pendingSettlements = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_pending_settlements",
		Help: "Settlements awaiting on-chain delivery.",
	})
)
