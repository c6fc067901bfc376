package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GatewayRequestDuration tracks every outbound gateway call by operation and outcome.
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "checkout_gateway_request_duration_seconds",
			Help:    "Payment gateway request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "outcome"},
	)

	// StepTotal counts orchestrator steps by step name and resulting state.
	StepTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_steps_total",
			Help: "Payment orchestrator steps by resulting state",
		},
		[]string{"step", "state"},
	)

	// FailureTotal counts terminal failures by error kind.
	FailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_failures_total",
			Help: "Failed payment attempts by error kind",
		},
		[]string{"kind"},
	)

	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_http_requests_total",
			Help: "Total HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)
)
