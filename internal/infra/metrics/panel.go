package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		panelCallsTotal,
		panelCallDuration,
		panelBreakerState,
	)
}

var (
	panelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnsub_panel_calls_total",
			Help: "Calls to the VPN panel by operation and classified outcome.",
		},
		[]string{"op", "outcome"}, // outcome: ok, retryable, terminal
	)

	panelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpnsub_panel_call_duration_seconds",
			Help:    "Latency of VPN panel calls in seconds, retries included.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"op"},
	)

	panelBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnsub_panel_breaker_state",
			Help: "Panel circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
	)
)

func ObservePanelCall(op, outcome string, took time.Duration) {
	panelCallsTotal.WithLabelValues(norm(op), norm(outcome)).Inc()
	panelCallDuration.WithLabelValues(norm(op)).Observe(took.Seconds())
}

func SetPanelBreakerState(state int) {
	panelBreakerState.Set(float64(state))
}
