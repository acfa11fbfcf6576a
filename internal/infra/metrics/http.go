package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(httpRequestDuration) }

var httpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "vpnsub_http_request_duration_seconds",
		Help:    "Duration of API requests by route pattern and status code.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	},
	[]string{"route", "code"},
)

func ObserveHTTP(route string, code int, took time.Duration) {
	httpRequestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(took.Seconds())
}
