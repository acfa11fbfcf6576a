package metrics

import (
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(dbPoolStats, dbErrorsTotal) }

var (
	dbPoolStats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnsub_db_pool_connections",
			Help: "Current state of the database connection pool.",
		},
		[]string{"state"}, // total, idle, in_use
	)

	dbErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnsub_db_errors_total",
			Help: "Repository calls that failed, by table and kind of failure.",
		},
		[]string{"table", "kind"},
	)
)

// ObservePool copies the pool statistics into the gauges.
func ObservePool(pool *pgxpool.Pool) {
	st := pool.Stat()
	dbPoolStats.WithLabelValues("total").Set(float64(st.TotalConns()))
	dbPoolStats.WithLabelValues("idle").Set(float64(st.IdleConns()))
	dbPoolStats.WithLabelValues("in_use").Set(float64(st.AcquiredConns()))
}

func IncDBError(table, kind string) {
	dbErrorsTotal.WithLabelValues(norm(table), norm(kind)).Inc()
}
