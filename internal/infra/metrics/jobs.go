package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(sweepResultsTotal, workerRunsTotal) }

var (
	sweepResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnsub_sweep_results_total",
			Help: "Per-subscription results of scheduler passes.",
		},
		[]string{"worker", "result"}, // e.g. worker="sweep", result="expired"
	)

	workerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnsub_worker_runs_total",
			Help: "Scheduler passes by worker and status.",
		},
		[]string{"worker", "status"}, // ok, error
	)
)

func AddSweepResult(worker, result string, n int) {
	if n <= 0 {
		return
	}
	sweepResultsTotal.WithLabelValues(norm(worker), norm(result)).Add(float64(n))
}

func IncWorkerRun(worker, status string) {
	workerRunsTotal.WithLabelValues(norm(worker), norm(status)).Inc()
}
