package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"telegram-vpn-subscription/internal/domain/model"
)

func init() {
	register(
		transitionsTotal,
		commandsTotal,
		subscriptionsByStatus,
	)
}

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnsub_transitions_total",
			Help: "Committed subscription transitions by command and state change.",
		},
		[]string{"command", "from", "to"},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnsub_commands_total",
			Help: "Commands applied to subscriptions by result.",
		},
		[]string{"command", "result"}, // ok, conflict, invalid, retryable, terminal, error
	)

	subscriptionsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnsub_subscriptions",
			Help: "Current number of subscriptions by status.",
		},
		[]string{"status"},
	)
)

// ObserveTransition matches the lifecycle commit hook signature.
func ObserveTransition(command string, from, to model.SubscriptionStatus) {
	transitionsTotal.WithLabelValues(norm(command), string(from), string(to)).Inc()
}

func IncCommand(command, result string) {
	commandsTotal.WithLabelValues(norm(command), norm(result)).Inc()
}

// SetSubscriptions sets every known status, zeroing the ones missing from counts.
func SetSubscriptions(counts map[model.SubscriptionStatus]int) {
	for _, st := range []model.SubscriptionStatus{
		model.SubscriptionStatusPendingPayment,
		model.SubscriptionStatusActive,
		model.SubscriptionStatusGrace,
		model.SubscriptionStatusSuspended,
		model.SubscriptionStatusCancelled,
	} {
		subscriptionsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
