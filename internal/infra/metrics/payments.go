package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		paymentEventsTotal,
		paymentsRevenueTotal,
		invoicesIssuedTotal,
	)
}

var (
	paymentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnsub_payment_events_total",
			Help: "Payment confirmations by outcome (applied, rejected, pending, duplicate).",
		},
		[]string{"source", "outcome"},
	)

	paymentsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnsub_payments_revenue_total",
			Help: "Value of applied payments, labeled by currency.",
		},
		[]string{"currency"},
	)

	invoicesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnsub_invoices_issued_total",
			Help: "Invoices sent to users, by plan and delivery status.",
		},
		[]string{"plan", "status"},
	)
)

func IncPaymentEvent(source, outcome string) {
	paymentEventsTotal.WithLabelValues(norm(source), norm(outcome)).Inc()
}

func AddPaymentRevenue(currency string, amount int64) {
	paymentsRevenueTotal.WithLabelValues(norm(currency)).Add(float64(amount))
}

func IncInvoiceIssued(planID, status string) {
	invoicesIssuedTotal.WithLabelValues(norm(planID), norm(status)).Inc()
}
