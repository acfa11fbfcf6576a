package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
	"telegram-vpn-subscription/internal/infra/metrics"
)

// PaymentReconciler periodically re-drives payment events that were recorded but
// never resolved. This covers a crash between recording an event and applying it.
type PaymentReconciler struct {
	rec        ucport.PaymentReconciler
	interval   time.Duration // how often to scan
	staleAfter time.Duration // how old a pending event must be to retry
	limit      int
	log        *zerolog.Logger
}

func NewPaymentReconciler(rec ucport.PaymentReconciler, interval, staleAfter time.Duration, limit int, logger *zerolog.Logger) *PaymentReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if limit <= 0 {
		limit = 200
	}
	l := logger.With().Str("component", "PaymentReconciler").Logger()
	return &PaymentReconciler{rec: rec, interval: interval, staleAfter: staleAfter, limit: limit, log: &l}
}

func (w *PaymentReconciler) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting payment reconciler")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping payment reconciler")
			return ctx.Err()
		case <-t.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *PaymentReconciler) RunOnce(ctx context.Context) int {
	n, err := w.rec.ResumeUnapplied(ctx, w.staleAfter, w.limit)
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("failed to list pending payment events")
		metrics.IncWorkerRun("payment_reconciler", "error")
		return 0
	}
	metrics.IncWorkerRun("payment_reconciler", "ok")
	metrics.AddSweepResult("payment_reconciler", "resolved", n)
	if n > 0 {
		w.log.Info().Int("count", n).Msg("pending payment events reconciled")
	}
	return n
}
