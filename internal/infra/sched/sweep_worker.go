package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/domain/ports/repository"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
	"telegram-vpn-subscription/internal/infra/logging"
	"telegram-vpn-subscription/internal/infra/metrics"
)

// SweepWorker periodically turns elapsed time into reminders, expiries and
// abandoned invoices via the sweeper.
type SweepWorker struct {
	interval time.Duration
	sweeper  ucport.Sweeper
	subs     repository.SubscriptionRepository
	log      *zerolog.Logger
}

func NewSweepWorker(interval time.Duration, sweeper ucport.Sweeper, subs repository.SubscriptionRepository, logger *zerolog.Logger) *SweepWorker {
	l := logger.With().Str("component", "SweepWorker").Logger()
	return &SweepWorker{
		interval: interval,
		sweeper:  sweeper,
		subs:     subs,
		log:      &l,
	}
}

func (w *SweepWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting sweep worker")
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping sweep worker")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and refreshes the subscription gauges.
func (w *SweepWorker) RunOnce(ctx context.Context) ucport.SweepReport {
	defer logging.TraceDuration(w.log, "sweep")()
	rep, err := w.sweeper.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("sweep failed")
		metrics.IncWorkerRun("sweep", "error")
	} else {
		metrics.IncWorkerRun("sweep", "ok")
	}
	metrics.AddSweepResult("sweep", "reminded", rep.Reminded)
	metrics.AddSweepResult("sweep", "expired", rep.Expired)
	metrics.AddSweepResult("sweep", "stale", rep.Stale)
	metrics.AddSweepResult("sweep", "failed", rep.Failed)
	metrics.AddSweepResult("sweep", "abandoned", rep.Abandoned)
	if rep.Reminded+rep.Expired+rep.Failed+rep.Abandoned > 0 {
		w.log.Info().
			Int("scanned", rep.Scanned).
			Int("reminded", rep.Reminded).
			Int("expired", rep.Expired).
			Int("stale", rep.Stale).
			Int("failed", rep.Failed).
			Int("abandoned", rep.Abandoned).
			Msg("sweep finished")
	}

	if counts, err := w.subs.CountByStatus(ctx, repository.NoTX); err == nil {
		metrics.SetSubscriptions(counts)
	} else if ctx.Err() == nil {
		w.log.Warn().Err(err).Msg("failed to count subscriptions")
	}
	return rep
}
