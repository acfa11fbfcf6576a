package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
	"telegram-vpn-subscription/internal/infra/metrics"
)

// RetryWorker re-attempts deferred panel provisioning and disables once their
// backoff has elapsed.
type RetryWorker struct {
	interval time.Duration
	sweeper  ucport.Sweeper
	log      *zerolog.Logger
}

func NewRetryWorker(interval time.Duration, sweeper ucport.Sweeper, logger *zerolog.Logger) *RetryWorker {
	l := logger.With().Str("component", "RetryWorker").Logger()
	return &RetryWorker{
		interval: interval,
		sweeper:  sweeper,
		log:      &l,
	}
}

func (w *RetryWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting retry worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping retry worker")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *RetryWorker) RunOnce(ctx context.Context) ucport.RetryReport {
	rep, err := w.sweeper.RetryDue(ctx)
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("panel job retry failed")
		metrics.IncWorkerRun("retry", "error")
	} else {
		metrics.IncWorkerRun("retry", "ok")
	}
	metrics.AddSweepResult("retry", "succeeded", rep.Succeeded)
	metrics.AddSweepResult("retry", "failed", rep.Failed)
	metrics.AddSweepResult("retry", "obsolete", rep.Obsolete)
	if rep.Attempted > 0 {
		w.log.Info().
			Int("attempted", rep.Attempted).
			Int("succeeded", rep.Succeeded).
			Int("failed", rep.Failed).
			Int("obsolete", rep.Obsolete).
			Msg("panel jobs retried")
	}
	return rep
}
