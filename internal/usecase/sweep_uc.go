// File: internal/usecase/sweep_uc.go
package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
)

// Compile-time check
var _ ucport.Sweeper = (*SweepUseCase)(nil)

type SweepConfig struct {
	ReminderWindow time.Duration
	GraceTolerance time.Duration
	InvoiceTTL     time.Duration
	Concurrency    int
	PageSize       int
	CommandTimeout time.Duration
}

// SweepUseCase is the scheduler: it turns elapsed time into ordinary commands
// issued through the state machine.
type SweepUseCase struct {
	subs     ucport.SubscriptionService
	subRepo  repository.SubscriptionRepository
	invoices repository.InvoiceRepository
	events   repository.ProcessedEventRepository
	jobs     repository.PanelJobRepository
	cfg      SweepConfig
	log      *zerolog.Logger
	now      func() time.Time
}

func NewSweepUseCase(
	subs ucport.SubscriptionService,
	subRepo repository.SubscriptionRepository,
	invoices repository.InvoiceRepository,
	events repository.ProcessedEventRepository,
	jobs repository.PanelJobRepository,
	cfg SweepConfig,
	logger *zerolog.Logger,
) *SweepUseCase {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	l := logger.With().Str("component", "sweep").Logger()
	return &SweepUseCase{
		subs:     subs,
		subRepo:  subRepo,
		invoices: invoices,
		events:   events,
		jobs:     jobs,
		cfg:      cfg,
		log:      &l,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (uc *SweepUseCase) WithClock(now func() time.Time) *SweepUseCase {
	uc.now = now
	return uc
}

type sweepCounters struct {
	scanned, reminded, expired, stale, failed, abandoned atomic.Int64
}

func (c *sweepCounters) report() ucport.SweepReport {
	return ucport.SweepReport{
		Scanned:   int(c.scanned.Load()),
		Reminded:  int(c.reminded.Load()),
		Expired:   int(c.expired.Load()),
		Stale:     int(c.stale.Load()),
		Failed:    int(c.failed.Load()),
		Abandoned: int(c.abandoned.Load()),
	}
}

// Sweep scans live subscriptions once. Cancelling ctx stops new commands from
// starting; commands already running finish on their own deadline.
func (uc *SweepUseCase) Sweep(ctx context.Context) (ucport.SweepReport, error) {
	var c sweepCounters
	var g errgroup.Group
	g.SetLimit(uc.cfg.Concurrency)

	after := ""
	stopped := false
	for !stopped {
		page, err := uc.subRepo.ListLive(ctx, repository.NoTX, after, uc.cfg.PageSize)
		if err != nil {
			_ = g.Wait()
			return c.report(), err
		}
		for _, sub := range page {
			if ctx.Err() != nil {
				stopped = true
				break
			}
			c.scanned.Add(1)
			sub := sub
			g.Go(func() error {
				uc.sweepOne(ctx, sub, &c)
				return nil
			})
		}
		if len(page) < uc.cfg.PageSize {
			break
		}
		after = page[len(page)-1].UserID
	}
	_ = g.Wait()

	if !stopped && ctx.Err() == nil {
		uc.abandonStaleInvoices(ctx, &c)
	}
	return c.report(), ctx.Err()
}

func (uc *SweepUseCase) sweepOne(ctx context.Context, sub *model.Subscription, c *sweepCounters) {
	now := uc.now()
	var cmd model.Command
	switch {
	case sub.ExpiresAt != nil && !now.Before(sub.ExpiresAt.Add(uc.cfg.GraceTolerance)):
		cmd = model.Expire{}
	case sub.ReminderDue(now, uc.cfg.ReminderWindow):
		cmd = model.SendReminder{}
	default:
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.CommandTimeout)
	defer cancel()
	log := uc.log.With().Str("user_id", sub.UserID).Str("command", cmd.Name()).Logger()

	_, err := uc.subs.Apply(cctx, sub.UserID, cmd, sub.Version)
	switch {
	case err == nil:
		if _, ok := cmd.(model.Expire); ok {
			c.expired.Add(1)
		} else {
			c.reminded.Add(1)
		}
	case domain.IsConflict(err), domain.IsValidation(err):
		// The subscription moved since the page was read; the next cycle sees the new state.
		c.stale.Add(1)
		log.Debug().Err(err).Msg("sweep command skipped")
	default:
		c.failed.Add(1)
		log.Warn().Err(err).Msg("sweep command failed")
	}
}

func (uc *SweepUseCase) abandonStaleInvoices(ctx context.Context, c *sweepCounters) {
	if uc.cfg.InvoiceTTL <= 0 {
		return
	}
	stale, err := uc.invoices.ListOpenBefore(ctx, repository.NoTX, uc.now().Add(-uc.cfg.InvoiceTTL), uc.cfg.PageSize)
	if err != nil {
		uc.log.Error().Err(err).Msg("failed to list stale invoices")
		return
	}
	for _, inv := range stale {
		if ctx.Err() != nil {
			return
		}
		// A recorded payment still waiting to be applied keeps its invoice.
		paying, err := uc.events.HasPendingForInvoice(ctx, repository.NoTX, inv.ID)
		if err != nil || paying {
			uc.log.Debug().Err(err).Str("invoice_id", inv.ID).Bool("payment_pending", paying).Msg("stale invoice kept")
			continue
		}
		sub, err := uc.subs.Get(ctx, inv.UserID)
		if err != nil {
			continue
		}
		_, err = uc.subs.Apply(ctx, inv.UserID, model.AbandonInvoice{InvoiceID: inv.ID}, sub.Version)
		if err != nil {
			uc.log.Debug().Err(err).Str("invoice_id", inv.ID).Msg("stale invoice not abandoned")
			continue
		}
		c.abandoned.Add(1)
	}
}

// RetryDue re-attempts panel side effects whose backoff has elapsed.
func (uc *SweepUseCase) RetryDue(ctx context.Context) (ucport.RetryReport, error) {
	due, err := uc.jobs.ListDue(ctx, repository.NoTX, uc.now(), uc.cfg.PageSize)
	if err != nil {
		return ucport.RetryReport{}, err
	}

	var attempted, succeeded, failed, obsolete atomic.Int64
	var g errgroup.Group
	g.SetLimit(uc.cfg.Concurrency)
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		attempted.Add(1)
		job := job
		g.Go(func() error {
			switch err := uc.retryOne(ctx, job); {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, errObsoleteJob):
				obsolete.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ucport.RetryReport{
		Attempted: int(attempted.Load()),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Obsolete:  int(obsolete.Load()),
	}, ctx.Err()
}

var errObsoleteJob = errors.New("panel job no longer applies")

func (uc *SweepUseCase) retryOne(ctx context.Context, job *model.PanelJob) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.CommandTimeout)
	defer cancel()
	log := uc.log.With().Str("user_id", job.UserID).Str("job_id", job.ID).Str("kind", string(job.Kind)).Int("attempts", job.Attempts).Logger()

	sub, err := uc.subs.Get(cctx, job.UserID)
	if err != nil {
		return err
	}
	var cmd model.Command = model.RetryDisable{JobID: job.ID}
	if job.Kind == model.PanelJobProvision {
		cmd = model.RetryProvisioning{InvoiceID: job.InvoiceID}
	}

	after, err := uc.subs.Apply(cctx, job.UserID, cmd, sub.Version)
	switch {
	case err == nil:
		if job.Kind == model.PanelJobDisable {
			if cur, ferr := uc.jobs.FindByID(cctx, repository.NoTX, job.ID); ferr == nil && cur.Status == model.PanelJobObsolete {
				return errObsoleteJob
			}
		}
		log.Info().Msg("panel job completed")
		return nil
	case domain.IsValidation(err) && job.Kind == model.PanelJobProvision:
		// The invoice is no longer pending for this user; nothing left to provision.
		job.Status = model.PanelJobObsolete
		job.LastError = err.Error()
		job.UpdatedAt = uc.now()
		if serr := uc.jobs.Save(cctx, repository.NoTX, job); serr != nil {
			return serr
		}
		log.Info().Err(err).Msg("panel job obsolete")
		return errObsoleteJob
	case after != nil:
		log.Warn().Err(err).Msg("panel job attempt failed")
		return err
	default:
		log.Debug().Err(err).Msg("panel job retry skipped")
		return err
	}
}
