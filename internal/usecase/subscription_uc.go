// File: internal/usecase/subscription_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	"telegram-vpn-subscription/internal/domain/ports/repository"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
)

// Compile-time check
var _ ucport.SubscriptionService = (*SubscriptionUseCase)(nil)

// LifecycleConfig holds the tunables of the state machine.
type LifecycleConfig struct {
	ReminderWindow  time.Duration
	RetryBudget     int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	PanelTimeout    time.Duration
	NotifyTimeout   time.Duration
	DisplayPrefix   string
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		ReminderWindow:  72 * time.Hour,
		RetryBudget:     3,
		RetryBackoff:    time.Minute,
		RetryBackoffMax: time.Hour,
		PanelTimeout:    10 * time.Second,
		NotifyTimeout:   5 * time.Second,
		DisplayPrefix:   "tg-",
	}
}

// backoff doubles the base delay per attempt already made, capped at RetryBackoffMax.
func (c LifecycleConfig) backoff(attempts int) time.Duration {
	d := c.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if c.RetryBackoffMax > 0 && d >= c.RetryBackoffMax {
			return c.RetryBackoffMax
		}
	}
	return d
}

// SubscriptionUseCase is the subscription state machine. Every transition of a
// user's subscription goes through Apply.
type SubscriptionUseCase struct {
	subs     repository.SubscriptionRepository
	invoices repository.InvoiceRepository
	jobs     repository.PanelJobRepository
	audit    repository.AuditRepository
	tm       repository.TransactionManager
	panel    adapter.PanelClient
	notifier adapter.Notifier
	locker   adapter.UserLocker
	cfg      LifecycleConfig
	log      *zerolog.Logger
	now      func() time.Time
	onCommit func(command string, from, to model.SubscriptionStatus)
}

func NewSubscriptionUseCase(
	subs repository.SubscriptionRepository,
	invoices repository.InvoiceRepository,
	jobs repository.PanelJobRepository,
	audit repository.AuditRepository,
	tm repository.TransactionManager,
	panel adapter.PanelClient,
	notifier adapter.Notifier,
	locker adapter.UserLocker,
	cfg LifecycleConfig,
	logger *zerolog.Logger,
) *SubscriptionUseCase {
	l := logger.With().Str("component", "subscription").Logger()
	return &SubscriptionUseCase{
		subs:     subs,
		invoices: invoices,
		jobs:     jobs,
		audit:    audit,
		tm:       tm,
		panel:    panel,
		notifier: notifier,
		locker:   locker,
		cfg:      cfg,
		log:      &l,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (uc *SubscriptionUseCase) WithClock(now func() time.Time) *SubscriptionUseCase {
	uc.now = now
	return uc
}

// OnCommit registers a hook called after every committed status transition.
func (uc *SubscriptionUseCase) OnCommit(fn func(command string, from, to model.SubscriptionStatus)) *SubscriptionUseCase {
	uc.onCommit = fn
	return uc
}

type invoiceUpdate struct {
	id     string
	status model.InvoiceStatus
	paidAt *time.Time
}

// transition is the outcome of deciding a command: everything written in one commit.
type transition struct {
	next      *model.Subscription // nil when the subscription row is unchanged
	invoice   *model.Invoice
	invoiceUp *invoiceUpdate
	jobs      []*model.PanelJob
	detail    string
	alerts    []adapter.OperatorAlert
	err       error // external failure reported together with the committed state
}

// Apply runs cmd against the user's subscription if its version equals expectedVersion.
//
// Errors are *domain.ConflictError, *domain.ValidationError or one of the external
// error types. An external error returned with a non-nil subscription means the
// returned state was committed and the error describes the deferred side effect.
func (uc *SubscriptionUseCase) Apply(ctx context.Context, userID string, cmd model.Command, expectedVersion int64) (*model.Subscription, error) {
	if userID == "" || cmd == nil {
		return nil, domain.Invalid(domain.ErrInvalidArgument, "user id and command are required")
	}
	log := uc.log.With().Str("user_id", userID).Str("command", cmd.Name()).Logger()

	unlock, err := uc.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLockNotAcquired, err)
	}
	defer unlock()

	cur, stored, err := uc.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, &domain.ConflictError{UserID: userID, Expected: expectedVersion, Actual: cur.Version}
	}

	now := uc.now()
	t, err := uc.decide(ctx, cur, cmd, now)
	if err != nil {
		log.Debug().Err(err).Str("status", string(cur.Status)).Msg("command not applied")
		return nil, err
	}

	committed, err := uc.commit(ctx, cur, stored, cmd.Name(), t, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to commit transition")
		return nil, err
	}
	log.Info().
		Str("from", string(cur.Status)).
		Str("to", string(committed.Status)).
		Int64("version", committed.Version).
		Msg("transition committed")

	uc.raise(ctx, &log, t.alerts)
	if t.err != nil {
		log.Warn().Err(t.err).Msg("external side effect deferred")
	}
	return committed, t.err
}

// Get returns the stored subscription or the implicit one in status none.
func (uc *SubscriptionUseCase) Get(ctx context.Context, userID string) (*model.Subscription, error) {
	sub, _, err := uc.load(ctx, userID)
	return sub, err
}

func (uc *SubscriptionUseCase) load(ctx context.Context, userID string) (*model.Subscription, bool, error) {
	sub, err := uc.subs.Get(ctx, repository.NoTX, userID)
	if errors.Is(err, domain.ErrNotFound) {
		sub, err = model.NewSubscription(userID, uc.now())
		return sub, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (uc *SubscriptionUseCase) decide(ctx context.Context, cur *model.Subscription, cmd model.Command, now time.Time) (*transition, error) {
	switch c := cmd.(type) {
	case model.RequestPurchase:
		return uc.requestPurchase(cur, c, now)
	case model.ConfirmPayment:
		return uc.confirmPayment(ctx, cur, c, now)
	case model.RetryProvisioning:
		return uc.retryProvisioning(ctx, cur, c, now)
	case model.SendReminder:
		return uc.sendReminder(ctx, cur, now)
	case model.Expire:
		if !cur.Status.Live() {
			return nil, notAllowed(cur, cmd)
		}
		if !cur.Expired(now) {
			return nil, domain.Invalid(domain.ErrNotExpired, "user %s", cur.UserID)
		}
		return uc.revoke(ctx, cur, model.SubscriptionStatusSuspended, now)
	case model.Suspend:
		if !cur.Status.Live() {
			return nil, notAllowed(cur, cmd)
		}
		t, err := uc.revoke(ctx, cur, model.SubscriptionStatusSuspended, now)
		if err == nil && c.Reason != "" {
			t.detail = joinDetail("reason: "+c.Reason, t.detail)
		}
		return t, err
	case model.Cancel:
		return uc.cancel(ctx, cur, now)
	case model.RetryDisable:
		return uc.retryDisable(ctx, cur, c, now)
	case model.Reprovision:
		return uc.reprovision(ctx, cur, c)
	case model.AbandonInvoice:
		return uc.abandonInvoice(ctx, cur, c)
	default:
		return nil, domain.Invalid(domain.ErrInvalidArgument, "unknown command %T", cmd)
	}
}

func (uc *SubscriptionUseCase) requestPurchase(cur *model.Subscription, c model.RequestPurchase, now time.Time) (*transition, error) {
	if cur.HasPendingInvoice() {
		return nil, domain.Invalid(domain.ErrPaymentInFlight, "invoice %s is outstanding", *cur.PendingInvoiceID)
	}
	if cur.Status == model.SubscriptionStatusPendingPayment {
		return nil, notAllowed(cur, c)
	}
	if c.Plan.IsZero() {
		return nil, domain.Invalid(domain.ErrUnknownPlan, "no plan given")
	}

	inv := &model.Invoice{
		ID:           uuid.NewString(),
		UserID:       cur.UserID,
		PlanID:       c.Plan.ID,
		Amount:       c.Plan.PriceXTR,
		Currency:     model.CurrencyXTR,
		DurationDays: c.Plan.Days,
		TrafficGB:    c.Plan.TrafficGB,
		Devices:      c.Plan.Devices,
		Status:       model.InvoiceStatusOpen,
		CreatedAt:    now,
	}
	next := cur.Clone()
	next.PendingInvoiceID = &inv.ID
	if cur.Status == model.SubscriptionStatusNone {
		next.Status = model.SubscriptionStatusPendingPayment
	}
	return &transition{
		next:    next,
		invoice: inv,
		detail:  fmt.Sprintf("invoice %s plan %s amount %d", inv.ID, inv.PlanID, inv.Amount),
	}, nil
}

func (uc *SubscriptionUseCase) confirmPayment(ctx context.Context, cur *model.Subscription, c model.ConfirmPayment, now time.Time) (*transition, error) {
	inv, err := uc.pendingInvoice(ctx, cur, c.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != model.InvoiceStatusOpen {
		return nil, domain.Invalid(domain.ErrInvalidTransition, "invoice %s is already %s", inv.ID, inv.Status)
	}
	if c.Amount != 0 && c.Amount != inv.Amount {
		return nil, domain.Invalid(domain.ErrAmountMismatch, "paid %d, invoice %s expects %d", c.Amount, inv.ID, inv.Amount)
	}
	t := uc.provision(ctx, cur, inv, nil, now)
	if c.GatewayEventID != "" {
		t.detail = joinDetail("event "+c.GatewayEventID, t.detail)
	}
	return t, nil
}

func (uc *SubscriptionUseCase) retryProvisioning(ctx context.Context, cur *model.Subscription, c model.RetryProvisioning, now time.Time) (*transition, error) {
	if cur.Status == model.SubscriptionStatusCancelled {
		return nil, notAllowed(cur, c)
	}
	inv, err := uc.pendingInvoice(ctx, cur, c.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != model.InvoiceStatusPaid {
		return nil, domain.Invalid(domain.ErrInvoiceNotPaid, "invoice %s is %s", inv.ID, inv.Status)
	}
	job, err := uc.provisionJob(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	return uc.provision(ctx, cur, inv, job, now), nil
}

// provisionJob returns the invoice's provision job, reopened when an earlier run gave
// up on it. Its reserved account ref must survive so that an account created by a
// lost response is renewed rather than duplicated.
func (uc *SubscriptionUseCase) provisionJob(ctx context.Context, invoiceID string) (*model.PanelJob, error) {
	job, err := uc.jobs.FindLatestByInvoice(ctx, repository.NoTX, invoiceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Status = model.PanelJobPending
	return job, nil
}

// provision creates or renews the panel account for a paid invoice and decides the
// resulting state from the three-way outcome.
func (uc *SubscriptionUseCase) provision(ctx context.Context, cur *model.Subscription, inv *model.Invoice, job *model.PanelJob, now time.Time) *transition {
	newExpiry := cur.ExtendFrom(now, inv.Duration())
	spec := adapter.AccountSpec{
		UserID:      cur.UserID,
		DisplayName: uc.cfg.DisplayPrefix + cur.UserID,
		ExpiresAt:   newExpiry,
		TrafficGB:   inv.TrafficGB,
		Devices:     inv.Devices,
	}
	if job != nil {
		spec.Ref = job.PanelAccountRef
	}

	pctx, cancel := context.WithTimeout(ctx, uc.cfg.PanelTimeout)
	defer cancel()
	ref, replaced, err := uc.upsertAccount(pctx, cur, newExpiry, &spec)

	paidAt := now
	if inv.PaidAt != nil {
		paidAt = *inv.PaidAt
	}
	next := cur.Clone()
	t := &transition{next: next}

	if err == nil {
		next.Status = model.SubscriptionStatusActive
		next.ExpiresAt = &newExpiry
		next.PanelAccountRef = &ref
		next.PendingInvoiceID = nil
		next.LastReminderSentAt = nil
		t.invoiceUp = &invoiceUpdate{id: inv.ID, status: model.InvoiceStatusFulfilled, paidAt: &paidAt}
		if job != nil {
			job.Status = model.PanelJobDone
			job.LastError = ""
			t.jobs = append(t.jobs, job)
		}
		t.detail = fmt.Sprintf("invoice %s fulfilled, expires_at %s", inv.ID, newExpiry.Format(time.RFC3339))
		if replaced {
			old := ""
			if cur.HasPanelAccount() {
				old = *cur.PanelAccountRef
			}
			t.detail += fmt.Sprintf(", panel account replaced %s -> %s", old, ref)
			t.alerts = append(t.alerts, adapter.OperatorAlert{
				UserID:    cur.UserID,
				InvoiceID: inv.ID,
				Kind:      adapter.AlertAccountReplaced,
				Message:   fmt.Sprintf("panel account %s was missing and has been replaced by %s", old, ref),
			})
		}
		return t
	}

	// The payment is recorded as paid and the invoice stays pending until provisioning succeeds.
	t.invoiceUp = &invoiceUpdate{id: inv.ID, status: model.InvoiceStatusPaid, paidAt: &paidAt}
	job = uc.recordAttempt(job, model.PanelJobProvision, cur.UserID, now, err)
	job.InvoiceID = inv.ID
	job.PanelAccountRef = spec.Ref
	t.jobs = append(t.jobs, job)
	t.err = err

	if adapter.Classify(err) == adapter.OutcomeRetryable {
		next.Status = model.SubscriptionStatusGrace
		t.detail = fmt.Sprintf("invoice %s paid, provisioning deferred (attempt %d/%d): %v", inv.ID, job.Attempts, uc.cfg.RetryBudget, err)
	} else {
		t.detail = fmt.Sprintf("invoice %s paid, provisioning failed: %v", inv.ID, err)
	}
	switch job.Status {
	case model.PanelJobExhausted:
		t.alerts = append(t.alerts, adapter.OperatorAlert{
			UserID:    cur.UserID,
			InvoiceID: inv.ID,
			Kind:      adapter.AlertRetriesExhausted,
			Message:   fmt.Sprintf("provisioning gave up after %d attempts: %v", job.Attempts, err),
		})
	case model.PanelJobFailed:
		t.alerts = append(t.alerts, adapter.OperatorAlert{
			UserID:    cur.UserID,
			InvoiceID: inv.ID,
			Kind:      adapter.AlertProvisionFailed,
			Message:   fmt.Sprintf("provisioning failed: %v", err),
		})
	}
	return t
}

// upsertAccount renews the existing account or creates one. A renewal that finds the
// account gone falls back to creating a replacement.
func (uc *SubscriptionUseCase) upsertAccount(ctx context.Context, cur *model.Subscription, newExpiry time.Time, spec *adapter.AccountSpec) (string, bool, error) {
	replaced := false
	if cur.HasPanelAccount() {
		ref := *cur.PanelAccountRef
		err := uc.panel.RenewAccount(ctx, ref, newExpiry, *spec)
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return ref, false, err
		}
		uc.log.Warn().Str("user_id", cur.UserID).Str("panel_ref", ref).Msg("panel account missing on renewal, provisioning a replacement")
		replaced = true
	}
	ref, err := uc.createAccount(ctx, newExpiry, spec)
	return ref, replaced && err == nil, err
}

// createAccount may be repeated with the same spec.Ref: an account left behind by an
// earlier attempt whose response was lost gets renewed instead of duplicated.
func (uc *SubscriptionUseCase) createAccount(ctx context.Context, newExpiry time.Time, spec *adapter.AccountSpec) (string, error) {
	if spec.Ref == "" {
		spec.Ref = uuid.NewString()
	} else {
		err := uc.panel.RenewAccount(ctx, spec.Ref, newExpiry, *spec)
		if err == nil {
			return spec.Ref, nil
		}
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return "", err
		}
	}
	return uc.panel.CreateAccount(ctx, *spec)
}

func (uc *SubscriptionUseCase) sendReminder(ctx context.Context, cur *model.Subscription, now time.Time) (*transition, error) {
	if !cur.Status.Live() {
		return nil, notAllowed(cur, model.SendReminder{})
	}
	if !cur.ReminderDue(now, uc.cfg.ReminderWindow) {
		return nil, domain.Invalid(domain.ErrReminderNotDue, "user %s", cur.UserID)
	}

	nctx, cancel := context.WithTimeout(ctx, uc.cfg.NotifyTimeout)
	defer cancel()
	if err := uc.notifier.NotifyReminder(nctx, cur.UserID, *cur.ExpiresAt); err != nil {
		if !domain.IsRetryable(err) && !domain.IsTerminal(err) {
			err = &domain.RetryableExternalError{Op: "notify reminder", Err: err}
		}
		return nil, err
	}

	next := cur.Clone()
	next.LastReminderSentAt = &now
	return &transition{
		next:   next,
		detail: "expires_at " + cur.ExpiresAt.Format(time.RFC3339),
	}, nil
}

// revoke moves the subscription to a non-live status and disables the panel account.
// A failed disable does not block the transition; it is queued for retry instead.
func (uc *SubscriptionUseCase) revoke(ctx context.Context, cur *model.Subscription, to model.SubscriptionStatus, now time.Time) (*transition, error) {
	next := cur.Clone()
	next.Status = to
	t := &transition{next: next}
	if !cur.HasPanelAccount() {
		return t, nil
	}
	ref := *cur.PanelAccountRef

	pctx, cancel := context.WithTimeout(ctx, uc.cfg.PanelTimeout)
	defer cancel()
	err := uc.panel.DisableAccount(pctx, ref)
	if err == nil {
		return t, nil
	}

	job, ferr := uc.openJob(ctx, cur.UserID, model.PanelJobDisable)
	if ferr != nil {
		return nil, ferr
	}
	if job != nil && job.PanelAccountRef != ref {
		job.Status = model.PanelJobObsolete
		t.jobs = append(t.jobs, job)
		job = nil
	}
	job = uc.recordAttempt(job, model.PanelJobDisable, cur.UserID, now, err)
	job.PanelAccountRef = ref
	t.jobs = append(t.jobs, job)
	t.detail = fmt.Sprintf("panel disable deferred: %v", err)
	if job.Status != model.PanelJobPending {
		t.alerts = append(t.alerts, disableAlert(cur.UserID, ref, job, err))
	}
	return t, nil
}

func (uc *SubscriptionUseCase) cancel(ctx context.Context, cur *model.Subscription, now time.Time) (*transition, error) {
	if cur.Status == model.SubscriptionStatusCancelled {
		return nil, notAllowed(cur, model.Cancel{})
	}
	t, err := uc.revoke(ctx, cur, model.SubscriptionStatusCancelled, now)
	if err != nil {
		return nil, err
	}
	if !cur.HasPendingInvoice() {
		return t, nil
	}

	id := *cur.PendingInvoiceID
	t.next.PendingInvoiceID = nil
	inv, err := uc.invoices.FindByID(ctx, repository.NoTX, id)
	if errors.Is(err, domain.ErrNotFound) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	switch inv.Status {
	case model.InvoiceStatusOpen:
		t.invoiceUp = &invoiceUpdate{id: id, status: model.InvoiceStatusAbandoned}
		t.detail = joinDetail("invoice "+id+" abandoned", t.detail)
	case model.InvoiceStatusPaid:
		job, err := uc.openJob(ctx, cur.UserID, model.PanelJobProvision)
		if err != nil {
			return nil, err
		}
		if job != nil {
			job.Status = model.PanelJobObsolete
			t.jobs = append(t.jobs, job)
		}
		t.detail = joinDetail("paid invoice "+id+" left unfulfilled", t.detail)
		t.alerts = append(t.alerts, adapter.OperatorAlert{
			UserID:    cur.UserID,
			InvoiceID: id,
			Kind:      adapter.AlertRefundNeeded,
			Message:   fmt.Sprintf("subscription cancelled with paid invoice %s (%d %s) not provisioned", id, inv.Amount, inv.Currency),
		})
	}
	return t, nil
}

func (uc *SubscriptionUseCase) retryDisable(ctx context.Context, cur *model.Subscription, c model.RetryDisable, now time.Time) (*transition, error) {
	job, err := uc.jobs.FindByID(ctx, repository.NoTX, c.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Invalid(domain.ErrInvalidArgument, "unknown panel job %s", c.JobID)
	}
	if err != nil {
		return nil, err
	}
	if !job.Open() || job.Kind != model.PanelJobDisable || job.UserID != cur.UserID {
		return nil, domain.Invalid(domain.ErrInvalidTransition, "panel job %s is %s", job.ID, job.Status)
	}

	revoked := cur.Status == model.SubscriptionStatusSuspended || cur.Status == model.SubscriptionStatusCancelled
	if !revoked || !cur.HasPanelAccount() || *cur.PanelAccountRef != job.PanelAccountRef {
		job.Status = model.PanelJobObsolete
		return &transition{jobs: []*model.PanelJob{job}}, nil
	}

	pctx, cancel := context.WithTimeout(ctx, uc.cfg.PanelTimeout)
	defer cancel()
	err = uc.panel.DisableAccount(pctx, job.PanelAccountRef)
	if err == nil {
		job.Status = model.PanelJobDone
		job.LastError = ""
		return &transition{jobs: []*model.PanelJob{job}}, nil
	}

	job = uc.recordAttempt(job, model.PanelJobDisable, cur.UserID, now, err)
	t := &transition{jobs: []*model.PanelJob{job}, err: err}
	if job.Status != model.PanelJobPending {
		t.alerts = append(t.alerts, disableAlert(cur.UserID, job.PanelAccountRef, job, err))
	}
	return t, nil
}

func (uc *SubscriptionUseCase) reprovision(ctx context.Context, cur *model.Subscription, c model.Reprovision) (*transition, error) {
	if !cur.Status.Live() || cur.ExpiresAt == nil {
		return nil, notAllowed(cur, c)
	}
	if c.Plan.IsZero() {
		return nil, domain.Invalid(domain.ErrUnknownPlan, "no plan given")
	}

	pctx, cancel := context.WithTimeout(ctx, uc.cfg.PanelTimeout)
	defer cancel()
	ref, err := uc.panel.CreateAccount(pctx, adapter.AccountSpec{
		Ref:         uuid.NewString(),
		UserID:      cur.UserID,
		DisplayName: uc.cfg.DisplayPrefix + cur.UserID,
		ExpiresAt:   *cur.ExpiresAt,
		TrafficGB:   c.Plan.TrafficGB,
		Devices:     c.Plan.Devices,
	})
	if err != nil {
		return nil, err
	}

	old := ""
	if cur.HasPanelAccount() {
		old = *cur.PanelAccountRef
		if derr := uc.panel.DisableAccount(pctx, old); derr != nil {
			uc.log.Warn().Err(derr).Str("user_id", cur.UserID).Str("panel_ref", old).Msg("failed to disable replaced panel account")
		}
	}
	next := cur.Clone()
	next.PanelAccountRef = &ref
	return &transition{
		next:   next,
		detail: fmt.Sprintf("panel account replaced %s -> %s", old, ref),
	}, nil
}

func (uc *SubscriptionUseCase) abandonInvoice(ctx context.Context, cur *model.Subscription, c model.AbandonInvoice) (*transition, error) {
	inv, err := uc.pendingInvoice(ctx, cur, c.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != model.InvoiceStatusOpen {
		return nil, domain.Invalid(domain.ErrInvalidTransition, "invoice %s is %s", inv.ID, inv.Status)
	}
	next := cur.Clone()
	next.PendingInvoiceID = nil
	if cur.Status == model.SubscriptionStatusPendingPayment {
		next.Status = model.SubscriptionStatusNone
	}
	return &transition{
		next:      next,
		invoiceUp: &invoiceUpdate{id: inv.ID, status: model.InvoiceStatusAbandoned},
		detail:    "invoice " + inv.ID + " abandoned",
	}, nil
}

func (uc *SubscriptionUseCase) pendingInvoice(ctx context.Context, cur *model.Subscription, id string) (*model.Invoice, error) {
	if !cur.PendingInvoiceIs(id) {
		return nil, domain.Invalid(domain.ErrInvoiceMismatch, "invoice %s is not pending for user %s", id, cur.UserID)
	}
	inv, err := uc.invoices.FindByID(ctx, repository.NoTX, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Invalid(domain.ErrUnknownInvoice, "invoice %s", id)
	}
	return inv, err
}

func (uc *SubscriptionUseCase) openJob(ctx context.Context, userID string, kind model.PanelJobKind) (*model.PanelJob, error) {
	job, err := uc.jobs.FindOpen(ctx, repository.NoTX, userID, kind)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return job, err
}

// recordAttempt books one failed attempt on job, creating it when nil. Terminal errors
// fail the job; retryable ones reschedule it until the budget is spent.
func (uc *SubscriptionUseCase) recordAttempt(job *model.PanelJob, kind model.PanelJobKind, userID string, now time.Time, err error) *model.PanelJob {
	if job == nil {
		job = &model.PanelJob{
			ID:        uuid.NewString(),
			Kind:      kind,
			UserID:    userID,
			Status:    model.PanelJobPending,
			CreatedAt: now,
		}
	}
	job.Attempts++
	job.LastError = err.Error()
	switch {
	case adapter.Classify(err) == adapter.OutcomeTerminal:
		job.Status = model.PanelJobFailed
	case job.Attempts >= uc.cfg.RetryBudget:
		job.Status = model.PanelJobExhausted
	default:
		job.NextAttemptAt = now.Add(uc.cfg.backoff(job.Attempts))
	}
	return job
}

func (uc *SubscriptionUseCase) commit(ctx context.Context, cur *model.Subscription, stored bool, command string, t *transition, now time.Time) (*model.Subscription, error) {
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if t.next != nil {
			t.next.Version = cur.Version + 1
			t.next.UpdatedAt = now
			if stored {
				if err := uc.subs.UpdateIfVersion(ctx, tx, t.next, cur.Version); err != nil {
					return err
				}
			} else if err := uc.subs.Insert(ctx, tx, t.next); err != nil {
				return err
			}
		}
		if t.invoice != nil {
			if err := uc.invoices.Save(ctx, tx, t.invoice); err != nil {
				return err
			}
		}
		if u := t.invoiceUp; u != nil {
			if err := uc.invoices.UpdateStatus(ctx, tx, u.id, u.status, u.paidAt); err != nil {
				return err
			}
		}
		for _, j := range t.jobs {
			j.UpdatedAt = now
			if err := uc.jobs.Save(ctx, tx, j); err != nil {
				return err
			}
		}
		if t.next == nil {
			return nil
		}
		return uc.audit.Append(ctx, tx, &model.AuditEntry{
			ID:        ulid.Make().String(),
			UserID:    cur.UserID,
			Command:   command,
			OldStatus: cur.Status,
			NewStatus: t.next.Status,
			Version:   t.next.Version,
			Detail:    t.detail,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	if t.next == nil {
		return cur, nil
	}
	if uc.onCommit != nil {
		uc.onCommit(command, cur.Status, t.next.Status)
	}
	return t.next, nil
}

// raise delivers operator alerts. Delivery failures are logged and never undo a commit.
func (uc *SubscriptionUseCase) raise(ctx context.Context, log *zerolog.Logger, alerts []adapter.OperatorAlert) {
	for _, a := range alerts {
		log.Warn().Str("alert", a.Kind).Str("invoice_id", a.InvoiceID).Msg(a.Message)
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.NotifyTimeout)
		if err := uc.notifier.Alert(actx, a); err != nil {
			log.Error().Err(err).Str("alert", a.Kind).Msg("failed to deliver operator alert")
		}
		cancel()
	}
}

func disableAlert(userID, ref string, job *model.PanelJob, err error) adapter.OperatorAlert {
	return adapter.OperatorAlert{
		UserID:  userID,
		Kind:    adapter.AlertDisableFailed,
		Message: fmt.Sprintf("panel account %s could not be disabled after %d attempts: %v", ref, job.Attempts, err),
	}
}

func notAllowed(cur *model.Subscription, cmd model.Command) error {
	return domain.Invalid(domain.ErrInvalidTransition, "%s not allowed from %s", cmd.Name(), cur.Status)
}

func joinDetail(a, b string) string {
	if b == "" {
		return a
	}
	return a + "; " + b
}
