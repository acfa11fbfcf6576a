// File: internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	"telegram-vpn-subscription/internal/domain/ports/repository"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
)

// Compile-time check
var (
	_ ucport.PaymentHandler    = (*PaymentUseCase)(nil)
	_ ucport.PaymentReconciler = (*PaymentUseCase)(nil)
)

type PaymentConfig struct {
	ConflictRetries int
	NotifyTimeout   time.Duration
	QRSize          int
}

// PaymentUseCase reconciles gateway payment confirmations with invoices and
// drives ConfirmPayment exactly once per gateway event.
type PaymentUseCase struct {
	subs     ucport.SubscriptionService
	exec     *CommandExecutor
	invoices repository.InvoiceRepository
	events   repository.ProcessedEventRepository
	audit    repository.AuditRepository
	panel    adapter.PanelClient
	notifier adapter.Notifier
	qr       adapter.QREncoder
	cfg      PaymentConfig
	log      *zerolog.Logger
	now      func() time.Time
}

func NewPaymentUseCase(
	subs ucport.SubscriptionService,
	invoices repository.InvoiceRepository,
	events repository.ProcessedEventRepository,
	audit repository.AuditRepository,
	panel adapter.PanelClient,
	notifier adapter.Notifier,
	qr adapter.QREncoder,
	cfg PaymentConfig,
	logger *zerolog.Logger,
) *PaymentUseCase {
	l := logger.With().Str("component", "payment_reconciler").Logger()
	if cfg.QRSize <= 0 {
		cfg.QRSize = 512
	}
	return &PaymentUseCase{
		subs:     subs,
		exec:     NewCommandExecutor(subs, cfg.ConflictRetries),
		invoices: invoices,
		events:   events,
		audit:    audit,
		panel:    panel,
		notifier: notifier,
		qr:       qr,
		cfg:      cfg,
		log:      &l,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (uc *PaymentUseCase) WithClock(now func() time.Time) *PaymentUseCase {
	uc.now = now
	return uc
}

// Handle processes one delivery of a payment event.
//
// The event is recorded before ConfirmPayment runs, so a crash in between leaves a
// pending record that the next delivery or ResumeUnapplied picks up. A malformed event
// is acknowledged as rejected together with its *domain.ValidationError.
func (uc *PaymentUseCase) Handle(ctx context.Context, ev model.PaymentEvent) (ucport.Ack, error) {
	log := uc.log.With().
		Str("gateway_event_id", ev.GatewayEventID).
		Str("invoice_id", ev.InvoiceID).
		Str("user_id", ev.UserID).
		Logger()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = uc.now()
	}
	if err := ev.Validate(); err != nil {
		ack, _ := uc.reject(ctx, &log, ev, err, false)
		return ack, err
	}

	prev, err := uc.events.FindByGatewayID(ctx, repository.NoTX, ev.GatewayEventID)
	switch {
	case err == nil && prev.Outcome != model.EventOutcomePending:
		log.Debug().Str("outcome", string(prev.Outcome)).Msg("duplicate payment event")
		return ucport.Ack{GatewayEventID: ev.GatewayEventID, Outcome: prev.Outcome, Duplicate: true, Detail: prev.Detail}, nil
	case err == nil:
		log.Info().Msg("resuming unresolved payment event")
		return uc.apply(ctx, &log, prev.Event, true)
	case !errors.Is(err, domain.ErrNotFound):
		return ucport.Ack{}, err
	}

	inv, err := uc.invoices.FindByID(ctx, repository.NoTX, ev.InvoiceID)
	if errors.Is(err, domain.ErrNotFound) {
		return uc.reject(ctx, &log, ev, domain.Invalid(domain.ErrUnknownInvoice, "invoice %s", ev.InvoiceID), false)
	}
	if err != nil {
		return ucport.Ack{}, err
	}
	switch {
	case inv.UserID != ev.UserID:
		return uc.reject(ctx, &log, ev, domain.Invalid(domain.ErrInvoiceUserMismatch, "invoice %s belongs to %s", inv.ID, inv.UserID), false)
	case inv.Amount != ev.Amount:
		return uc.reject(ctx, &log, ev, domain.Invalid(domain.ErrAmountMismatch, "paid %d, invoice expects %d", ev.Amount, inv.Amount), false)
	case inv.Status != model.InvoiceStatusOpen:
		return uc.reject(ctx, &log, ev, domain.Invalid(domain.ErrInvalidTransition, "invoice %s is already %s", inv.ID, inv.Status), false)
	}

	if err := uc.events.Record(ctx, repository.NoTX, &model.ProcessedEvent{Event: ev, Outcome: model.EventOutcomePending}); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			log.Debug().Msg("payment event recorded by a concurrent delivery")
			return ucport.Ack{GatewayEventID: ev.GatewayEventID, Outcome: model.EventOutcomePending, Duplicate: true}, nil
		}
		return ucport.Ack{}, err
	}
	return uc.apply(ctx, &log, ev, false)
}

// apply runs ConfirmPayment for a recorded event and resolves the record.
// resumed marks events recorded by an earlier delivery that may already have taken effect.
func (uc *PaymentUseCase) apply(ctx context.Context, log *zerolog.Logger, ev model.PaymentEvent, resumed bool) (ucport.Ack, error) {
	sub, err := uc.exec.Execute(ctx, ev.UserID, model.ConfirmPayment{
		InvoiceID:      ev.InvoiceID,
		GatewayEventID: ev.GatewayEventID,
		Amount:         ev.Amount,
	})
	switch {
	case err == nil:
		detail := "activated until " + sub.ExpiresAt.Format(time.RFC3339)
		uc.resolve(ctx, log, ev, model.EventOutcomeApplied, detail)
		uc.notifyActivated(ctx, log, sub)
		return ucport.Ack{GatewayEventID: ev.GatewayEventID, Outcome: model.EventOutcomeApplied, Detail: detail}, nil

	case sub != nil:
		// Payment recorded on the subscription, provisioning continues through the retry worker.
		detail := fmt.Sprintf("accepted with status %s: %v", sub.Status, err)
		uc.resolve(ctx, log, ev, model.EventOutcomeApplied, detail)
		return ucport.Ack{GatewayEventID: ev.GatewayEventID, Outcome: model.EventOutcomeApplied, Detail: detail}, nil

	case domain.IsValidation(err):
		if resumed && uc.settled(ctx, ev.InvoiceID) {
			uc.resolve(ctx, log, ev, model.EventOutcomeApplied, "already settled")
			return ucport.Ack{GatewayEventID: ev.GatewayEventID, Outcome: model.EventOutcomeApplied, Duplicate: true, Detail: "already settled"}, nil
		}
		return uc.reject(ctx, log, ev, err, true)

	default:
		log.Error().Err(err).Msg("payment event left pending")
		return ucport.Ack{GatewayEventID: ev.GatewayEventID, Outcome: model.EventOutcomePending}, err
	}
}

func (uc *PaymentUseCase) settled(ctx context.Context, invoiceID string) bool {
	inv, err := uc.invoices.FindByID(ctx, repository.NoTX, invoiceID)
	if err != nil {
		return false
	}
	return inv.Status == model.InvoiceStatusPaid || inv.Status == model.InvoiceStatusFulfilled
}

// reject records the event as rejected, audits it and alerts an operator. The payment
// happened at the gateway, so it must stay visible for a refund decision.
func (uc *PaymentUseCase) reject(ctx context.Context, log *zerolog.Logger, ev model.PaymentEvent, cause error, recorded bool) (ucport.Ack, error) {
	detail := cause.Error()
	log.Warn().Err(cause).Msg("payment event rejected")
	ack := ucport.Ack{GatewayEventID: ev.GatewayEventID, Outcome: model.EventOutcomeRejected, Detail: detail}

	if ev.GatewayEventID != "" {
		if recorded {
			uc.resolve(ctx, log, ev, model.EventOutcomeRejected, detail)
		} else {
			at := uc.now()
			err := uc.events.Record(ctx, repository.NoTX, &model.ProcessedEvent{
				Event:      ev,
				Outcome:    model.EventOutcomeRejected,
				Detail:     detail,
				ResolvedAt: &at,
			})
			if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
				return ack, err
			}
		}
	}

	entry := &model.AuditEntry{
		ID:        ulid.Make().String(),
		UserID:    ev.UserID,
		Command:   "payment_rejected",
		Detail:    fmt.Sprintf("event %s invoice %s amount %d: %s", ev.GatewayEventID, ev.InvoiceID, ev.Amount, detail),
		CreatedAt: uc.now(),
	}
	if ev.UserID != "" {
		if sub, err := uc.subs.Get(ctx, ev.UserID); err == nil {
			entry.OldStatus, entry.NewStatus, entry.Version = sub.Status, sub.Status, sub.Version
		}
	}
	if err := uc.audit.Append(ctx, repository.NoTX, entry); err != nil {
		log.Error().Err(err).Msg("failed to audit rejected payment")
	}

	kind := adapter.AlertUnresolvablePayment
	if errors.Is(cause, domain.ErrAmountMismatch) {
		kind = adapter.AlertAmountMismatch
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.NotifyTimeout)
	defer cancel()
	if err := uc.notifier.Alert(actx, adapter.OperatorAlert{
		UserID:    ev.UserID,
		InvoiceID: ev.InvoiceID,
		Kind:      kind,
		Message:   entry.Detail,
	}); err != nil {
		log.Error().Err(err).Msg("failed to deliver operator alert")
	}
	return ack, nil
}

func (uc *PaymentUseCase) resolve(ctx context.Context, log *zerolog.Logger, ev model.PaymentEvent, outcome model.EventOutcome, detail string) {
	if err := uc.events.Resolve(ctx, repository.NoTX, ev.GatewayEventID, outcome, uc.now(), detail); err != nil {
		// The record stays pending and the next pass resolves it as already settled.
		log.Error().Err(err).Str("outcome", string(outcome)).Msg("failed to resolve payment event")
	}
}

// notifyActivated sends the access link and its QR code. Best effort.
func (uc *PaymentUseCase) notifyActivated(ctx context.Context, log *zerolog.Logger, sub *model.Subscription) {
	if !sub.HasPanelAccount() || sub.ExpiresAt == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.NotifyTimeout)
	defer cancel()

	access, err := uc.panel.FetchAccessURI(nctx, *sub.PanelAccountRef)
	if err != nil {
		log.Warn().Err(err).Msg("failed to fetch access uri for activation notice")
	}
	var png []byte
	if access != nil && access.Deeplink != "" {
		if png, err = uc.qr.Encode(access.Deeplink, uc.cfg.QRSize); err != nil {
			log.Warn().Err(err).Msg("failed to render access qr code")
		}
	}
	if err := uc.notifier.NotifyActivated(nctx, sub.UserID, *sub.ExpiresAt, access, png); err != nil {
		log.Warn().Err(err).Msg("failed to send activation notice")
	}
}

// Precheck validates a payment before the gateway charges the user.
func (uc *PaymentUseCase) Precheck(ctx context.Context, invoiceID, userID string, amount int64) error {
	inv, err := uc.invoices.FindByID(ctx, repository.NoTX, invoiceID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Invalid(domain.ErrUnknownInvoice, "invoice %s", invoiceID)
	}
	if err != nil {
		return err
	}
	switch {
	case inv.UserID != userID:
		return domain.Invalid(domain.ErrInvoiceUserMismatch, "invoice %s", invoiceID)
	case inv.Status != model.InvoiceStatusOpen:
		return domain.Invalid(domain.ErrInvalidTransition, "invoice %s is %s", invoiceID, inv.Status)
	case inv.Amount != amount:
		return domain.Invalid(domain.ErrAmountMismatch, "amount %d, invoice expects %d", amount, inv.Amount)
	}
	sub, err := uc.subs.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !sub.PendingInvoiceIs(invoiceID) {
		return domain.Invalid(domain.ErrInvoiceMismatch, "invoice %s is no longer pending", invoiceID)
	}
	return nil
}

// ResumeUnapplied re-drives events recorded before now-olderThan that never got a
// final outcome, typically because the process stopped between record and apply.
func (uc *PaymentUseCase) ResumeUnapplied(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	pending, err := uc.events.ListPending(ctx, repository.NoTX, uc.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, pe := range pending {
		if ctx.Err() != nil {
			break
		}
		log := uc.log.With().
			Str("gateway_event_id", pe.Event.GatewayEventID).
			Str("user_id", pe.Event.UserID).
			Logger()
		ack, err := uc.apply(ctx, &log, pe.Event, true)
		if err != nil {
			continue
		}
		if ack.Outcome != model.EventOutcomePending {
			resolved++
		}
	}
	return resolved, nil
}
