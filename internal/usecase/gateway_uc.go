// File: internal/usecase/gateway_uc.go
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	"telegram-vpn-subscription/internal/domain/ports/repository"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
)

type GatewayConfig struct {
	ConflictRetries int
	PanelTimeout    time.Duration
	QRSize          int
}

// StatusView is what the chat interface renders for a user.
type StatusView struct {
	Subscription *model.Subscription
	Access       *adapter.AccessURI // nil when there is no live account or the panel is unreachable
}

// GatewayUseCase translates user intents into state machine commands.
type GatewayUseCase struct {
	subs     ucport.SubscriptionService
	exec     *CommandExecutor
	invoices repository.InvoiceRepository
	catalog  *model.Catalog
	issuer   adapter.InvoiceIssuer
	panel    adapter.PanelClient
	qr       adapter.QREncoder
	cfg      GatewayConfig
	log      *zerolog.Logger
}

func NewGatewayUseCase(
	subs ucport.SubscriptionService,
	invoices repository.InvoiceRepository,
	catalog *model.Catalog,
	issuer adapter.InvoiceIssuer,
	panel adapter.PanelClient,
	qr adapter.QREncoder,
	cfg GatewayConfig,
	logger *zerolog.Logger,
) *GatewayUseCase {
	if cfg.QRSize <= 0 {
		cfg.QRSize = 512
	}
	l := logger.With().Str("component", "gateway").Logger()
	return &GatewayUseCase{
		subs:     subs,
		exec:     NewCommandExecutor(subs, cfg.ConflictRetries),
		invoices: invoices,
		catalog:  catalog,
		issuer:   issuer,
		panel:    panel,
		qr:       qr,
		cfg:      cfg,
		log:      &l,
	}
}

func (uc *GatewayUseCase) Plans() []*model.Plan {
	return uc.catalog.List()
}

// Purchase opens an invoice for the plan and sends it to the user. If the invoice
// cannot be delivered it is abandoned so the user can try again.
func (uc *GatewayUseCase) Purchase(ctx context.Context, userID, planID string) (*model.Invoice, error) {
	plan, err := uc.catalog.Get(planID)
	if err != nil {
		return nil, domain.Invalid(err, "plan %q", planID)
	}
	sub, err := uc.exec.Execute(ctx, userID, model.RequestPurchase{Plan: plan})
	if err != nil {
		return nil, err
	}
	inv, err := uc.invoices.FindByID(ctx, repository.NoTX, *sub.PendingInvoiceID)
	if err != nil {
		return nil, err
	}

	if err := uc.issuer.SendInvoice(ctx, inv, plan); err != nil {
		uc.log.Warn().Err(err).Str("user_id", userID).Str("invoice_id", inv.ID).Msg("failed to send invoice, abandoning it")
		if _, aerr := uc.exec.Execute(context.WithoutCancel(ctx), userID, model.AbandonInvoice{InvoiceID: inv.ID}); aerr != nil {
			uc.log.Error().Err(aerr).Str("invoice_id", inv.ID).Msg("failed to abandon undelivered invoice")
		}
		if domain.IsRetryable(err) || domain.IsTerminal(err) {
			return nil, err
		}
		return nil, &domain.RetryableExternalError{Op: "send invoice", Err: err}
	}
	return inv, nil
}

func (uc *GatewayUseCase) Cancel(ctx context.Context, userID string) (*model.Subscription, error) {
	return uc.exec.Execute(ctx, userID, model.Cancel{})
}

// Status returns the subscription and, for live accounts, the access link.
func (uc *GatewayUseCase) Status(ctx context.Context, userID string) (*StatusView, error) {
	sub, err := uc.subs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Subscription: sub}
	if !sub.Status.Live() || !sub.HasPanelAccount() {
		return view, nil
	}
	pctx, cancel := context.WithTimeout(ctx, uc.cfg.PanelTimeout)
	defer cancel()
	access, err := uc.panel.FetchAccessURI(pctx, *sub.PanelAccountRef)
	if err != nil {
		uc.log.Warn().Err(err).Str("user_id", userID).Msg("failed to fetch access uri")
		return view, nil
	}
	view.Access = access
	return view, nil
}

// AccessQR renders the import deeplink of a live account as a PNG.
func (uc *GatewayUseCase) AccessQR(ctx context.Context, userID string) ([]byte, error) {
	view, err := uc.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	if view.Access == nil || view.Access.Deeplink == "" {
		if view.Subscription.Status.Live() && view.Subscription.HasPanelAccount() {
			return nil, &domain.RetryableExternalError{Op: "fetch access uri", Err: domain.ErrPanelUnavailable}
		}
		return nil, domain.Invalid(domain.ErrNoPanelAccount, "user %s", userID)
	}
	png, err := uc.qr.Encode(view.Access.Deeplink, uc.cfg.QRSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}
