package usecase

import (
	"context"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
)

// AdminUseCase exposes the operator recovery paths.
type AdminUseCase struct {
	subs    ucport.SubscriptionService
	exec    *CommandExecutor
	audit   repository.AuditRepository
	catalog *model.Catalog
}

func NewAdminUseCase(subs ucport.SubscriptionService, audit repository.AuditRepository, catalog *model.Catalog, conflictRetries int) *AdminUseCase {
	return &AdminUseCase{
		subs:    subs,
		exec:    NewCommandExecutor(subs, conflictRetries),
		audit:   audit,
		catalog: catalog,
	}
}

func (uc *AdminUseCase) Suspend(ctx context.Context, userID, reason string) (*model.Subscription, error) {
	return uc.exec.Execute(ctx, userID, model.Suspend{Reason: reason})
}

// Reprovision replaces the user's panel account with a new one sized by planID.
func (uc *AdminUseCase) Reprovision(ctx context.Context, userID, planID string) (*model.Subscription, error) {
	plan, err := uc.catalog.Get(planID)
	if err != nil {
		return nil, domain.Invalid(err, "plan %q", planID)
	}
	return uc.exec.Execute(ctx, userID, model.Reprovision{Plan: plan})
}

// RetryProvisioning re-attempts provisioning of the user's paid pending invoice,
// including after the automatic retry budget was spent.
func (uc *AdminUseCase) RetryProvisioning(ctx context.Context, userID string) (*model.Subscription, error) {
	sub, err := uc.subs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.HasPendingInvoice() {
		return nil, domain.Invalid(domain.ErrInvoiceMismatch, "user %s has no pending invoice", userID)
	}
	return uc.exec.Execute(ctx, userID, model.RetryProvisioning{InvoiceID: *sub.PendingInvoiceID})
}

func (uc *AdminUseCase) Audit(ctx context.Context, userID string, limit int) ([]*model.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return uc.audit.ListByUser(ctx, repository.NoTX, userID, limit)
}
