package repository

import (
	"context"
	"time"

	"telegram-vpn-subscription/internal/domain/model"
)

// PanelJobRepository stores retry bookkeeping for panel side effects.
type PanelJobRepository interface {
	// Save inserts or updates the job by id.
	Save(ctx context.Context, tx Tx, job *model.PanelJob) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.PanelJob, error)
	// FindOpen returns the pending job of the given kind for the user, or domain.ErrNotFound.
	FindOpen(ctx context.Context, tx Tx, userID string, kind model.PanelJobKind) (*model.PanelJob, error)
	// FindLatestByInvoice returns the newest provision job of the invoice in any status.
	FindLatestByInvoice(ctx context.Context, tx Tx, invoiceID string) (*model.PanelJob, error)
	// ListDue returns pending jobs whose next attempt is at or before now.
	ListDue(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.PanelJob, error)
}
