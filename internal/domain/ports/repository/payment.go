package repository

import (
	"context"
	"time"

	"telegram-vpn-subscription/internal/domain/model"
)

// -----------------------------
// Invoices
// -----------------------------

type InvoiceRepository interface {
	Save(ctx context.Context, tx Tx, inv *model.Invoice) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Invoice, error)
	UpdateStatus(ctx context.Context, tx Tx, id string, status model.InvoiceStatus, paidAt *time.Time) error
	// ListOpenBefore returns open invoices created before cutoff, oldest first.
	ListOpenBefore(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.Invoice, error)
}

// -----------------------------
// Processed payment events
// -----------------------------

type ProcessedEventRepository interface {
	FindByGatewayID(ctx context.Context, tx Tx, gatewayEventID string) (*model.ProcessedEvent, error)
	// Record inserts the event once. A duplicate gateway id yields domain.ErrAlreadyExists.
	Record(ctx context.Context, tx Tx, ev *model.ProcessedEvent) error
	// Resolve moves a pending event to its final outcome.
	Resolve(ctx context.Context, tx Tx, gatewayEventID string, outcome model.EventOutcome, at time.Time, detail string) error
	// ListPending returns events recorded before olderThan whose outcome is still pending.
	ListPending(ctx context.Context, tx Tx, olderThan time.Time, limit int) ([]*model.ProcessedEvent, error)
	HasPendingForInvoice(ctx context.Context, tx Tx, invoiceID string) (bool, error)
}
