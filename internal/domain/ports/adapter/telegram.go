// File: internal/domain/ports/adapter/telegram.go
package adapter

import (
	"context"
	"time"

	"telegram-vpn-subscription/internal/domain/model"
)

// Notifier delivers lifecycle messages to users and operators.
type Notifier interface {
	NotifyReminder(ctx context.Context, userID string, expiresAt time.Time) error
	NotifyActivated(ctx context.Context, userID string, expiresAt time.Time, access *AccessURI, qrPNG []byte) error
	Alert(ctx context.Context, alert OperatorAlert) error
}

// OperatorAlert is a failure that needs a human decision.
type OperatorAlert struct {
	UserID    string
	InvoiceID string
	Kind      string
	Message   string
}

const (
	AlertProvisionFailed     = "provision_failed"
	AlertRetriesExhausted    = "retries_exhausted"
	AlertAmountMismatch      = "amount_mismatch"
	AlertRefundNeeded        = "refund_needed"
	AlertDisableFailed       = "disable_failed"
	AlertAccountReplaced     = "account_replaced"
	AlertUnresolvablePayment = "unresolvable_payment"
)

// InvoiceIssuer sends a payable invoice to the user through the payment gateway.
type InvoiceIssuer interface {
	SendInvoice(ctx context.Context, inv *model.Invoice, plan *model.Plan) error
}

// QREncoder renders content into a PNG image.
type QREncoder interface {
	Encode(content string, size int) ([]byte, error)
}
