package model

// Command is an instruction applied to one user's subscription.
type Command interface {
	Name() string
}

// RequestPurchase opens an invoice for the plan.
type RequestPurchase struct {
	Plan *Plan
}

// ConfirmPayment applies a confirmed payment for the pending invoice.
type ConfirmPayment struct {
	InvoiceID      string
	GatewayEventID string
	Amount         int64
}

// SendReminder notifies the user that access is about to end.
type SendReminder struct{}

// Expire revokes access once expires_at has passed.
type Expire struct{}

// Suspend revokes access on operator request or terminal renewal failure.
type Suspend struct {
	Reason string
}

// Cancel ends the subscription on user or operator request.
type Cancel struct{}

// RetryProvisioning re-attempts panel provisioning for a paid invoice.
type RetryProvisioning struct {
	InvoiceID string
}

// RetryDisable re-attempts a failed panel disable.
type RetryDisable struct {
	JobID string
}

// Reprovision replaces a vanished panel account with a new one.
type Reprovision struct {
	Plan *Plan
}

// AbandonInvoice releases an unpaid pending invoice.
type AbandonInvoice struct {
	InvoiceID string
}

func (RequestPurchase) Name() string   { return "request_purchase" }
func (ConfirmPayment) Name() string    { return "confirm_payment" }
func (SendReminder) Name() string      { return "send_reminder" }
func (Expire) Name() string            { return "expire" }
func (Suspend) Name() string           { return "suspend" }
func (Cancel) Name() string            { return "cancel" }
func (RetryProvisioning) Name() string { return "retry_provisioning" }
func (RetryDisable) Name() string      { return "retry_disable" }
func (Reprovision) Name() string       { return "reprovision" }
func (AbandonInvoice) Name() string    { return "abandon_invoice" }
