package model

import (
	"time"

	"telegram-vpn-subscription/internal/domain"
)

const CurrencyXTR = "XTR"

type InvoiceStatus string

const (
	InvoiceStatusOpen      InvoiceStatus = "open"      // issued, awaiting payment
	InvoiceStatusPaid      InvoiceStatus = "paid"      // payment confirmed, access not yet provisioned
	InvoiceStatusFulfilled InvoiceStatus = "fulfilled" // payment confirmed and access provisioned
	InvoiceStatusAbandoned InvoiceStatus = "abandoned" // released without payment
)

// Invoice is the server-issued request for payment tied to one purchase intent.
type Invoice struct {
	ID           string
	UserID       string
	PlanID       string
	Amount       int64 // Stars
	Currency     string
	DurationDays int
	TrafficGB    int
	Devices      int
	Status       InvoiceStatus
	CreatedAt    time.Time
	PaidAt       *time.Time
}

func (i *Invoice) Duration() time.Duration { return time.Duration(i.DurationDays) * 24 * time.Hour }

// PaymentEvent is an immutable payment confirmation delivered by the gateway.
type PaymentEvent struct {
	GatewayEventID string    `json:"gateway_event_id"`
	InvoiceID      string    `json:"invoice_id"`
	UserID         string    `json:"user_id"`
	Amount         int64     `json:"amount"`
	ReceivedAt     time.Time `json:"received_at"`
}

func (e PaymentEvent) Validate() error {
	switch {
	case e.GatewayEventID == "":
		return domain.Invalid(domain.ErrInvalidArgument, "gateway_event_id is required")
	case e.InvoiceID == "":
		return domain.Invalid(domain.ErrInvalidArgument, "invoice_id is required")
	case e.UserID == "":
		return domain.Invalid(domain.ErrInvalidArgument, "user_id is required")
	case e.Amount <= 0:
		return domain.Invalid(domain.ErrInvalidArgument, "amount must be positive")
	}
	return nil
}

type EventOutcome string

const (
	EventOutcomePending  EventOutcome = "pending"  // recorded, ConfirmPayment not yet completed
	EventOutcomeApplied  EventOutcome = "applied"  // ConfirmPayment completed (including grace/frozen)
	EventOutcomeRejected EventOutcome = "rejected" // validation failed; kept for operator review
)

// ProcessedEvent is one row of the processed event log.
type ProcessedEvent struct {
	Event      PaymentEvent
	Outcome    EventOutcome
	Detail     string
	ResolvedAt *time.Time
}
