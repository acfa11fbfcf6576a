package usecase

import (
	"context"
	"time"

	"telegram-vpn-subscription/internal/domain/model"
)

// SubscriptionService is the single entrypoint for subscription transitions.
type SubscriptionService interface {
	Apply(ctx context.Context, userID string, cmd model.Command, expectedVersion int64) (*model.Subscription, error)
	// Get returns the stored subscription or the implicit one in status none.
	Get(ctx context.Context, userID string) (*model.Subscription, error)
}

// Ack is the disposition of one payment event.
type Ack struct {
	GatewayEventID string
	Outcome        model.EventOutcome
	Duplicate      bool
	Detail         string
}

// PaymentHandler is what payment event transports call into.
//
// Applied, duplicate and rejected events are acknowledged. Handle returns a
// *domain.ValidationError for malformed events, which must not be redelivered;
// any other error means the event must be delivered again.
type PaymentHandler interface {
	Handle(ctx context.Context, ev model.PaymentEvent) (Ack, error)
	Precheck(ctx context.Context, invoiceID, userID string, amount int64) error
}

// PaymentReconciler re-drives events that were recorded but never resolved.
type PaymentReconciler interface {
	ResumeUnapplied(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// SweepReport summarizes one scheduler pass.
type SweepReport struct {
	Scanned   int
	Reminded  int
	Expired   int
	Stale     int
	Failed    int
	Abandoned int
}

// RetryReport summarizes one pass over due panel jobs.
type RetryReport struct {
	Attempted int
	Succeeded int
	Failed    int
	Obsolete  int
}

type Sweeper interface {
	Sweep(ctx context.Context) (SweepReport, error)
	RetryDue(ctx context.Context) (RetryReport, error)
}
