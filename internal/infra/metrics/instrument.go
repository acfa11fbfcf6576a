package metrics

import (
	"context"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
)

type instrumented struct {
	ucport.SubscriptionService
}

// InstrumentSubscriptions counts every Apply by command and result.
func InstrumentSubscriptions(svc ucport.SubscriptionService) ucport.SubscriptionService {
	return &instrumented{SubscriptionService: svc}
}

func (s *instrumented) Apply(ctx context.Context, userID string, cmd model.Command, expectedVersion int64) (*model.Subscription, error) {
	sub, err := s.SubscriptionService.Apply(ctx, userID, cmd, expectedVersion)
	if cmd != nil {
		IncCommand(cmd.Name(), resultOf(sub, err))
	}
	return sub, err
}

func resultOf(sub *model.Subscription, err error) string {
	switch {
	case err == nil:
		return "ok"
	case domain.IsConflict(err):
		return "conflict"
	case domain.IsValidation(err):
		return "invalid"
	case sub != nil:
		return "deferred"
	case domain.IsRetryable(err):
		return "retryable"
	case domain.IsTerminal(err):
		return "terminal"
	default:
		return "error"
	}
}

// ObservePaymentAck counts one payment event delivery from source and adds
// newly applied payments to the revenue counter.
func ObservePaymentAck(source string, ev model.PaymentEvent, ack ucport.Ack, err error) string {
	var label string
	switch {
	case err != nil && !domain.IsValidation(err):
		label = "error"
	case ack.Duplicate:
		label = "duplicate"
	case ack.Outcome != "":
		label = string(ack.Outcome)
	default:
		label = string(model.EventOutcomeRejected)
	}
	IncPaymentEvent(source, label)
	if err == nil && !ack.Duplicate && ack.Outcome == model.EventOutcomeApplied {
		AddPaymentRevenue(model.CurrencyXTR, ev.Amount)
	}
	return label
}
