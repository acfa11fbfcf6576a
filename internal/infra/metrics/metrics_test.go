//go:build !integration

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
)

func TestSetSubscriptions_ZeroesMissingStatuses(t *testing.T) {
	SetSubscriptions(map[model.SubscriptionStatus]int{model.SubscriptionStatusActive: 4})
	SetSubscriptions(map[model.SubscriptionStatus]int{model.SubscriptionStatusGrace: 1})

	if got := testutil.ToFloat64(subscriptionsByStatus.WithLabelValues("active")); got != 0 {
		t.Errorf("expected active gauge reset to 0, got %v", got)
	}
	if got := testutil.ToFloat64(subscriptionsByStatus.WithLabelValues("grace")); got != 1 {
		t.Errorf("expected grace gauge 1, got %v", got)
	}
}

func TestObserveTransition_NormalizesCommand(t *testing.T) {
	before := testutil.ToFloat64(transitionsTotal.WithLabelValues("expire", "active", "suspended"))
	ObserveTransition(" Expire ", model.SubscriptionStatusActive, model.SubscriptionStatusSuspended)
	after := testutil.ToFloat64(transitionsTotal.WithLabelValues("expire", "active", "suspended"))
	if after-before != 1 {
		t.Errorf("expected one transition recorded, got %v", after-before)
	}
}

func TestAddSweepResult_IgnoresZero(t *testing.T) {
	AddSweepResult("sweep", "expired", 0)
	AddSweepResult("sweep", "expired", 3)
	if got := testutil.ToFloat64(sweepResultsTotal.WithLabelValues("sweep", "expired")); got != 3 {
		t.Errorf("expected 3, got %v", got)
	}
}

func TestObservePaymentAck(t *testing.T) {
	ev := model.PaymentEvent{GatewayEventID: "g", Amount: 150}
	revenue := func() float64 { return testutil.ToFloat64(paymentsRevenueTotal.WithLabelValues("xtr")) }
	start := revenue()

	testCases := []struct {
		name string
		ack  ucport.Ack
		err  error
		want string
	}{
		{"applied", ucport.Ack{Outcome: model.EventOutcomeApplied}, nil, "applied"},
		{"duplicate", ucport.Ack{Outcome: model.EventOutcomeApplied, Duplicate: true}, nil, "duplicate"},
		{"malformed", ucport.Ack{Outcome: model.EventOutcomeRejected}, domain.Invalid(domain.ErrInvalidArgument, "x"), "rejected"},
		{"store down", ucport.Ack{}, errors.New("db down"), "error"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ObservePaymentAck("test", ev, tc.ack, tc.err); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
	if got := revenue() - start; got != 150 {
		t.Errorf("expected revenue from the single applied event, got %v", got)
	}
}

func TestResultOf(t *testing.T) {
	sub := &model.Subscription{}
	retryable := &domain.RetryableExternalError{Op: "x", Err: domain.ErrPanelUnavailable}
	testCases := []struct {
		sub  *model.Subscription
		err  error
		want string
	}{
		{sub, nil, "ok"},
		{nil, &domain.ConflictError{}, "conflict"},
		{nil, domain.Invalid(domain.ErrInvalidTransition, "x"), "invalid"},
		{sub, retryable, "deferred"},
		{nil, retryable, "retryable"},
		{nil, &domain.TerminalExternalError{Op: "x", Kind: domain.ErrPanelAuth}, "terminal"},
		{nil, errors.New("boom"), "error"},
	}
	for _, tc := range testCases {
		if got := resultOf(tc.sub, tc.err); got != tc.want {
			t.Errorf("resultOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
