//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
)

func TestPaymentUseCase_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("should apply a duplicate delivery exactly once", func(t *testing.T) {
		// --- Arrange ---
		h := newHarness(t)
		inv := h.purchase(t, "1001", "lite")
		first := h.pay(t, inv, "charge-1")
		after := h.get(t, "1001")

		// --- Act ---
		second := h.pay(t, inv, "charge-1")

		// --- Assert ---
		if first.Duplicate || !second.Duplicate {
			t.Fatalf("expected only the second ack to be a duplicate, got %+v / %+v", first, second)
		}
		if second.Outcome != model.EventOutcomeApplied {
			t.Errorf("expected the duplicate to carry the original outcome, got %s", second.Outcome)
		}
		sub := h.get(t, "1001")
		if !sub.ExpiresAt.Equal(*after.ExpiresAt) || sub.Version != after.Version {
			t.Errorf("expected no second extension, got %v v%d", sub.ExpiresAt, sub.Version)
		}
		if h.panel.Calls("create")+h.panel.Calls("renew") != 1 {
			t.Errorf("expected one panel call, got create=%d renew=%d", h.panel.Calls("create"), h.panel.Calls("renew"))
		}
	})

	t.Run("should not call the panel again for a duplicate of a deferred payment", func(t *testing.T) {
		// --- Arrange ---
		h := newHarness(t)
		inv := h.purchase(t, "1001", "lite")
		h.panel.fail("create", panelDown())
		h.pay(t, inv, "charge-1")

		// --- Act ---
		ack := h.pay(t, inv, "charge-1")

		// --- Assert ---
		if !ack.Duplicate {
			t.Errorf("expected a duplicate ack, got %+v", ack)
		}
		if h.panel.Calls("create") != 1 {
			t.Errorf("expected a single create attempt, got %d", h.panel.Calls("create"))
		}
	})

	t.Run("should reject a malformed event with a validation error", func(t *testing.T) {
		// --- Arrange ---
		h := newHarness(t)

		// --- Act ---
		ack, err := h.payments.Handle(ctx, model.PaymentEvent{GatewayEventID: "charge-1", UserID: "1001", Amount: 100})

		// --- Assert ---
		if !domain.IsValidation(err) {
			t.Fatalf("expected a validation error, got %v", err)
		}
		if ack.Outcome != model.EventOutcomeRejected {
			t.Errorf("expected rejected, got %s", ack.Outcome)
		}
	})

	testCases := []struct {
		name      string
		mutate    func(ev *model.PaymentEvent)
		wantAlert string
	}{
		{
			name:      "unknown invoice",
			mutate:    func(ev *model.PaymentEvent) { ev.InvoiceID = "no-such-invoice" },
			wantAlert: adapter.AlertUnresolvablePayment,
		},
		{
			name:      "foreign invoice",
			mutate:    func(ev *model.PaymentEvent) { ev.UserID = "2002" },
			wantAlert: adapter.AlertUnresolvablePayment,
		},
		{
			name:      "amount mismatch",
			mutate:    func(ev *model.PaymentEvent) { ev.Amount = 99 },
			wantAlert: adapter.AlertAmountMismatch,
		},
	}
	for _, tc := range testCases {
		t.Run("should record and alert on "+tc.name, func(t *testing.T) {
			// --- Arrange ---
			h := newHarness(t)
			inv := h.purchase(t, "1001", "lite")
			ev := model.PaymentEvent{GatewayEventID: "charge-x", InvoiceID: inv.ID, UserID: "1001", Amount: inv.Amount}
			tc.mutate(&ev)

			// --- Act ---
			ack, err := h.payments.Handle(ctx, ev)

			// --- Assert ---
			if err != nil {
				t.Fatalf("expected the rejection to be acknowledged, got %v", err)
			}
			if ack.Outcome != model.EventOutcomeRejected {
				t.Fatalf("expected rejected, got %+v", ack)
			}
			rec, err := h.store.ProcessedEvents().FindByGatewayID(ctx, nil, "charge-x")
			if err != nil || rec.Outcome != model.EventOutcomeRejected {
				t.Errorf("expected a rejected record, got %+v, %v", rec, err)
			}
			if !contains(h.notifier.AlertKinds(), tc.wantAlert) {
				t.Errorf("expected alert %s, got %v", tc.wantAlert, h.notifier.AlertKinds())
			}
			if sub := h.get(t, "1001"); sub.Status != model.SubscriptionStatusPendingPayment {
				t.Errorf("expected the subscription to be untouched, got %s", sub.Status)
			}
		})
	}

	t.Run("should reject a second payment for a fulfilled invoice", func(t *testing.T) {
		// --- Arrange ---
		h := newHarness(t)
		inv := h.purchase(t, "1001", "lite")
		h.pay(t, inv, "charge-1")
		before := h.get(t, "1001")

		// --- Act ---
		ack := h.pay(t, inv, "charge-2")

		// --- Assert ---
		if ack.Outcome != model.EventOutcomeRejected {
			t.Fatalf("expected rejected, got %+v", ack)
		}
		if sub := h.get(t, "1001"); !sub.ExpiresAt.Equal(*before.ExpiresAt) {
			t.Errorf("expected a single extension, got %v", sub.ExpiresAt)
		}
		if !contains(h.notifier.AlertKinds(), adapter.AlertUnresolvablePayment) {
			t.Errorf("expected an operator alert, got %v", h.notifier.AlertKinds())
		}
	})

	t.Run("should resume a pending event on redelivery", func(t *testing.T) {
		// --- Arrange ---
		h := newHarness(t)
		inv := h.purchase(t, "1001", "lite")
		if err := h.store.ProcessedEvents().Record(ctx, nil, &model.ProcessedEvent{
			Event:   model.PaymentEvent{GatewayEventID: "charge-1", InvoiceID: inv.ID, UserID: "1001", Amount: inv.Amount, ReceivedAt: t0},
			Outcome: model.EventOutcomePending,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}

		// --- Act ---
		ack := h.pay(t, inv, "charge-1")

		// --- Assert ---
		if ack.Outcome != model.EventOutcomeApplied || ack.Duplicate {
			t.Fatalf("expected a redelivery to resume the pending event, got %+v", ack)
		}
		if got := h.get(t, "1001").Status; got != model.SubscriptionStatusActive {
			t.Errorf("expected active, got %s", got)
		}
	})
}

func TestPaymentUseCase_ResumeUnapplied(t *testing.T) {
	ctx := context.Background()

	t.Run("should re-drive old pending events", func(t *testing.T) {
		// --- Arrange ---
		h := newHarness(t)
		inv := h.purchase(t, "1001", "lite")
		if err := h.store.ProcessedEvents().Record(ctx, nil, &model.ProcessedEvent{
			Event:   model.PaymentEvent{GatewayEventID: "charge-1", InvoiceID: inv.ID, UserID: "1001", Amount: inv.Amount, ReceivedAt: t0},
			Outcome: model.EventOutcomePending,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
		h.clock.Advance(5 * time.Minute)

		// --- Act ---
		n, err := h.payments.ResumeUnapplied(ctx, 2*time.Minute, 10)

		// --- Assert ---
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if n != 1 {
			t.Fatalf("expected one resolved event, got %d", n)
		}
		if got := h.get(t, "1001").Status; got != model.SubscriptionStatusActive {
			t.Errorf("expected active, got %s", got)
		}
		rec, _ := h.store.ProcessedEvents().FindByGatewayID(ctx, nil, "charge-1")
		if rec.Outcome != model.EventOutcomeApplied || rec.ResolvedAt == nil {
			t.Errorf("expected an applied record, got %+v", rec)
		}
	})

	t.Run("should resolve an event whose payment already took effect", func(t *testing.T) {
		// --- Arrange ---
		h := newHarness(t)
		inv := h.purchase(t, "1001", "lite")
		h.pay(t, inv, "charge-1")
		// a crash between commit and resolve leaves the record pending
		if err := h.store.ProcessedEvents().Resolve(ctx, nil, "charge-1", model.EventOutcomePending, t0, ""); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		before := h.get(t, "1001")
		h.clock.Advance(5 * time.Minute)

		// --- Act ---
		n, err := h.payments.ResumeUnapplied(ctx, 2*time.Minute, 10)

		// --- Assert ---
		if err != nil || n != 1 {
			t.Fatalf("expected one resolved event, got %d, %v", n, err)
		}
		if sub := h.get(t, "1001"); sub.Version != before.Version {
			t.Errorf("expected no second transition, version %d -> %d", before.Version, sub.Version)
		}
		rec, _ := h.store.ProcessedEvents().FindByGatewayID(ctx, nil, "charge-1")
		if rec.Outcome != model.EventOutcomeApplied {
			t.Errorf("expected applied, got %s", rec.Outcome)
		}
	})

	t.Run("should skip events younger than the cutoff", func(t *testing.T) {
		// --- Arrange ---
		h := newHarness(t)
		inv := h.purchase(t, "1001", "lite")
		_ = h.store.ProcessedEvents().Record(ctx, nil, &model.ProcessedEvent{
			Event:   model.PaymentEvent{GatewayEventID: "charge-1", InvoiceID: inv.ID, UserID: "1001", Amount: inv.Amount, ReceivedAt: t0},
			Outcome: model.EventOutcomePending,
		})
		h.clock.Advance(time.Minute)

		// --- Act ---
		n, err := h.payments.ResumeUnapplied(ctx, 2*time.Minute, 10)

		// --- Assert ---
		if err != nil || n != 0 {
			t.Fatalf("expected nothing resumed, got %d, %v", n, err)
		}
	})
}

func TestPaymentUseCase_Precheck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inv := h.purchase(t, "1001", "lite")

	testCases := []struct {
		name      string
		invoiceID string
		userID    string
		amount    int64
		want      error
	}{
		{"valid", inv.ID, "1001", 100, nil},
		{"unknown invoice", "nope", "1001", 100, domain.ErrUnknownInvoice},
		{"other user", inv.ID, "2002", 100, domain.ErrInvoiceUserMismatch},
		{"wrong amount", inv.ID, "1001", 1, domain.ErrAmountMismatch},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.payments.Precheck(ctx, tc.invoiceID, tc.userID, tc.amount)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	t.Run("abandoned invoice", func(t *testing.T) {
		if _, err := h.gateway.Cancel(ctx, "1001"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		err := h.payments.Precheck(ctx, inv.ID, "1001", 100)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})
}
