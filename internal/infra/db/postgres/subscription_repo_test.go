//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
)

func TestSubscriptionRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	repo := NewSubscriptionRepo(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("insert then get round-trips nullable fields", func(t *testing.T) {
		cleanup(t)
		sub, _ := model.NewSubscription("1001", now)
		sub.Status = model.SubscriptionStatusPendingPayment
		inv := "inv-1"
		sub.PendingInvoiceID = &inv
		sub.Version = 1
		if err := repo.Insert(ctx, repository.NoTX, sub); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		got, err := repo.Get(ctx, repository.NoTX, "1001")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != model.SubscriptionStatusPendingPayment || got.Version != 1 {
			t.Errorf("unexpected state: %+v", got)
		}
		if !got.PendingInvoiceIs("inv-1") || got.ExpiresAt != nil || got.PanelAccountRef != nil {
			t.Errorf("nullable fields not preserved: %+v", got)
		}
	})

	t.Run("second insert is a conflict", func(t *testing.T) {
		cleanup(t)
		sub, _ := model.NewSubscription("1002", now)
		sub.Version = 1
		if err := repo.Insert(ctx, repository.NoTX, sub); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		err := repo.Insert(ctx, repository.NoTX, sub)
		var ce *domain.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if ce.Actual != 1 {
			t.Errorf("expected actual version 1, got %d", ce.Actual)
		}
	})

	t.Run("update honors expected version", func(t *testing.T) {
		cleanup(t)
		sub, _ := model.NewSubscription("1003", now)
		sub.Version = 1
		_ = repo.Insert(ctx, repository.NoTX, sub)

		next := sub.Clone()
		exp := now.Add(30 * 24 * time.Hour)
		ref := "ref-1"
		next.Status = model.SubscriptionStatusActive
		next.ExpiresAt = &exp
		next.PanelAccountRef = &ref
		next.Version = 2
		if err := repo.UpdateIfVersion(ctx, repository.NoTX, next, 1); err != nil {
			t.Fatalf("UpdateIfVersion failed: %v", err)
		}

		stale := next.Clone()
		stale.Version = 2
		err := repo.UpdateIfVersion(ctx, repository.NoTX, stale, 1)
		var ce *domain.ConflictError
		if !errors.As(err, &ce) || ce.Actual != 2 {
			t.Fatalf("expected conflict with actual 2, got %v", err)
		}

		got, _ := repo.Get(ctx, repository.NoTX, "1003")
		if !got.ExpiresAt.Equal(exp) || *got.PanelAccountRef != "ref-1" {
			t.Errorf("update not persisted: %+v", got)
		}
	})

	t.Run("update of missing row is not found", func(t *testing.T) {
		cleanup(t)
		sub, _ := model.NewSubscription("404", now)
		if err := repo.UpdateIfVersion(ctx, repository.NoTX, sub, 0); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list live pages by user id", func(t *testing.T) {
		cleanup(t)
		for _, tc := range []struct {
			id     string
			status model.SubscriptionStatus
		}{
			{"a", model.SubscriptionStatusActive},
			{"b", model.SubscriptionStatusGrace},
			{"c", model.SubscriptionStatusSuspended},
			{"d", model.SubscriptionStatusActive},
		} {
			s, _ := model.NewSubscription(tc.id, now)
			s.Status = tc.status
			s.Version = 1
			if err := repo.Insert(ctx, repository.NoTX, s); err != nil {
				t.Fatalf("Insert %s failed: %v", tc.id, err)
			}
		}

		page, err := repo.ListLive(ctx, repository.NoTX, "", 2)
		if err != nil {
			t.Fatalf("ListLive failed: %v", err)
		}
		if len(page) != 2 || page[0].UserID != "a" || page[1].UserID != "b" {
			t.Fatalf("unexpected first page: %v", ids(page))
		}
		page, _ = repo.ListLive(ctx, repository.NoTX, "b", 2)
		if len(page) != 1 || page[0].UserID != "d" {
			t.Fatalf("unexpected second page: %v", ids(page))
		}

		counts, err := repo.CountByStatus(ctx, repository.NoTX)
		if err != nil {
			t.Fatalf("CountByStatus failed: %v", err)
		}
		if counts[model.SubscriptionStatusActive] != 2 || counts[model.SubscriptionStatusSuspended] != 1 {
			t.Errorf("unexpected counts: %v", counts)
		}
	})

	t.Run("rollback discards subscription and audit", func(t *testing.T) {
		cleanup(t)
		tm := NewTxManager(testPool)
		audit := NewAuditRepo(testPool)
		boom := errors.New("boom")
		err := tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			s, _ := model.NewSubscription("rb", now)
			s.Version = 1
			if err := repo.Insert(ctx, tx, s); err != nil {
				return err
			}
			if err := audit.Append(ctx, tx, &model.AuditEntry{
				ID: ulid.Make().String(), UserID: "rb", Command: "request_purchase",
				OldStatus: model.SubscriptionStatusNone, NewStatus: model.SubscriptionStatusPendingPayment,
				Version: 1, CreatedAt: now,
			}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected callback error, got %v", err)
		}
		if _, err := repo.Get(ctx, repository.NoTX, "rb"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected no subscription after rollback, got %v", err)
		}
		entries, _ := audit.ListByUser(ctx, repository.NoTX, "rb", 10)
		if len(entries) != 0 {
			t.Errorf("expected no audit rows after rollback, got %d", len(entries))
		}
	})
}

func ids(subs []*model.Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.UserID)
	}
	return out
}
