//go:build !integration

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
)

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	err := s.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		require.NoError(t, s.Subscriptions().Insert(ctx, tx, &model.Subscription{UserID: "1001", Status: model.SubscriptionStatusPendingPayment, Version: 1, CreatedAt: now}))
		require.NoError(t, s.Audit().Append(ctx, tx, &model.AuditEntry{ID: "a1", UserID: "1001", CreatedAt: now}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Subscriptions().Get(ctx, repository.NoTX, "1001")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	entries, err := s.Audit().ListByUser(ctx, repository.NoTX, "1001", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_UpdateIfVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	repo := s.Subscriptions()
	require.NoError(t, repo.Insert(ctx, repository.NoTX, &model.Subscription{UserID: "1001", Status: model.SubscriptionStatusNone, Version: 1}))

	err := repo.UpdateIfVersion(ctx, repository.NoTX, &model.Subscription{UserID: "1001", Status: model.SubscriptionStatusActive, Version: 2}, 0)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Actual)

	require.NoError(t, repo.UpdateIfVersion(ctx, repository.NoTX, &model.Subscription{UserID: "1001", Status: model.SubscriptionStatusActive, Version: 2}, 1))
	got, err := repo.Get(ctx, repository.NoTX, "1001")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusActive, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	repo := s.Subscriptions()
	require.NoError(t, repo.Insert(ctx, repository.NoTX, &model.Subscription{UserID: "1001", Status: model.SubscriptionStatusActive, Version: 1}))

	got, err := repo.Get(ctx, repository.NoTX, "1001")
	require.NoError(t, err)
	got.Status = model.SubscriptionStatusCancelled

	again, err := repo.Get(ctx, repository.NoTX, "1001")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusActive, again.Status)
}

func TestStore_ListLivePages(t *testing.T) {
	ctx := context.Background()
	s := New()
	repo := s.Subscriptions()
	for _, sub := range []*model.Subscription{
		{UserID: "a", Status: model.SubscriptionStatusActive},
		{UserID: "b", Status: model.SubscriptionStatusSuspended},
		{UserID: "c", Status: model.SubscriptionStatusGrace},
		{UserID: "d", Status: model.SubscriptionStatusActive},
	} {
		require.NoError(t, repo.Insert(ctx, repository.NoTX, sub))
	}

	page, err := repo.ListLive(ctx, repository.NoTX, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].UserID)
	assert.Equal(t, "c", page[1].UserID)

	page, err = repo.ListLive(ctx, repository.NoTX, "c", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "d", page[0].UserID)
}

func TestStore_ProcessedEventsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := New()
	events := s.ProcessedEvents()
	ev := &model.ProcessedEvent{Event: model.PaymentEvent{GatewayEventID: "charge-1"}, Outcome: model.EventOutcomePending}

	require.NoError(t, events.Record(ctx, repository.NoTX, ev))
	assert.ErrorIs(t, events.Record(ctx, repository.NoTX, ev), domain.ErrAlreadyExists)
}

func TestStore_RejectsForeignTx(t *testing.T) {
	ctx := context.Background()
	a, b := New(), New()
	err := a.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		_, err := b.Subscriptions().Get(ctx, tx, "1001")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidExecContext)
}

func TestStore_FindLatestByInvoiceIgnoresStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	jobs := s.PanelJobs()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, jobs.Save(ctx, repository.NoTX, &model.PanelJob{ID: "j1", Kind: model.PanelJobProvision, InvoiceID: "inv-1", Status: model.PanelJobObsolete, CreatedAt: now}))
	require.NoError(t, jobs.Save(ctx, repository.NoTX, &model.PanelJob{ID: "j2", Kind: model.PanelJobProvision, InvoiceID: "inv-1", Status: model.PanelJobExhausted, PanelAccountRef: "ref-a", CreatedAt: now.Add(time.Minute)}))
	require.NoError(t, jobs.Save(ctx, repository.NoTX, &model.PanelJob{ID: "j3", Kind: model.PanelJobDisable, InvoiceID: "inv-1", Status: model.PanelJobPending, CreatedAt: now.Add(time.Hour)}))

	job, err := jobs.FindLatestByInvoice(ctx, repository.NoTX, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "j2", job.ID)
	assert.Equal(t, "ref-a", job.PanelAccountRef)

	_, err = jobs.FindLatestByInvoice(ctx, repository.NoTX, "inv-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_HasPendingForInvoice(t *testing.T) {
	ctx := context.Background()
	s := New()
	events := s.ProcessedEvents()
	require.NoError(t, events.Record(ctx, repository.NoTX, &model.ProcessedEvent{Event: model.PaymentEvent{GatewayEventID: "charge-1", InvoiceID: "inv-1"}, Outcome: model.EventOutcomePending}))

	pending, err := events.HasPendingForInvoice(ctx, repository.NoTX, "inv-1")
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, events.Resolve(ctx, repository.NoTX, "charge-1", model.EventOutcomeApplied, time.Now(), ""))
	pending, err = events.HasPendingForInvoice(ctx, repository.NoTX, "inv-1")
	require.NoError(t, err)
	assert.False(t, pending)
}
