//go:build !integration

package sched

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
	"telegram-vpn-subscription/internal/infra/db/memory"
)

type fakeSweeper struct {
	sweeps  atomic.Int32
	retries atomic.Int32
	rep     ucport.SweepReport
	err     error
}

func (f *fakeSweeper) Sweep(context.Context) (ucport.SweepReport, error) {
	f.sweeps.Add(1)
	return f.rep, f.err
}

func (f *fakeSweeper) RetryDue(context.Context) (ucport.RetryReport, error) {
	f.retries.Add(1)
	return ucport.RetryReport{Attempted: 1, Succeeded: 1}, nil
}

type fakeReconciler struct {
	gotAge time.Duration
	gotLim int
}

func (f *fakeReconciler) ResumeUnapplied(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	f.gotAge, f.gotLim = olderThan, limit
	return 2, nil
}

func discard() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func TestSweepWorker_RunOnce(t *testing.T) {
	store := memory.New()
	sub, _ := model.NewSubscription("42", time.Now())
	sub.Status = model.SubscriptionStatusActive
	sub.Version = 1
	require.NoError(t, store.Subscriptions().Insert(context.Background(), repository.NoTX, sub))

	sw := &fakeSweeper{rep: ucport.SweepReport{Scanned: 3, Reminded: 1, Expired: 1}}
	w := NewSweepWorker(time.Hour, sw, store.Subscriptions(), discard())

	rep := w.RunOnce(context.Background())
	assert.Equal(t, 1, rep.Expired)
	assert.EqualValues(t, 1, sw.sweeps.Load())
}

func TestSweepWorker_RunsImmediatelyAndStops(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("db down")}
	w := NewSweepWorker(time.Hour, sw, memory.New().Subscriptions(), discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.sweeps.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRetryWorker_Ticks(t *testing.T) {
	sw := &fakeSweeper{}
	w := NewRetryWorker(5*time.Millisecond, sw, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.retries.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPaymentReconciler_RunOnce(t *testing.T) {
	rec := &fakeReconciler{}
	w := NewPaymentReconciler(rec, time.Minute, 0, 0, discard())

	assert.Equal(t, 2, w.RunOnce(context.Background()))
	assert.Equal(t, 2*time.Minute, rec.gotAge)
	assert.Equal(t, 200, rec.gotLim)
}
