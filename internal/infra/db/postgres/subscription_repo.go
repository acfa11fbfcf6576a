package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
)

var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

const subscriptionColumns = `user_id, status, expires_at, panel_account_ref, last_reminder_sent_at, pending_invoice_id, version, created_at, updated_at`

func (r *subscriptionRepo) Get(ctx context.Context, tx repository.Tx, userID string) (*model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id=$1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	row, err := pickRow(ctx, r.pool, tx, q, userID)
	if err != nil {
		return nil, err
	}
	s, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return s, err
}

func (r *subscriptionRepo) Insert(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `
INSERT INTO subscriptions (` + subscriptionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`
	_, err := execSQL(ctx, r.pool, tx, q,
		s.UserID, string(s.Status), s.ExpiresAt, s.PanelAccountRef, s.LastReminderSentAt,
		s.PendingInvoiceID, s.Version, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{UserID: s.UserID, Expected: 0, Actual: r.currentVersion(ctx, tx, s.UserID)}
		}
		return mapErr("subscriptions", err)
	}
	return nil
}

func (r *subscriptionRepo) UpdateIfVersion(ctx context.Context, tx repository.Tx, s *model.Subscription, expected int64) error {
	const q = `
UPDATE subscriptions
   SET status=$2, expires_at=$3, panel_account_ref=$4, last_reminder_sent_at=$5,
       pending_invoice_id=$6, version=$7, updated_at=$8
 WHERE user_id=$1 AND version=$9;`
	tag, err := execSQL(ctx, r.pool, tx, q,
		s.UserID, string(s.Status), s.ExpiresAt, s.PanelAccountRef, s.LastReminderSentAt,
		s.PendingInvoiceID, s.Version, s.UpdatedAt, expected)
	if err != nil {
		return mapErr("subscriptions", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	row, err := pickRow(ctx, r.pool, tx, `SELECT version FROM subscriptions WHERE user_id=$1;`, s.UserID)
	if err != nil {
		return err
	}
	var actual int64
	if err := row.Scan(&actual); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return mapErr("subscriptions", err)
	}
	return &domain.ConflictError{UserID: s.UserID, Expected: expected, Actual: actual}
}

func (r *subscriptionRepo) ListLive(ctx context.Context, tx repository.Tx, afterUserID string, limit int) ([]*model.Subscription, error) {
	const q = `
SELECT ` + subscriptionColumns + `
  FROM subscriptions
 WHERE status IN ('active','grace') AND user_id > $1
 ORDER BY user_id ASC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, afterUserID, limit)
	if err != nil {
		return nil, mapErr("subscriptions", err)
	}
	return collect(rows, scanSubscription)
}

func (r *subscriptionRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.SubscriptionStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM subscriptions GROUP BY status;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, mapErr("subscriptions", err)
	}
	defer rows.Close()

	counts := make(map[model.SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		counts[model.SubscriptionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return counts, nil
}

// currentVersion is best effort; it only enriches a conflict report.
func (r *subscriptionRepo) currentVersion(ctx context.Context, tx repository.Tx, userID string) int64 {
	if _, ok := tx.(pgx.Tx); ok {
		// the failed insert aborted the transaction
		return 0
	}
	var v int64
	if row, err := pickRow(ctx, r.pool, tx, `SELECT version FROM subscriptions WHERE user_id=$1;`, userID); err == nil {
		_ = row.Scan(&v)
	}
	return v
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var (
		s      model.Subscription
		status string
	)
	err := row.Scan(&s.UserID, &status, &s.ExpiresAt, &s.PanelAccountRef, &s.LastReminderSentAt,
		&s.PendingInvoiceID, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, domain.ErrReadDatabaseRow
	}
	s.Status = model.SubscriptionStatus(status)
	return &s, nil
}
