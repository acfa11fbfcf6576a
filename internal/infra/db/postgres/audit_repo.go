package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
)

var _ repository.AuditRepository = (*auditRepo)(nil)

type auditRepo struct{ pool *pgxpool.Pool }

func NewAuditRepo(pool *pgxpool.Pool) *auditRepo {
	return &auditRepo{pool: pool}
}

func (r *auditRepo) Append(ctx context.Context, tx repository.Tx, e *model.AuditEntry) error {
	const q = `
INSERT INTO subscription_audit (id, user_id, command, old_status, new_status, version, detail, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	_, err := execSQL(ctx, r.pool, tx, q,
		e.ID, e.UserID, e.Command, string(e.OldStatus), string(e.NewStatus), e.Version, e.Detail, e.CreatedAt)
	return mapErr("subscription_audit", err)
}

func (r *auditRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, limit int) ([]*model.AuditEntry, error) {
	const q = `
SELECT id, user_id, command, old_status, new_status, version, detail, created_at
  FROM subscription_audit
 WHERE user_id=$1
 ORDER BY created_at DESC, id DESC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, userID, limit)
	if err != nil {
		return nil, mapErr("subscription_audit", err)
	}
	return collect(rows, func(row pgx.Row) (*model.AuditEntry, error) {
		var (
			e        model.AuditEntry
			prev, next string
		)
		if err := row.Scan(&e.ID, &e.UserID, &e.Command, &prev, &next, &e.Version, &e.Detail, &e.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		e.OldStatus = model.SubscriptionStatus(prev)
		e.NewStatus = model.SubscriptionStatus(next)
		return &e, nil
	})
}
