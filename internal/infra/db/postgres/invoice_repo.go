package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
)

var _ repository.InvoiceRepository = (*invoiceRepo)(nil)

type invoiceRepo struct{ pool *pgxpool.Pool }

func NewInvoiceRepo(pool *pgxpool.Pool) *invoiceRepo {
	return &invoiceRepo{pool: pool}
}

const invoiceColumns = `id, user_id, plan_id, amount, currency, duration_days, traffic_gb, devices, status, created_at, paid_at`

func (r *invoiceRepo) Save(ctx context.Context, tx repository.Tx, inv *model.Invoice) error {
	const q = `
INSERT INTO invoices (` + invoiceColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET status=$9, paid_at=$11;`
	_, err := execSQL(ctx, r.pool, tx, q,
		inv.ID, inv.UserID, inv.PlanID, inv.Amount, inv.Currency, inv.DurationDays,
		inv.TrafficGB, inv.Devices, string(inv.Status), inv.CreatedAt, inv.PaidAt)
	return mapErr("invoices", err)
}

func (r *invoiceRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Invoice, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return inv, err
}

func (r *invoiceRepo) UpdateStatus(ctx context.Context, tx repository.Tx, id string, status model.InvoiceStatus, paidAt *time.Time) error {
	const q = `UPDATE invoices SET status=$2, paid_at=COALESCE($3, paid_at) WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, string(status), paidAt)
	if err != nil {
		return mapErr("invoices", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *invoiceRepo) ListOpenBefore(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Invoice, error) {
	const q = `
SELECT ` + invoiceColumns + `
  FROM invoices
 WHERE status='open' AND created_at < $1
 ORDER BY created_at ASC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, cutoff, limit)
	if err != nil {
		return nil, mapErr("invoices", err)
	}
	return collect(rows, scanInvoice)
}

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var (
		inv    model.Invoice
		status string
	)
	err := row.Scan(&inv.ID, &inv.UserID, &inv.PlanID, &inv.Amount, &inv.Currency, &inv.DurationDays,
		&inv.TrafficGB, &inv.Devices, &status, &inv.CreatedAt, &inv.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, domain.ErrReadDatabaseRow
	}
	inv.Status = model.InvoiceStatus(status)
	return &inv, nil
}
