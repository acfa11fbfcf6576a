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

var _ repository.PanelJobRepository = (*panelJobRepo)(nil)

type panelJobRepo struct{ pool *pgxpool.Pool }

func NewPanelJobRepo(pool *pgxpool.Pool) *panelJobRepo {
	return &panelJobRepo{pool: pool}
}

const jobColumns = `id, kind, user_id, invoice_id, panel_account_ref, attempts, next_attempt_at, status, last_error, created_at, updated_at`

func (r *panelJobRepo) Save(ctx context.Context, tx repository.Tx, j *model.PanelJob) error {
	const q = `
INSERT INTO panel_jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  panel_account_ref=$5, attempts=$6, next_attempt_at=$7, status=$8, last_error=$9, updated_at=$11;`
	_, err := execSQL(ctx, r.pool, tx, q,
		j.ID, string(j.Kind), j.UserID, j.InvoiceID, j.PanelAccountRef, j.Attempts,
		j.NextAttemptAt, string(j.Status), j.LastError, j.CreatedAt, j.UpdatedAt)
	return mapErr("panel_jobs", err)
}

func (r *panelJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PanelJob, error) {
	return r.queryOne(ctx, tx, `SELECT `+jobColumns+` FROM panel_jobs WHERE id=$1;`, id)
}

func (r *panelJobRepo) FindOpen(ctx context.Context, tx repository.Tx, userID string, kind model.PanelJobKind) (*model.PanelJob, error) {
	const q = `
SELECT ` + jobColumns + `
  FROM panel_jobs
 WHERE user_id=$1 AND kind=$2 AND status='pending'
 ORDER BY created_at DESC
 LIMIT 1;`
	return r.queryOne(ctx, tx, q, userID, string(kind))
}

func (r *panelJobRepo) FindLatestByInvoice(ctx context.Context, tx repository.Tx, invoiceID string) (*model.PanelJob, error) {
	const q = `
SELECT ` + jobColumns + `
  FROM panel_jobs
 WHERE invoice_id=$1 AND kind='provision'
 ORDER BY created_at DESC
 LIMIT 1;`
	return r.queryOne(ctx, tx, q, invoiceID)
}

func (r *panelJobRepo) ListDue(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.PanelJob, error) {
	const q = `
SELECT ` + jobColumns + `
  FROM panel_jobs
 WHERE status='pending' AND next_attempt_at <= $1
 ORDER BY next_attempt_at ASC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, mapErr("panel_jobs", err)
	}
	return collect(rows, scanJob)
}

func (r *panelJobRepo) queryOne(ctx context.Context, tx repository.Tx, q string, args ...interface{}) (*model.PanelJob, error) {
	row, err := pickRow(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return j, err
}

func scanJob(row pgx.Row) (*model.PanelJob, error) {
	var (
		j            model.PanelJob
		kind, status string
	)
	err := row.Scan(&j.ID, &kind, &j.UserID, &j.InvoiceID, &j.PanelAccountRef, &j.Attempts,
		&j.NextAttemptAt, &status, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, domain.ErrReadDatabaseRow
	}
	j.Kind = model.PanelJobKind(kind)
	j.Status = model.PanelJobStatus(status)
	return &j, nil
}
