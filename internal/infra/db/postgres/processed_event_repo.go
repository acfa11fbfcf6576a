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

var _ repository.ProcessedEventRepository = (*processedEventRepo)(nil)

type processedEventRepo struct{ pool *pgxpool.Pool }

func NewProcessedEventRepo(pool *pgxpool.Pool) *processedEventRepo {
	return &processedEventRepo{pool: pool}
}

const eventColumns = `gateway_event_id, invoice_id, user_id, amount, received_at, outcome, detail, resolved_at`

func (r *processedEventRepo) FindByGatewayID(ctx context.Context, tx repository.Tx, gatewayEventID string) (*model.ProcessedEvent, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+eventColumns+` FROM processed_payment_events WHERE gateway_event_id=$1;`, gatewayEventID)
	if err != nil {
		return nil, err
	}
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return ev, err
}

// Record relies on the primary key for exactly-once insertion.
func (r *processedEventRepo) Record(ctx context.Context, tx repository.Tx, ev *model.ProcessedEvent) error {
	const q = `
INSERT INTO processed_payment_events (` + eventColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	e := ev.Event
	_, err := execSQL(ctx, r.pool, tx, q,
		e.GatewayEventID, e.InvoiceID, e.UserID, e.Amount, e.ReceivedAt,
		string(ev.Outcome), ev.Detail, ev.ResolvedAt)
	return mapErr("processed_payment_events", err)
}

func (r *processedEventRepo) Resolve(ctx context.Context, tx repository.Tx, gatewayEventID string, outcome model.EventOutcome, at time.Time, detail string) error {
	const q = `
UPDATE processed_payment_events
   SET outcome=$2, resolved_at=$3, detail=$4
 WHERE gateway_event_id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, gatewayEventID, string(outcome), at, detail)
	if err != nil {
		return mapErr("processed_payment_events", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *processedEventRepo) ListPending(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.ProcessedEvent, error) {
	const q = `
SELECT ` + eventColumns + `
  FROM processed_payment_events
 WHERE outcome='pending' AND received_at < $1
 ORDER BY received_at ASC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, olderThan, limit)
	if err != nil {
		return nil, mapErr("processed_payment_events", err)
	}
	return collect(rows, scanEvent)
}

func (r *processedEventRepo) HasPendingForInvoice(ctx context.Context, tx repository.Tx, invoiceID string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM processed_payment_events WHERE invoice_id=$1 AND outcome='pending'
);`
	row, err := pickRow(ctx, r.pool, tx, q, invoiceID)
	if err != nil {
		return false, err
	}
	var found bool
	if err := row.Scan(&found); err != nil {
		return false, domain.ErrReadDatabaseRow
	}
	return found, nil
}

func scanEvent(row pgx.Row) (*model.ProcessedEvent, error) {
	var (
		ev      model.ProcessedEvent
		outcome string
	)
	e := &ev.Event
	err := row.Scan(&e.GatewayEventID, &e.InvoiceID, &e.UserID, &e.Amount, &e.ReceivedAt,
		&outcome, &ev.Detail, &ev.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, domain.ErrReadDatabaseRow
	}
	ev.Outcome = model.EventOutcome(outcome)
	return &ev, nil
}
