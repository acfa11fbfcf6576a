package repository

import (
	"context"

	"telegram-vpn-subscription/internal/domain/model"
)

type AuditRepository interface {
	Append(ctx context.Context, tx Tx, e *model.AuditEntry) error
	// ListByUser returns the newest entries first.
	ListByUser(ctx context.Context, tx Tx, userID string, limit int) ([]*model.AuditEntry, error)
}
