package repository

import (
	"context"

	"telegram-vpn-subscription/internal/domain/model"
)

// SubscriptionRepository persists the single lifecycle record per user.
type SubscriptionRepository interface {
	// Get returns domain.ErrNotFound for users that never committed a transition.
	Get(ctx context.Context, tx Tx, userID string) (*model.Subscription, error)
	// Insert stores the first committed state. A concurrent first insert yields *domain.ConflictError.
	Insert(ctx context.Context, tx Tx, sub *model.Subscription) error
	// UpdateIfVersion replaces the row only when its stored version equals expected.
	// On mismatch it returns *domain.ConflictError carrying the current version.
	UpdateIfVersion(ctx context.Context, tx Tx, sub *model.Subscription, expected int64) error
	// ListLive pages active and grace subscriptions ordered by user id.
	ListLive(ctx context.Context, tx Tx, afterUserID string, limit int) ([]*model.Subscription, error)
	CountByStatus(ctx context.Context, tx Tx) (map[model.SubscriptionStatus]int, error)
}
