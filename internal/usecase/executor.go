package usecase

import (
	"context"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
)

// CommandExecutor applies commands at the latest version, re-reading the
// subscription after a version conflict. It is meant for callers that act on
// intent (a user pressing "cancel") rather than on a state they observed.
type CommandExecutor struct {
	subs    ucport.SubscriptionService
	retries int
}

func NewCommandExecutor(subs ucport.SubscriptionService, conflictRetries int) *CommandExecutor {
	if conflictRetries < 1 {
		conflictRetries = 1
	}
	return &CommandExecutor{subs: subs, retries: conflictRetries}
}

// Execute applies cmd, retrying up to the configured number of times on conflict.
func (e *CommandExecutor) Execute(ctx context.Context, userID string, cmd model.Command) (*model.Subscription, error) {
	var lastErr error
	for i := 0; i < e.retries; i++ {
		cur, err := e.subs.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		sub, err := e.subs.Apply(ctx, userID, cmd, cur.Version)
		if !domain.IsConflict(err) {
			return sub, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
