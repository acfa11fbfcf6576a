package adapter

import "context"

// UserLocker serializes work per user id. Unlock must be called exactly once.
type UserLocker interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}
