// File: internal/infra/redis/lock.go
package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
)

var _ adapter.UserLocker = (*UserLock)(nil)

// UserLock is a per-user mutex shared by every instance pointed at the same Redis.
// The TTL bounds how long a crashed holder can block a user.
type UserLock struct {
	cli   *redis.Client
	ttl   time.Duration
	retry time.Duration
	log   *zerolog.Logger
}

func NewUserLock(c *Client, ttl time.Duration, logger *zerolog.Logger) *UserLock {
	l := logger.With().Str("component", "redis_lock").Logger()
	return &UserLock{cli: c.cli, ttl: ttl, retry: 50 * time.Millisecond, log: &l}
}

func lockKey(userID string) string { return "lock:subscription:" + userID }

// Lock blocks until the lock is acquired or ctx is done.
func (l *UserLock) Lock(ctx context.Context, userID string) (func(), error) {
	key := lockKey(userID)
	token := uuid.NewString()
	t := time.NewTicker(l.retry)
	defer t.Stop()
	for {
		ok, err := l.cli.SetNX(ctx, key, token, l.ttl).Result()
		if err == nil && ok {
			return func() { l.unlock(key, token) }, nil
		}
		if err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("lock attempt failed")
		}
		select {
		case <-ctx.Done():
			return nil, domain.ErrLockNotAcquired
		case <-t.C:
		}
	}
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *UserLock) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := luaUnlock.Run(ctx, l.cli, []string{key}, token).Err(); err != nil && err != redis.Nil {
		l.log.Error().Err(err).Str("key", key).Msg("failed to release lock")
	}
}
