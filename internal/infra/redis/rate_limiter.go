package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrWindow increments the counter and starts its window on first use, atomically,
// so a counter can never be left without an expiry.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`)

// RateLimiter is a fixed-window counter per user and action.
type RateLimiter struct {
	cli    *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(c *Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{cli: c.cli, limit: limit, window: window}
}

// Allow reports whether userID may perform action once more in the current window.
func (r *RateLimiter) Allow(ctx context.Context, userID, action string) (bool, error) {
	n, err := incrWindow.Run(ctx, r.cli, []string{rateKey(userID, action)}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n <= int64(r.limit), nil
}

func rateKey(userID, action string) string {
	return "rate_limit:" + userID + ":" + action
}
