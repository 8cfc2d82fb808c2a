// Package ratelimit enforces a fixed-window request quota per device key.
package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/echoedit/edge-gateway/internal/store"
)

var ErrExceeded = errors.New("rate limit exceeded")

// windowScript checks the window counter before touching it: a request over
// the limit fails without mutation, so a throttled device cannot extend its
// own window by hammering the endpoint. The window TTL is set when the
// counter is created and left alone afterwards (fixed window).
var windowScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
  return -1
end
cur = redis.call('INCR', KEYS[1])
if cur == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return cur
`)

type Limiter struct {
	rdb           *redis.Client
	limit         int64
	windowSeconds int64
}

func New(rdb *redis.Client, limit, windowSeconds int64) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, windowSeconds: windowSeconds}
}

// Allow admits the request and counts it against the device's current
// window, or fails with ErrExceeded leaving the counter untouched.
func (l *Limiter) Allow(ctx context.Context, keyID string) error {
	n, err := windowScript.Run(ctx, l.rdb, []string{store.RateKey(keyID)}, l.limit, l.windowSeconds).Int64()
	if err != nil {
		return fmt.Errorf("rate window: %w", err)
	}
	if n < 0 {
		return ErrExceeded
	}
	return nil
}
