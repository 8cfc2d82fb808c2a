// Package ledger owns the authoritative per-device credit balance.
// Balances are mutated only through Lua scripts, so concurrent debits can
// never both succeed against a balance that covers only one of them.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/echoedit/edge-gateway/internal/store"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRefundAlreadyIssued = errors.New("refund already issued for this request")
)

// debitScript materializes the balance lazily at the configured starting
// value, then decrements only if the balance covers the amount. Returns
// {ok, balance} where balance is post-debit on success, unchanged otherwise.
var debitScript = redis.NewScript(`
local bal = redis.call('GET', KEYS[1])
if not bal then
  bal = ARGV[2]
end
bal = tonumber(bal)
local amt = tonumber(ARGV[1])
if bal < amt then
  redis.call('SET', KEYS[1], bal)
  return {0, bal}
end
bal = bal - amt
redis.call('SET', KEYS[1], bal)
return {1, bal}
`)

var creditScript = redis.NewScript(`
local bal = redis.call('GET', KEYS[1])
if not bal then
  bal = ARGV[2]
end
bal = tonumber(bal) + tonumber(ARGV[1])
redis.call('SET', KEYS[1], bal)
return bal
`)

type Ledger struct {
	rdb      *redis.Client
	starting int64
	log      *zap.Logger
}

func New(rdb *redis.Client, startingCredits int64, log *zap.Logger) *Ledger {
	return &Ledger{rdb: rdb, starting: startingCredits, log: log}
}

// Balance returns the current spendable credits. A device that has never
// been debited or credited reports the starting grant.
func (l *Ledger) Balance(ctx context.Context, keyID string) (int64, error) {
	bal, err := l.rdb.Get(ctx, store.CreditsKey(keyID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return l.starting, nil
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return bal, nil
}

// Debit atomically removes amount from the balance. Fails without mutation
// when the balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, keyID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	res, err := debitScript.Run(ctx, l.rdb, []string{store.CreditsKey(keyID)}, amount, l.starting).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	if res[0] != 1 {
		return res[1], ErrInsufficientCredits
	}
	return res[1], nil
}

// Credit atomically adds amount to the balance and returns the new value.
func (l *Ledger) Credit(ctx context.Context, keyID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	bal, err := creditScript.Run(ctx, l.rdb, []string{store.CreditsKey(keyID)}, amount, l.starting).Int64()
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	return bal, nil
}

// Refund returns a prior debit after a failed downstream step. Guarded by
// requestID: the second refund attempt for the same logical request fails
// without touching the balance.
func (l *Ledger) Refund(ctx context.Context, keyID, requestID string, amount int64) (int64, error) {
	set, err := l.rdb.SetNX(ctx, store.RefundKey(requestID), 1, store.RefundGuardTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("refund guard: %w", err)
	}
	if !set {
		return 0, ErrRefundAlreadyIssued
	}
	bal, err := l.Credit(ctx, keyID, amount)
	if err != nil {
		return 0, err
	}
	l.log.Info("refund issued",
		zap.String("key_id", keyID),
		zap.String("request_id", requestID),
		zap.Int64("amount", amount),
	)
	return bal, nil
}
