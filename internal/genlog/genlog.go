// Package genlog keeps a bounded, append-only record of paid generations.
// Each device's history is one sorted set scored by timestamp, so reading
// recent entries is a single range call on the hot path.
package genlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/echoedit/edge-gateway/internal/store"
)

// Entry records one successful submission. Write-once, bounded retention.
type Entry struct {
	KeyID        string `json:"key_id"`
	GenerationID string `json:"generation_id"`
	Model        string `json:"model"`
	CreditsUsed  int64  `json:"credits_used"`
	Timestamp    int64  `json:"timestamp"`
}

type Log struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Log {
	return &Log{rdb: rdb}
}

// Append records an entry and prunes anything past the retention window, so
// the set stays bounded for active devices whose key TTL keeps renewing.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	key := store.GenerationLogKey(e.KeyID)
	cutoff := time.Now().Add(-store.GenerationTTL).Unix()

	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.Timestamp), Member: blob})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, store.GenerationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries for a device, newest first.
func (l *Log) Recent(ctx context.Context, keyID string, n int) ([]Entry, error) {
	stop := int64(n - 1)
	if n <= 0 {
		stop = -1
	}
	vals, err := l.rdb.ZRevRange(ctx, store.GenerationLogKey(keyID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read log entries: %w", err)
	}
	entries := make([]Entry, 0, len(vals))
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
