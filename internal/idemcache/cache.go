// Package idemcache keeps recent admission decisions in Redis so retried
// requests replay without touching the database. Entries expire with the
// idempotency retention window; the database records stay authoritative.
package idemcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reelforge/creditd/pkg/ledger"
)

const decisionKeyPrefix = "creditd:decision:"

// Cache implements ledger.ResultCache over a Redis client.
type Cache struct {
	rdb *redis.Client
}

// New returns a Cache backed by an existing Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// GetDecision loads the cached decision for an idempotency key. A missing key
// is a miss, not an error.
func (cache *Cache) GetDecision(ctx context.Context, key string) (ledger.CachedDecision, bool, error) {
	payload, err := cache.rdb.Get(ctx, decisionKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.CachedDecision{}, false, nil
	}
	if err != nil {
		return ledger.CachedDecision{}, false, fmt.Errorf("get decision: %w", err)
	}
	var decision ledger.CachedDecision
	if err := json.Unmarshal(payload, &decision); err != nil {
		return ledger.CachedDecision{}, false, fmt.Errorf("decode decision: %w", err)
	}
	return decision, true, nil
}

// PutDecision stores a decision for the remaining retention window.
func (cache *Cache) PutDecision(ctx context.Context, key string, decision ledger.CachedDecision, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	if err := cache.rdb.Set(ctx, decisionKeyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("put decision: %w", err)
	}
	return nil
}
