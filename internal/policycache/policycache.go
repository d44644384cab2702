// Package policycache is the policy cache (C5): a TTL key-value store of
// generated prefix-list text keyed by the canonical AS/AS-SET fingerprint,
// backed by Redis with last-writer-wins semantics and retry-with-backoff
// on transient conflicts (spec.md §4.5).
package policycache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/model"
)

const keyPrefix = "otto-bgp:policy:"

// entry is the persisted cache row (spec.md §6's relational schema,
// flattened into one JSON value since Redis has no native row type).
type entry struct {
	Text        string    `json:"text"`
	PrefixCount int       `json:"prefix_count"`
	FetchedAt   time.Time `json:"fetched_at"`
	TTLSeconds  int64     `json:"ttl_seconds"`
	Hits        int64     `json:"hits"`
}

// expired reports whether this entry's TTL has elapsed as of now.
func (e entry) expired(now time.Time) bool {
	return now.After(e.FetchedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// Cache is the Redis-backed policy cache.
type Cache struct {
	log    *zap.Logger
	client *redis.Client
}

// New constructs a Cache against the given Redis address.
func New(log *zap.Logger, addr string) *Cache {
	return &Cache{
		log: log,
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error { return c.client.Close() }

// Get returns the cached artifact for key iff it has not expired. Stale
// entries return a miss without deleting the row (spec.md §4.5).
func (c *Cache) Get(ctx context.Context, key string) (model.PolicyArtifact, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return model.PolicyArtifact{}, false, nil
	}
	if err != nil {
		return model.PolicyArtifact{}, false, errkind.New(errkind.Connection, "policycache.Get", err)
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return model.PolicyArtifact{}, false, errkind.New(errkind.Data, "policycache.Get", fmt.Errorf("corrupt cache row for %s: %w", key, err))
	}

	ttl := time.Duration(e.TTLSeconds) * time.Second
	if e.expired(time.Now()) {
		return model.PolicyArtifact{}, false, nil
	}

	c.bumpHits(ctx, key)

	return model.PolicyArtifact{
		Text: e.Text, PrefixCount: e.PrefixCount, FetchedAt: e.FetchedAt, TTL: ttl,
	}, true, nil
}

// bumpHits increments the hit counter; a failure here must never fail the
// read that triggered it (spec.md §4.5).
func (c *Cache) bumpHits(ctx context.Context, key string) {
	if err := c.client.HIncrBy(ctx, keyPrefix+key+":hits", "count", 1).Err(); err != nil {
		c.log.Warn("failed to increment cache hit counter", zap.String("key", key), zap.Error(err))
	}
}

// Put writes text under key with the given ttl, last-writer-wins. Transient
// lock conflicts are retried up to 3 times with exponential backoff
// (spec.md §4.5).
func (c *Cache) Put(ctx context.Context, key, text string, prefixCount int, ttl time.Duration, now time.Time) error {
	e := entry{Text: text, PrefixCount: prefixCount, FetchedAt: now, TTLSeconds: int64(ttl.Seconds())}
	data, err := json.Marshal(e)
	if err != nil {
		return errkind.New(errkind.Data, "policycache.Put", err)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	op := func() error {
		err := c.client.Set(ctx, keyPrefix+key, data, 0).Err()
		if isTransientConflict(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return errkind.New(errkind.Connection, "policycache.Put", fmt.Errorf("writing cache key %s: %w", key, err))
	}
	return nil
}

// isTransientConflict reports whether err looks like a backing-store lock
// conflict worth retrying, as opposed to a permanent failure.
func isTransientConflict(err error) bool {
	if err == nil {
		return false
	}
	return err == redis.TxFailedErr
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, keyPrefix+key, keyPrefix+key+":hits").Err(); err != nil {
		return errkind.New(errkind.Connection, "policycache.Invalidate", err)
	}
	return nil
}

// Sweep removes all entries whose fetched_at+ttl has elapsed as of now.
// Put stores entries without a Redis expiry (so a stale Get is a miss,
// not a deleted key), which makes Sweep the operation that removes
// expired entries, matching spec.md §4.5's explicit sweep operation.
func (c *Cache) Sweep(ctx context.Context, now time.Time) (int, error) {
	var cursor uint64
	var removed int
	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return removed, errkind.New(errkind.Connection, "policycache.Sweep", err)
		}
		for _, k := range keys {
			raw, err := c.client.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			var e entry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				continue
			}
			if e.expired(now) {
				c.client.Del(ctx, k)
				removed++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}
