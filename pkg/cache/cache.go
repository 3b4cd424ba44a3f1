// Package cache is the typed facade over the shared remote cache. Every read
// family the admission pipeline consults goes through here: single-key gets,
// the batch multi-get that keeps resolution to one round trip, negative
// sentinels, and graceful degradation when the remote store is down.
//
// Degradation contract: any remote error is swallowed, logged at most once
// per warn window, and surfaces to the caller as a miss. Callers must be able
// to fall through to the authoritative store.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Null is the negative sentinel: a confirmed-absent record, as opposed to a
// missing cache entry. Stored as the literal string "null" because the
// underlying store has no tri-state value type.
const Null = "null"

const (
	getTimeout  = 1 * time.Second
	mgetTimeout = 2 * time.Second
)

// Result is the outcome of a single-key lookup inside a batch.
type Result struct {
	Value string
	Hit   bool
}

// Negative reports whether the lookup hit the confirmed-absent sentinel.
func (r Result) Negative() bool { return r.Hit && r.Value == Null }

// Cache wraps a Redis client. A nil client is a valid disabled facade: every
// read is a miss and every write a no-op, so the process runs DB-only.
type Cache struct {
	rdb  *redis.Client
	log  *slog.Logger
	warn *rate.Limiter
}

// New builds a facade around rdb. Pass nil to disable caching entirely.
func New(rdb *redis.Client) *Cache {
	return &Cache{
		rdb:  rdb,
		log:  slog.Default().With("component", "cache"),
		warn: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Enabled reports whether a remote store is configured.
func (c *Cache) Enabled() bool { return c.rdb != nil }

// degraded logs a remote failure, throttled to one line per warn window.
func (c *Cache) degraded(op string, err error) {
	if c.warn.Allow() {
		c.log.Warn("remote cache degraded, falling through to DB", "op", op, "error", err)
	}
}

// Get returns the value for key. A remote error or absent key is a miss.
func (c *Cache) Get(ctx context.Context, key string) Result {
	if c.rdb == nil {
		return Result{}
	}
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return Result{}
	}
	if err != nil {
		c.degraded("get", err)
		return Result{}
	}
	return Result{Value: val, Hit: true}
}

// MGet fetches all keys in a single round trip. The slice is positional:
// result[i] corresponds to keys[i]. A remote error or timeout degrades to
// all-miss so the resolver falls through to the DB.
func (c *Cache) MGet(ctx context.Context, keys []string) []Result {
	results := make([]Result, len(keys))
	if c.rdb == nil || len(keys) == 0 {
		return results
	}
	ctx, cancel := context.WithTimeout(ctx, mgetTimeout)
	defer cancel()

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.degraded("mget", err)
		return results
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			results[i] = Result{Value: s, Hit: true}
		}
	}
	return results
}

// Set writes key with the family TTL. Failures degrade silently.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.degraded("set", err)
	}
}

// SetNull records a confirmed-absent row so callers stop retrying the DB.
func (c *Cache) SetNull(ctx context.Context, key string, ttl time.Duration) {
	c.Set(ctx, key, Null, ttl)
}

// Del removes exact keys.
func (c *Cache) Del(ctx context.Context, keys ...string) {
	if c.rdb == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.degraded("del", err)
	}
}

// DelPattern removes every key matching the given patterns via SCAN. Only
// tenant-scoped families may be pattern-deleted; admin mutations use this to
// invalidate a tenant's cache atomically with the DB write.
func (c *Cache) DelPattern(ctx context.Context, patterns ...string) {
	if c.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mgetTimeout)
	defer cancel()

	for _, pattern := range patterns {
		iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			c.degraded("scan", err)
			continue
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.degraded("del", err)
			}
		}
	}
}
