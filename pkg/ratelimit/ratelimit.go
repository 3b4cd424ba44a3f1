// Package ratelimit implements the per-tenant fixed-window request counter.
// Each tenant gets an atomic counter keyed by (tenant, window bucket); the
// ceiling comes from the tenant row and a nil ceiling disables limiting.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spendgate/spendgate/pkg/ledger"
)

// DefaultWindow is the fixed window length backing rate_limit_per_minute.
const DefaultWindow = 60 * time.Second

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool
	// RetryAfter is the whole seconds until the window resets; meaningful
	// only when denied.
	RetryAfter int
}

// fixedWindowScript increments the window counter and sets its TTL in one
// atomic step so the counter can never outlive its window.
// KEYS[1] = window counter key
// ARGV[1] = window length in seconds
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// Limiter counts requests per tenant per fixed window. With a Redis client it
// is shared across processes; without one it falls back to an in-process
// window so a single instance still limits.
type Limiter struct {
	rdb    *redis.Client
	window time.Duration
	log    *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	bucket int64
	count  int64
}

// New builds a limiter. rdb may be nil.
func New(rdb *redis.Client, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		rdb:    rdb,
		window: window,
		log:    slog.Default().With("component", "ratelimit"),
		now:    time.Now,
		local:  make(map[string]*localWindow),
	}
}

// Allow records one request for the tenant and checks it against the
// ceiling. A nil ceiling disables limiting entirely and records nothing.
func (l *Limiter) Allow(ctx context.Context, tenantName string, ceiling *int64) (Result, error) {
	if ceiling == nil {
		return Result{Allowed: true}, nil
	}
	at := l.now()
	count, err := l.increment(ctx, tenantName, at)
	if err != nil {
		// A broken limiter store must not take the gateway down; admit and
		// let budgets enforce spend.
		l.log.Warn("limiter store unavailable, admitting", "tenant", tenantName, "error", err)
		return Result{Allowed: true}, nil
	}
	if count <= *ceiling {
		return Result{Allowed: true}, nil
	}
	return Result{Allowed: false, RetryAfter: l.retryAfter(at)}, nil
}

func (l *Limiter) increment(ctx context.Context, tenantName string, at time.Time) (int64, error) {
	if l.rdb == nil {
		return l.incrementLocal(tenantName, at), nil
	}
	key := ledger.RateWindowKey(tenantName, at, l.window)
	res, err := fixedWindowScript.Run(ctx, l.rdb, []string{key}, int(l.window.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: incr: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	return count, nil
}

func (l *Limiter) incrementLocal(tenantName string, at time.Time) int64 {
	bucket := at.UTC().Unix() / int64(l.window.Seconds())
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.local[tenantName]
	if w == nil || w.bucket != bucket {
		w = &localWindow{bucket: bucket}
		l.local[tenantName] = w
	}
	w.count++
	return w.count
}

// retryAfter returns seconds until the window containing at rolls over,
// rounded up so the client never retries into the same window.
func (l *Limiter) retryAfter(at time.Time) int {
	windowSecs := int64(l.window.Seconds())
	elapsed := at.UTC().Unix() % windowSecs
	remaining := windowSecs - elapsed
	return int(remaining)
}
