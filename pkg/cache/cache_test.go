package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spendgate/spendgate/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledFacade_AllMiss(t *testing.T) {
	c := cache.New(nil)
	ctx := context.Background()

	assert.False(t, c.Enabled())

	res := c.Get(ctx, "tenant:acme")
	assert.False(t, res.Hit)

	results := c.MGet(ctx, []string{"a", "b", "c"})
	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.Hit)
	}

	// Writes are no-ops, not panics.
	c.Set(ctx, "k", "v", time.Minute)
	c.SetNull(ctx, "k", time.Minute)
	c.Del(ctx, "k")
	c.DelPattern(ctx, "budget:acme:*")
}

func TestResult_NegativeSentinel(t *testing.T) {
	assert.True(t, cache.Result{Value: cache.Null, Hit: true}.Negative())
	assert.False(t, cache.Result{Value: "", Hit: false}.Negative())
	// A cached value that happens to serialize near-empty is not negative.
	assert.False(t, cache.Result{Value: "{}", Hit: true}.Negative())
}

// TestFacade_Integration requires a running Redis; skipped otherwise.
func TestFacade_Integration(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available")
	}
	c := cache.New(rdb)

	c.Set(ctx, "spendgate_test:k1", "v1", time.Minute)
	c.SetNull(ctx, "spendgate_test:k2", time.Minute)
	defer c.Del(ctx, "spendgate_test:k1", "spendgate_test:k2")

	results := c.MGet(ctx, []string{"spendgate_test:k1", "spendgate_test:k2", "spendgate_test:absent"})
	require.Len(t, results, 3)
	assert.Equal(t, cache.Result{Value: "v1", Hit: true}, results[0])
	assert.True(t, results[1].Negative())
	assert.False(t, results[2].Hit)
}
