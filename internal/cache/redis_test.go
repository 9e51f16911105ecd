package cache

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/admin3-rules/internal/core"
)

// newTestRedisCache requires a running Redis on localhost and skips otherwise.
func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Skipping Redis cache test: redis not available")
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	c := NewRedisCache(client, 0)
	c.prefix = "admin3:test:" + t.Name() + ":"
	return c
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestRedisCache(t)
	loader := &countingLoader{rules: []core.Rule{
		{
			Code:       "terms",
			EntryPoint: core.EntryPointCheckoutTerms,
			Priority:   10,
			Active:     true,
			Version:    2,
			Condition:  core.MustParseCondition(`{"==":[{"var":"cart.id"},42]}`),
		},
	}}

	_, hit, err := c.GetOrLoad(ctx, "checkout_terms", loader.load)
	require.NoError(t, err)
	assert.False(t, hit)

	rules, hit, err := c.GetOrLoad(ctx, "checkout_terms", loader.load)
	require.NoError(t, err)
	assert.True(t, hit)
	require.Len(t, rules, 1)
	assert.Equal(t, 2, rules[0].Version)

	matched, err := rules[0].Condition.Evaluate(map[string]any{"cart": map[string]any{"id": 42}})
	require.NoError(t, err)
	assert.True(t, matched, "decoded condition must still evaluate")
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestRedisCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	c := newTestRedisCache(t)
	loader := &countingLoader{rules: []core.Rule{{Code: "a", Condition: core.Always(true)}}}

	_, _, err := c.GetOrLoad(ctx, "checkout_terms", loader.load)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "checkout_terms"))

	_, hit, err := c.GetOrLoad(ctx, "checkout_terms", loader.load)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.InvalidateAll(ctx))
	_, hit, err = c.GetOrLoad(ctx, "checkout_terms", loader.load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.EqualValues(t, 3, loader.calls.Load())
}

func TestRedisCacheDoesNotStoreLoadRacingInvalidation(t *testing.T) {
	ctx := context.Background()
	c := newTestRedisCache(t)

	stale := func(ctx context.Context) ([]core.Rule, error) {
		require.NoError(t, c.Invalidate(ctx, "checkout_terms"))
		return []core.Rule{{Code: "old", Condition: core.Always(true)}}, nil
	}
	_, _, err := c.GetOrLoad(ctx, "checkout_terms", stale)
	require.NoError(t, err)

	fresh := &countingLoader{rules: []core.Rule{{Code: "new", Condition: core.Always(true)}}}
	rules, hit, err := c.GetOrLoad(ctx, "checkout_terms", fresh.load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "new", rules[0].Code)
}
