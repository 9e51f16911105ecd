package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/admin3-rules/internal/core"
)

const (
	DefaultRedisPrefix = "admin3:rules:"
	DefaultRedisTTL    = 10 * time.Minute
)

// storeIfCurrentScript writes the rule list only when neither the entry
// point generation nor the global generation moved since the load began.
// KEYS[1] = entry point generation key
// KEYS[2] = global generation key
// KEYS[3] = rule list key
// ARGV[1] = entry point generation observed before load
// ARGV[2] = global generation observed before load
// ARGV[3] = encoded rule list
// ARGV[4] = ttl in seconds
var storeIfCurrentScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[1]) or "0"
local global = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[1] or global ~= ARGV[2] then
    return 0
end
redis.call("SET", KEYS[3], ARGV[3], "EX", tonumber(ARGV[4]))
return 1
`)

// RedisCache shares rule lists between server instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	opts   options
}

// NewRedisCache wraps an existing client. A zero ttl uses DefaultRedisTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration, opts ...Option) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisCache{
		client: client,
		prefix: DefaultRedisPrefix,
		ttl:    ttl,
		opts:   buildOptions(opts),
	}
}

func (c *RedisCache) listKey(key string) string { return c.prefix + "list:" + key }
func (c *RedisCache) genKey(key string) string  { return c.prefix + "gen:" + key }
func (c *RedisCache) globalKey() string         { return c.prefix + "gen" }

func (c *RedisCache) GetOrLoad(ctx context.Context, key string, loader Loader) ([]core.Rule, bool, error) {
	key = Key(key)

	payload, err := c.client.Get(ctx, c.listKey(key)).Bytes()
	switch {
	case err == nil:
		rules := []core.Rule{}
		decodeErr := json.Unmarshal(payload, &rules)
		if decodeErr == nil {
			c.opts.metrics.RecordCacheLookup(true)
			return rules, true, nil
		}
		c.opts.logger.Warn("dropping undecodable cached rule list", "entry_point", key, "error", decodeErr)
	case errors.Is(err, redis.Nil):
	default:
		c.opts.logger.Warn("rule cache read failed, loading from store", "entry_point", key, "error", err)
	}
	c.opts.metrics.RecordCacheLookup(false)

	gens, genErr := c.client.MGet(ctx, c.genKey(key), c.globalKey()).Result()

	rules, err := loader(ctx)
	if err != nil {
		return nil, false, err
	}
	c.opts.metrics.IncCacheLoads()

	if genErr != nil {
		c.opts.logger.Warn("rule cache generation read failed, not storing", "entry_point", key, "error", genErr)
		return rules, false, nil
	}
	encoded, err := json.Marshal(rules)
	if err != nil {
		return nil, false, fmt.Errorf("encode rule list: %w", err)
	}
	stored, err := storeIfCurrentScript.Run(ctx, c.client,
		[]string{c.genKey(key), c.globalKey(), c.listKey(key)},
		generation(gens, 0), generation(gens, 1), encoded, int(c.ttl.Seconds()),
	).Int()
	switch {
	case err != nil:
		c.opts.logger.Warn("rule cache write failed", "entry_point", key, "error", err)
	case stored == 0:
		c.opts.logger.Debug("discarding rule list loaded across an invalidation", "entry_point", key)
	}
	return rules, false, nil
}

func generation(values []any, i int) string {
	if i >= len(values) || values[i] == nil {
		return "0"
	}
	if s, ok := values[i].(string); ok {
		return s
	}
	return fmt.Sprint(values[i])
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	key = Key(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(key))
		pipe.Del(ctx, c.listKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	c.opts.metrics.IncCacheInvalidations()
	return nil
}

func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	keys := make([]string, 0, len(core.EntryPoints()))
	for _, ep := range core.EntryPoints() {
		keys = append(keys, c.listKey(string(ep)))
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.globalKey())
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate all: %w", err)
	}
	c.opts.metrics.IncCacheInvalidations()
	return nil
}
