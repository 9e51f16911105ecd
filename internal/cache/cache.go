// Package cache memoises the ordered active rule list per entry point.
//
// Entries are dropped on every authoring change. Loads carry the generation
// observed before the loader ran, so a list built from pre-invalidation
// state is never stored after the invalidation lands.
package cache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/metrics"
)

// Loader builds the ordered active rule list for an entry point.
type Loader func(ctx context.Context) ([]core.Rule, error)

// RuleCache is the contract shared by the memory and Redis backends.
type RuleCache interface {
	// GetOrLoad returns the cached list for key, or runs loader and stores
	// its result. hit reports whether the list came from the cache.
	GetOrLoad(ctx context.Context, key string, loader Loader) (rules []core.Rule, hit bool, err error)
	Invalidate(ctx context.Context, key string) error
	InvalidateAll(ctx context.Context) error
}

// Key normalises an entry point code into a cache key.
func Key(entryPoint string) string {
	return core.NormalizeEntryPoint(entryPoint)
}

type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryCache is a process-local RuleCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]core.Rule
	gens    map[string]uint64
	global  uint64

	opts options
}

func NewMemoryCache(opts ...Option) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string][]core.Rule),
		gens:    make(map[string]uint64),
		opts:    buildOptions(opts),
	}
}

func (c *MemoryCache) GetOrLoad(ctx context.Context, key string, loader Loader) ([]core.Rule, bool, error) {
	key = Key(key)

	c.mu.RLock()
	rules, ok := c.entries[key]
	gen, global := c.gens[key], c.global
	c.mu.RUnlock()
	c.opts.metrics.RecordCacheLookup(ok)
	if ok {
		return cloneRules(rules), true, nil
	}

	loaded, err := loader(ctx)
	if err != nil {
		return nil, false, err
	}
	c.opts.metrics.IncCacheLoads()

	c.mu.Lock()
	if c.gens[key] == gen && c.global == global {
		c.entries[key] = cloneRules(loaded)
	} else {
		c.opts.logger.Debug("discarding rule list loaded across an invalidation", "entry_point", key)
	}
	c.mu.Unlock()

	return loaded, false, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, key string) error {
	key = Key(key)
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
	c.opts.metrics.IncCacheInvalidations()
	return nil
}

func (c *MemoryCache) InvalidateAll(context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string][]core.Rule)
	c.global++
	c.mu.Unlock()
	c.opts.metrics.IncCacheInvalidations()
	return nil
}

// Len returns the number of cached entry points.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cloneRules copies the slice header so callers cannot reorder the cached
// list. Rules themselves are treated as immutable once loaded.
func cloneRules(rules []core.Rule) []core.Rule {
	if rules == nil {
		return []core.Rule{}
	}
	out := make([]core.Rule, len(rules))
	copy(out, rules)
	return out
}
