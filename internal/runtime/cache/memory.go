package cache

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/l0p7/bankbridge/internal/metrics"
	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
)

type memoryCache struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*Entry
	hits    int64
	misses  int64
}

// NewMemory constructs the in-process search cache.
func NewMemory(opts Options) SearchCache {
	opts = opts.normalize()
	return &memoryCache{opts: opts, entries: make(map[string]*Entry)}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	start := time.Now()
	now := c.opts.Clock()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && expired(entry.CreatedAt, now, c.opts.TTL) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.misses++
		size := len(c.entries)
		c.mu.Unlock()
		c.opts.Metrics.SetCacheEntries(size)
		c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationLookup, metrics.CacheResultMiss, time.Since(start))
		return Entry{}, false, nil
	}
	entry.HitCount++
	c.hits++
	out := cloneEntry(*entry)
	c.mu.Unlock()

	c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationLookup, metrics.CacheResultHit, time.Since(start))
	c.opts.Logger.Debug("search cache hit", slog.String("key", out.Key[:min(8, len(out.Key))]), slog.Int("hit_count", out.HitCount))
	return out, true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, results []pipeline.SearchResult, banks []string) error {
	start := time.Now()
	now := c.opts.Clock()

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.opts.MaxSize {
		c.evictLocked(now)
	}
	c.entries[key] = &Entry{
		Key:          key,
		Results:      slices.Clone(results),
		TotalResults: len(results),
		Banks:        slices.Clone(banks),
		CreatedAt:    now,
	}
	size := len(c.entries)
	c.mu.Unlock()

	c.opts.Metrics.SetCacheEntries(size)
	c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationStore, metrics.CacheResultStored, time.Since(start))
	return nil
}

func (c *memoryCache) evictLocked(now time.Time) {
	var victim *Entry
	var victimScore float64
	for _, entry := range c.entries {
		score := evictionScore(entry.HitCount, entry.CreatedAt, now)
		if victim == nil || score < victimScore || (score == victimScore && entry.Key < victim.Key) {
			victim, victimScore = entry, score
		}
	}
	if victim == nil {
		return
	}
	delete(c.entries, victim.Key)
	c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationEvict, metrics.CacheResultRemoved, 0)
	c.opts.Logger.Debug("search cache evicted entry",
		slog.Int("hit_count", victim.HitCount),
		slog.Duration("age", now.Sub(victim.CreatedAt)),
	)
}

func (c *memoryCache) Invalidate(_ context.Context, banks []string) (int, error) {
	if len(banks) == 0 {
		return 0, nil
	}
	start := time.Now()
	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if touchesBanks(entry.Banks, banks) {
			delete(c.entries, key)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	c.opts.Metrics.SetCacheEntries(size)
	c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationInvalidate, metrics.CacheResultRemoved, time.Since(start))
	if removed > 0 {
		c.opts.Logger.Info("search cache invalidated", slog.Int("removed", removed), slog.Any("banks", banks))
	}
	return removed, nil
}

func (c *memoryCache) Optimize(context.Context) (OptimizeResult, error) {
	now := c.opts.Clock()
	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if expired(entry.CreatedAt, now, c.opts.TTL) {
			delete(c.entries, key)
			removed++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	c.opts.Metrics.SetCacheEntries(remaining)
	if removed > 0 {
		c.opts.Logger.Info("search cache optimized", slog.Int("removed", removed))
	}
	return OptimizeResult{Removed: removed, Remaining: remaining}, nil
}

func (c *memoryCache) Clear(context.Context) error {
	c.mu.Lock()
	size := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.hits, c.misses = 0, 0
	c.mu.Unlock()

	c.opts.Metrics.SetCacheEntries(0)
	c.opts.Logger.Info("search cache cleared", slog.Int("entries", size))
	return nil
}

func (c *memoryCache) Stats(context.Context) (Stats, error) {
	now := c.opts.Clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	previews := make([]EntryPreview, 0, len(c.entries))
	for _, entry := range c.entries {
		previews = append(previews, preview(*entry, now))
	}
	slices.SortFunc(previews, func(a, b EntryPreview) int { return b.AgeMinutes - a.AgeMinutes })
	return Stats{
		Backend:    "memory",
		Size:       len(c.entries),
		MaxSize:    c.opts.MaxSize,
		TTLMinutes: c.opts.TTL.Minutes(),
		HitCount:   c.hits,
		MissCount:  c.misses,
		HitRate:    hitRate(c.hits, c.misses),
		Entries:    previews,
	}, nil
}

func (c *memoryCache) Close(context.Context) error {
	return nil
}
