package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/bankbridge/internal/metrics"
	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// redisCache keeps each entry as JSON under its own key with a PX expiry.
// Hit counts live in a hash and an index set tracks live keys so Invalidate,
// eviction and Stats can enumerate without SCAN.
type redisCache struct {
	client valkey.Client
	opts   Options
	ns     string
}

func NewRedis(cfg RedisConfig, opts Options) (SearchCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "bankbridge:search"
	}
	return &redisCache{client: client, opts: opts.normalize(), ns: ns}, nil
}

func (c *redisCache) entryKey(key string) string { return c.ns + ":entry:" + key }
func (c *redisCache) indexKey() string           { return c.ns + ":index" }
func (c *redisCache) hitsKey() string            { return c.ns + ":hits" }
func (c *redisCache) statsKey() string           { return c.ns + ":stats" }

func (c *redisCache) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	start := time.Now()
	resp := c.client.Do(ctx, c.client.B().Get().Key(c.entryKey(key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			c.forget(ctx, key)
			c.count(ctx, "misses")
			c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationLookup, metrics.CacheResultMiss, time.Since(start))
			return Entry{}, false, nil
		}
		c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationLookup, metrics.CacheResultError, time.Since(start))
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	hits, err := c.client.Do(ctx, c.client.B().Hincrby().Key(c.hitsKey()).Field(key).Increment(1).Build()).AsInt64()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis hit count: %w", err)
	}
	entry.HitCount = int(hits)
	c.count(ctx, "hits")
	c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationLookup, metrics.CacheResultHit, time.Since(start))
	return entry, true, nil
}

func (c *redisCache) Store(ctx context.Context, key string, results []pipeline.SearchResult, banks []string) error {
	start := time.Now()
	now := c.opts.Clock()

	member, err := c.client.Do(ctx, c.client.B().Sismember().Key(c.indexKey()).Member(key).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("cache: redis index lookup: %w", err)
	}
	if member == 0 {
		size, err := c.client.Do(ctx, c.client.B().Scard().Key(c.indexKey()).Build()).AsInt64()
		if err != nil {
			return fmt.Errorf("cache: redis index size: %w", err)
		}
		if int(size) >= c.opts.MaxSize {
			if err := c.evict(ctx, now); err != nil {
				return err
			}
		}
	}

	entry := Entry{
		Key:          key,
		Results:      slices.Clone(results),
		TotalResults: len(results),
		Banks:        slices.Clone(banks),
		CreatedAt:    now.UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmds := valkey.Commands{
		c.client.B().Set().Key(c.entryKey(key)).Value(string(payload)).Px(c.opts.TTL).Build(),
		c.client.B().Sadd().Key(c.indexKey()).Member(key).Build(),
		c.client.B().Hset().Key(c.hitsKey()).FieldValue().FieldValue(key, "0").Build(),
	}
	for _, resp := range c.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationStore, metrics.CacheResultError, time.Since(start))
			return fmt.Errorf("cache: redis store: %w", err)
		}
	}
	c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationStore, metrics.CacheResultStored, time.Since(start))
	return nil
}

// live returns the entries still present, pruning index members whose entry
// has already expired.
func (c *redisCache) live(ctx context.Context) ([]Entry, error) {
	keys, err := c.client.Do(ctx, c.client.B().Smembers().Key(c.indexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	slices.Sort(keys)
	entryKeys := make([]string, len(keys))
	for i, key := range keys {
		entryKeys[i] = c.entryKey(key)
	}
	values, err := c.client.Do(ctx, c.client.B().Mget().Key(entryKeys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("cache: redis mget: %w", err)
	}
	hits, err := c.client.Do(ctx, c.client.B().Hgetall().Key(c.hitsKey()).Build()).AsIntMap()
	if err != nil {
		return nil, fmt.Errorf("cache: redis hit counts: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	var stale []string
	for i, value := range values {
		if value.IsNil() {
			stale = append(stale, keys[i])
			continue
		}
		raw, err := value.ToString()
		if err != nil {
			return nil, fmt.Errorf("cache: redis entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			c.opts.Logger.Warn("search cache dropping undecodable entry", slog.String("key", keys[i]), slog.Any("error", err))
			stale = append(stale, keys[i])
			continue
		}
		entry.HitCount = int(hits[keys[i]])
		entries = append(entries, entry)
	}
	if len(stale) > 0 {
		c.remove(ctx, stale...)
	}
	return entries, nil
}

func (c *redisCache) evict(ctx context.Context, now time.Time) error {
	entries, err := c.live(ctx)
	if err != nil {
		return err
	}
	if len(entries) < c.opts.MaxSize {
		return nil
	}
	victim := entries[0]
	victimScore := evictionScore(victim.HitCount, victim.CreatedAt, now)
	for _, entry := range entries[1:] {
		if score := evictionScore(entry.HitCount, entry.CreatedAt, now); score < victimScore {
			victim, victimScore = entry, score
		}
	}
	c.remove(ctx, victim.Key)
	c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationEvict, metrics.CacheResultRemoved, 0)
	return nil
}

func (c *redisCache) Invalidate(ctx context.Context, banks []string) (int, error) {
	if len(banks) == 0 {
		return 0, nil
	}
	start := time.Now()
	entries, err := c.live(ctx)
	if err != nil {
		return 0, err
	}
	var doomed []string
	for _, entry := range entries {
		if touchesBanks(entry.Banks, banks) {
			doomed = append(doomed, entry.Key)
		}
	}
	if len(doomed) > 0 {
		c.remove(ctx, doomed...)
		c.opts.Logger.Info("search cache invalidated", slog.Int("removed", len(doomed)), slog.Any("banks", banks))
	}
	c.opts.Metrics.ObserveCacheOperation(metrics.CacheOperationInvalidate, metrics.CacheResultRemoved, time.Since(start))
	return len(doomed), nil
}

func (c *redisCache) Optimize(ctx context.Context) (OptimizeResult, error) {
	before, err := c.client.Do(ctx, c.client.B().Scard().Key(c.indexKey()).Build()).AsInt64()
	if err != nil {
		return OptimizeResult{}, fmt.Errorf("cache: redis index size: %w", err)
	}
	entries, err := c.live(ctx)
	if err != nil {
		return OptimizeResult{}, err
	}
	c.opts.Metrics.SetCacheEntries(len(entries))
	return OptimizeResult{Removed: int(before) - len(entries), Remaining: len(entries)}, nil
}

func (c *redisCache) Clear(ctx context.Context) error {
	keys, err := c.client.Do(ctx, c.client.B().Smembers().Key(c.indexKey()).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("cache: redis index: %w", err)
	}
	doomed := []string{c.indexKey(), c.hitsKey(), c.statsKey()}
	for _, key := range keys {
		doomed = append(doomed, c.entryKey(key))
	}
	if err := c.client.Do(ctx, c.client.B().Del().Key(doomed...).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis clear: %w", err)
	}
	c.opts.Metrics.SetCacheEntries(0)
	c.opts.Logger.Info("search cache cleared", slog.Int("entries", len(keys)))
	return nil
}

func (c *redisCache) Stats(ctx context.Context) (Stats, error) {
	now := c.opts.Clock()
	entries, err := c.live(ctx)
	if err != nil {
		return Stats{}, err
	}
	counters, err := c.client.Do(ctx, c.client.B().Hgetall().Key(c.statsKey()).Build()).AsIntMap()
	if err != nil {
		return Stats{}, fmt.Errorf("cache: redis stats: %w", err)
	}
	previews := make([]EntryPreview, 0, len(entries))
	for _, entry := range entries {
		previews = append(previews, preview(entry, now))
	}
	c.opts.Metrics.SetCacheEntries(len(entries))
	return Stats{
		Backend:    "redis",
		Size:       len(entries),
		MaxSize:    c.opts.MaxSize,
		TTLMinutes: c.opts.TTL.Minutes(),
		HitCount:   counters["hits"],
		MissCount:  counters["misses"],
		HitRate:    hitRate(counters["hits"], counters["misses"]),
		Entries:    previews,
	}, nil
}

func (c *redisCache) Close(context.Context) error {
	c.client.Close()
	return nil
}

func (c *redisCache) remove(ctx context.Context, keys ...string) {
	entryKeys := make([]string, len(keys))
	for i, key := range keys {
		entryKeys[i] = c.entryKey(key)
	}
	cmds := valkey.Commands{
		c.client.B().Del().Key(entryKeys...).Build(),
		c.client.B().Srem().Key(c.indexKey()).Member(keys...).Build(),
		c.client.B().Hdel().Key(c.hitsKey()).Field(keys...).Build(),
	}
	for _, resp := range c.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			c.opts.Logger.Warn("search cache remove failed", slog.Int("keys", len(keys)), slog.Any("error", err))
			return
		}
	}
}

func (c *redisCache) forget(ctx context.Context, key string) {
	cmds := valkey.Commands{
		c.client.B().Srem().Key(c.indexKey()).Member(key).Build(),
		c.client.B().Hdel().Key(c.hitsKey()).Field(key).Build(),
	}
	_ = c.client.DoMulti(ctx, cmds...)
}

func (c *redisCache) count(ctx context.Context, field string) {
	if err := c.client.Do(ctx, c.client.B().Hincrby().Key(c.statsKey()).Field(field).Increment(1).Build()).Error(); err != nil {
		c.opts.Logger.Debug("search cache counter update failed", slog.String("field", field), slog.Any("error", err))
	}
}
