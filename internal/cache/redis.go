package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/raaihank/desensitizer/internal/privacy"
	"go.uber.org/zap"
)

// ResultCache handles Redis-based caching of desensitize results
type ResultCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewResultCache connects to Redis and returns a cache
func NewResultCache(config *Config, logger *zap.Logger) (*ResultCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	cache := NewResultCacheWithClient(client, config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Result cache initialized successfully",
		zap.String("addr", config.Addr),
		zap.Int("db", config.DB),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// NewResultCacheWithClient wraps an existing client
func NewResultCacheWithClient(client *redis.Client, config *Config, logger *zap.Logger) *ResultCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultCache{client: client, config: config, logger: logger}
}

// Key derives the cache key of a call. The call options and the pipeline
// fingerprint are part of the hash, so the key cannot be derived from the
// text alone.
func (c *ResultCache) Key(text string, opts privacy.Options) string {
	types := "all"
	if opts.Types != nil {
		names := make([]string, 0, len(opts.Types))
		for _, t := range opts.Types.Types() {
			names = append(names, string(t))
		}
		types = strings.Join(names, ",")
	}

	hasher := sha256.New()
	fmt.Fprintf(hasher, "%s|%s|%s|%s|", c.config.Fingerprint, opts.Strategy, opts.Detectors, types)
	hasher.Write([]byte(text))
	hash := hex.EncodeToString(hasher.Sum(nil))
	return fmt.Sprintf("%s:result:%s", c.config.KeyPrefix, hash[:16])
}

// Get looks up a result. Lookup and decode failures count as misses; a
// corrupt entry is deleted. The returned result carries text as Original.
func (c *ResultCache) Get(ctx context.Context, text string, opts privacy.Options) (*privacy.MaskResult, bool) {
	key := c.Key(text, opts)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		c.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false
	} else if err != nil {
		c.misses.Add(1)
		c.logger.Error("Cache lookup failed", zap.Error(err))
		return nil, false
	}

	var cached CachedResult
	if err := json.Unmarshal(data, &cached); err != nil || cached.Result == nil {
		c.misses.Add(1)
		c.logger.Error("Failed to unmarshal cached result", zap.Error(err))
		c.client.Del(ctx, key)
		return nil, false
	}

	c.hits.Add(1)
	c.logger.Debug("Cache hit", zap.String("key", key))

	cached.Result.Original = text
	return cached.Result, true
}

// Set stores a result with the default TTL
func (c *ResultCache) Set(ctx context.Context, text string, opts privacy.Options, result *privacy.MaskResult) error {
	key := c.Key(text, opts)

	data, err := json.Marshal(CachedResult{Result: result, CachedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal result for caching: %w", err)
	}

	if err := c.client.Set(ctx, key, data, c.config.DefaultTTL).Err(); err != nil {
		c.logger.Error("Failed to cache result", zap.Error(err))
		return fmt.Errorf("failed to cache result: %w", err)
	}

	c.logger.Debug("Result cached", zap.String("key", key), zap.Int("entities", len(result.Entities)))
	return nil
}

// GetStats returns cache performance statistics
func (c *ResultCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	keys, err := c.countKeys(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalKeys = keys

	// INFO is not available on every Redis-compatible server
	if info, err := c.client.Info(ctx, "memory").Result(); err == nil {
		for _, line := range strings.Split(info, "\r\n") {
			if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
				if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
					stats.MemoryUsage = mem
				}
			}
		}
	}

	return stats, nil
}

func (c *ResultCache) countKeys(ctx context.Context) (int64, error) {
	var n int64
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+":result:*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return n, nil
}

// Clear removes all cached results
func (c *ResultCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+":result:*", 0).Iterator()
	var keys []string

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	// Delete keys in batches
	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			c.logger.Error("Failed to delete cache keys", zap.Error(err))
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (c *ResultCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
