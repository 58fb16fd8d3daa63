package cache

import (
	"time"

	"github.com/raaihank/desensitizer/internal/privacy"
)

// CachedResult is the stored form of a desensitize result. Original text
// is never part of it.
type CachedResult struct {
	Result   *privacy.MaskResult `json:"result"`
	CachedAt time.Time           `json:"cached_at"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	Addr       string        `yaml:"addr" mapstructure:"addr"`
	Password   string        `yaml:"password" mapstructure:"password"`
	DB         int           `yaml:"db" mapstructure:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix  string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	// Fingerprint identifies the pipeline settings outside privacy.Options
	// (reconcile policy, model backend and mode) and is hashed into every key
	Fingerprint string `yaml:"fingerprint" mapstructure:"fingerprint"`
}
