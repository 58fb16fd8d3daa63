package audit

import (
	"time"
)

// Record is one audited desensitize call. It holds a hash of the input and
// entity counts, never the input or masked text.
type Record struct {
	ID            string         `db:"id" json:"id"`
	TextHash      string         `db:"text_hash" json:"text_hash"`
	TextLength    int            `db:"text_length" json:"text_length"`
	Strategy      string         `db:"strategy" json:"strategy"`
	Detectors     string         `db:"detectors" json:"detectors"`
	Source        string         `db:"source" json:"source"`
	TotalEntities int            `db:"total_entities" json:"total_entities"`
	DurationUS    int64          `db:"duration_us" json:"duration_us"`
	CreatedAtMS   int64          `db:"created_at" json:"-"`
	CreatedAt     time.Time      `db:"-" json:"created_at"`
	EntityCounts  map[string]int `db:"-" json:"entity_counts"`
}

// Stats represents aggregate audit statistics
type Stats struct {
	TotalCalls     int64            `json:"total_calls"`
	TotalEntities  int64            `json:"total_entities"`
	AvgDurationMS  float64          `json:"avg_duration_ms"`
	EntitiesByType map[string]int64 `json:"entities_by_type"`
}

// Config contains database configuration
type Config struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// Sources of audited calls
const (
	SourceAPI   = "api"
	SourceCLI   = "cli"
	SourceBatch = "batch"
)
