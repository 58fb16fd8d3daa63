package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// AppName is used for the config search path and data directories
const AppName = "desensitizer"

// Config represents the main configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Desensitize DesensitizeConfig `yaml:"desensitize" mapstructure:"desensitize"`
	NER         NERConfig         `yaml:"ner" mapstructure:"ner"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Audit       AuditConfig       `yaml:"audit" mapstructure:"audit"`
	WebSocket   WebSocketConfig   `yaml:"websocket" mapstructure:"websocket"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" mapstructure:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxInFlight     int           `yaml:"max_in_flight" mapstructure:"max_in_flight"`       // concurrent desensitize calls
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes"` // file upload limit
}

// DesensitizeConfig holds the defaults applied when a request leaves a
// field empty
type DesensitizeConfig struct {
	Strategy    string   `yaml:"strategy" mapstructure:"strategy"`         // partial, full, hash, placeholder
	Detectors   string   `yaml:"detectors" mapstructure:"detectors"`       // pattern, model or both
	EntityTypes []string `yaml:"entity_types" mapstructure:"entity_types"` // empty means all
	Policy      string   `yaml:"policy" mapstructure:"policy"`             // first_seen, longest_span, highest_confidence
}

// NERConfig configures the model-backed detector
type NERConfig struct {
	Mode        string        `yaml:"mode" mapstructure:"mode"`       // fast or accurate
	Backend     string        `yaml:"backend" mapstructure:"backend"` // onnx, http, static or none
	ModelDir    string        `yaml:"model_dir" mapstructure:"model_dir"`
	Endpoint    string        `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxLength   int           `yaml:"max_length" mapstructure:"max_length"`
	LexiconPath string        `yaml:"lexicon_path" mapstructure:"lexicon_path"`
	Preload     bool          `yaml:"preload" mapstructure:"preload"`
}

// CacheConfig configures the Redis result cache
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Addr     string        `yaml:"addr" mapstructure:"addr"`
	Password string        `yaml:"password" mapstructure:"password"`
	DB       int           `yaml:"db" mapstructure:"db"`
	Prefix   string        `yaml:"prefix" mapstructure:"prefix"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// AuditConfig configures the detection audit log
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Driver  string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Path           string        `yaml:"path" mapstructure:"path"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	PingInterval   time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Username       string        `yaml:"username" mapstructure:"username"`
	Password       string        `yaml:"password" mapstructure:"password"`
	Events         struct {
		BroadcastDetections  bool `yaml:"broadcast_detections" mapstructure:"broadcast_detections"`
		BroadcastConnections bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	} `yaml:"events" mapstructure:"events"`
}

// RateLimitConfig configures the per-client token bucket
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// BatchConfig configures dataset processing
type BatchConfig struct {
	Workers    int    `yaml:"workers" mapstructure:"workers"`
	TextColumn string `yaml:"text_column" mapstructure:"text_column"`
	BatchSize  int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// DataDir returns the per-user data directory
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxInFlight:     32,
			MaxUploadBytes:  10 << 20,
		},
		Desensitize: DesensitizeConfig{
			Strategy:  "partial",
			Detectors: "both",
			Policy:    "first_seen",
		},
		NER: NERConfig{
			Mode:      "fast",
			Backend:   "onnx",
			ModelDir:  filepath.Join(DataDir(), "models"),
			Endpoint:  "http://localhost:8866",
			Timeout:   10 * time.Second,
			MaxLength: 512,
		},
		Cache: CacheConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Prefix:  AppName,
			TTL:     time.Hour,
		},
		Audit: AuditConfig{
			Enabled: false,
			Driver:  "sqlite",
			DSN:     filepath.Join(DataDir(), "audit.db"),
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Path:           "/ws",
			MaxConnections: 100,
			PingInterval:   54 * time.Second,
			PongTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxMessageSize: 512,
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Batch: BatchConfig{
			Workers:    4,
			TextColumn: "text",
			BatchSize:  1024,
		},
	}
	cfg.WebSocket.Events.BroadcastDetections = true
	cfg.WebSocket.Events.BroadcastConnections = true
	cfg.Logging.File.Path = filepath.Join(DataDir(), "logs", AppName+".log")
	return cfg
}
