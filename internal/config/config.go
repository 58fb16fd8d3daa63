package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/raaihank/desensitizer/internal/ner"
	"github.com/raaihank/desensitizer/internal/privacy"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	mu     sync.Mutex
	active *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seed viper with the defaults so every key can be overridden from env
	defaults, err := yaml.Marshal(GetDefaults())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/" + AppName + "/")
	v.AddConfigPath("$HOME/." + AppName + "/")

	// Environment variable overrides
	v.SetEnvPrefix("DESENSITIZER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.MergeInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := GetDefaults()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyModelEnv(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	active = v
	mu.Unlock()

	return config, nil
}

// applyModelEnv honours the model environment variables understood by the
// model download tooling
func applyModelEnv(config *Config) {
	for _, key := range []string{"PPNLP_HOME", "MODEL_DIR"} {
		if dir := os.Getenv(key); dir != "" {
			config.NER.ModelDir = dir
		}
	}
	if mode := os.Getenv("NER_MODE"); mode != "" {
		config.NER.Mode = mode
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.MaxInFlight <= 0 {
		return fmt.Errorf("invalid max_in_flight: %d (must be positive)", config.Server.MaxInFlight)
	}

	if _, err := config.Desensitize.Options(); err != nil {
		return err
	}

	if _, err := privacy.ParsePolicy(config.Desensitize.Policy); err != nil {
		return err
	}

	if _, err := ner.ParseMode(config.NER.Mode); err != nil {
		return err
	}

	switch ner.Backend(config.NER.Backend) {
	case ner.BackendONNX, ner.BackendHTTP, ner.BackendStatic, ner.BackendNone:
	default:
		return fmt.Errorf("invalid ner backend: %s (must be onnx, http, static, or none)", config.NER.Backend)
	}

	if config.NER.Backend == string(ner.BackendHTTP) && config.NER.Endpoint == "" {
		return fmt.Errorf("ner endpoint is required for the http backend")
	}

	if config.Audit.Enabled && config.Audit.Driver != "sqlite" && config.Audit.Driver != "postgres" {
		return fmt.Errorf("invalid audit driver: %s (must be sqlite or postgres)", config.Audit.Driver)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("invalid rate limit: %v/s burst %d", config.RateLimit.RequestsPerSecond, config.RateLimit.Burst)
	}

	if config.Batch.Workers <= 0 {
		return fmt.Errorf("invalid batch workers: %d", config.Batch.Workers)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the loaded configuration file for changes. Invalid
// updates are reported to onError and otherwise ignored.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := active
	mu.Unlock()
	if v == nil {
		return errors.New("configuration not loaded")
	}
	if v.ConfigFileUsed() == "" {
		return errors.New("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to unmarshal %s: %w", e.Name, err))
			}
			return
		}
		applyModelEnv(newConfig)

		if err := validateConfig(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("invalid configuration in %s: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}

// Options converts the configured defaults into pipeline options
func (c DesensitizeConfig) Options() (privacy.Options, error) {
	strategy, err := privacy.ParseStrategy(c.Strategy)
	if err != nil {
		return privacy.Options{}, err
	}
	detectors, err := privacy.ParseSelection(c.Detectors)
	if err != nil {
		return privacy.Options{}, err
	}
	if detectors.None() {
		return privacy.Options{}, privacy.ErrNoDetectorSelected
	}
	types, err := ParseTypes(c.EntityTypes)
	if err != nil {
		return privacy.Options{}, err
	}
	return privacy.Options{Strategy: strategy, Detectors: detectors, Types: types}, nil
}

// ParseTypes parses entity type names or labels. An empty list or the
// single value "all" selects every type and returns a nil filter.
func ParseTypes(names []string) (privacy.TypeFilter, error) {
	if len(names) == 0 || (len(names) == 1 && strings.EqualFold(names[0], "all")) {
		return nil, nil
	}
	filter := make(privacy.TypeFilter, len(names))
	for _, name := range names {
		t, err := privacy.ParseEntityType(name)
		if err != nil {
			return nil, err
		}
		filter[t] = struct{}{}
	}
	return filter, nil
}

// Recognizer converts the NER section into the ner package configuration
func (c NERConfig) Recognizer() ner.Config {
	return ner.Config{
		Backend:     ner.Backend(c.Backend),
		ModelDir:    c.ModelDir,
		Endpoint:    c.Endpoint,
		Timeout:     c.Timeout,
		MaxLength:   c.MaxLength,
		LexiconPath: c.LexiconPath,
	}
}
