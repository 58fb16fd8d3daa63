// Package app assembles the desensitize pipeline and its optional
// backing services from configuration. Both binaries start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/raaihank/desensitizer/internal/audit"
	"github.com/raaihank/desensitizer/internal/cache"
	"github.com/raaihank/desensitizer/internal/config"
	"github.com/raaihank/desensitizer/internal/logger"
	"github.com/raaihank/desensitizer/internal/metrics"
	"github.com/raaihank/desensitizer/internal/ner"
	"github.com/raaihank/desensitizer/internal/privacy"
)

// Services holds everything built from one configuration
type Services struct {
	Config   *config.Config
	Pipeline *privacy.Pipeline
	Models   *ner.Registry
	Model    *ner.Handle // nil when the ner backend is none
	Cache    *cache.ResultCache
	Audit    *audit.Store
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// Options controls which optional services are built
type Options struct {
	WithCache   bool
	WithAudit   bool
	WithMetrics bool
}

// NewLogger builds the logger described by cfg
func NewLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
	}
	if cfg.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.File.Path,
		}
	}
	return logger.New(loggerConfig)
}

// Build creates the pipeline and the services enabled in both cfg and
// opts. Services that fail to connect are logged and left nil; only an
// invalid configuration is an error.
func Build(cfg *config.Config, log *logger.Logger, opts Options) (*Services, error) {
	log = logger.OrNop(log)

	mode, err := ner.ParseMode(cfg.NER.Mode)
	if err != nil {
		return nil, err
	}
	policy, err := privacy.ParsePolicy(cfg.Desensitize.Policy)
	if err != nil {
		return nil, err
	}

	s := &Services{Config: cfg}

	pipelineOpts := []privacy.PipelineOption{privacy.WithPolicy(policy)}
	if opts.WithMetrics {
		s.Registry = prometheus.NewRegistry()
		s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.Metrics = metrics.NewWithRegistry(s.Registry)
		pipelineOpts = append(pipelineOpts, privacy.WithObserver(s.Metrics))
	}

	var model privacy.Detector
	if ner.Backend(cfg.NER.Backend) != ner.BackendNone {
		s.Models = ner.NewRegistry(ner.NewBuilder(cfg.NER.Recognizer(), log.Logger), log.Logger)
		s.Model = s.Models.Handle(mode)
		model = privacy.NewModelDetector(s.Model, log)
	} else {
		log.Info("Model detector disabled")
	}
	s.Pipeline = privacy.NewPipeline(privacy.NewPatternDetector(log), model, log, pipelineOpts...)

	if opts.WithCache && cfg.Cache.Enabled {
		c, err := cache.NewResultCache(&cache.Config{
			Addr:        cfg.Cache.Addr,
			Password:    cfg.Cache.Password,
			DB:          cfg.Cache.DB,
			DefaultTTL:  cfg.Cache.TTL,
			KeyPrefix:   cfg.Cache.Prefix,
			Fingerprint: Fingerprint(cfg.NER, mode, policy),
		}, log.Logger)
		if err != nil {
			log.Warn("Result cache unavailable, continuing without it", zap.Error(err))
		} else {
			s.Cache = c
		}
	}

	if opts.WithAudit && cfg.Audit.Enabled {
		store, err := audit.NewStore(&audit.Config{
			Driver: cfg.Audit.Driver,
			DSN:    cfg.Audit.DSN,
		}, log.Logger)
		if err != nil {
			log.Warn("Audit store unavailable, continuing without it", zap.Error(err))
		} else {
			s.Audit = store
		}
	}

	return s, nil
}

// Fingerprint describes the settings that change a result without being
// part of privacy.Options. Cached results are only shared between
// processes with the same fingerprint.
func Fingerprint(cfg config.NERConfig, mode ner.Mode, policy privacy.ReconcilePolicy) string {
	parts := []string{"policy=" + string(policy), "backend=" + cfg.Backend}
	switch ner.Backend(cfg.Backend) {
	case ner.BackendNone:
	case ner.BackendHTTP:
		parts = append(parts, "mode="+string(mode), "endpoint="+cfg.Endpoint)
	case ner.BackendStatic:
		parts = append(parts, "mode="+string(mode), "lexicon="+cfg.LexiconPath)
	default:
		parts = append(parts, "mode="+string(mode), "model_dir="+cfg.ModelDir, "max_length="+strconv.Itoa(cfg.MaxLength))
	}
	return strings.Join(parts, ";")
}

// Preload builds the configured model now instead of on first use
func (s *Services) Preload(ctx context.Context) error {
	if s.Model == nil {
		return nil
	}
	_, err := s.Model.Recognizer(ctx)
	return err
}

// Close releases the model and any open connections
func (s *Services) Close() error {
	var errs []error
	if s.Models != nil {
		errs = append(errs, s.Models.Close())
	}
	if s.Cache != nil {
		errs = append(errs, s.Cache.Close())
	}
	if s.Audit != nil {
		errs = append(errs, s.Audit.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close services: %w", err)
	}
	return nil
}
