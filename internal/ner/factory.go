package ner

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Config selects and configures the recognizer backend
type Config struct {
	Backend     Backend
	ModelDir    string
	Endpoint    string
	Timeout     time.Duration
	MaxLength   int
	LexiconPath string
}

// ModeDir returns the directory holding the artifacts of mode
func (c Config) ModeDir(mode Mode) string {
	return filepath.Join(c.ModelDir, string(mode))
}

// NewBuilder returns a Builder for the configured backend. Nothing is
// loaded until the builder is called.
func NewBuilder(cfg Config, logger *zap.Logger) Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, mode Mode) (Recognizer, error) {
		switch cfg.Backend {
		case BackendONNX:
			return NewONNXRecognizer(cfg.ModeDir(mode), cfg.MaxLength, mode, logger)
		case BackendHTTP:
			return NewHTTPRecognizer(ctx, HTTPConfig{Endpoint: cfg.Endpoint, Timeout: cfg.Timeout}, mode, logger)
		case BackendStatic:
			entries := DefaultLexicon()
			if cfg.LexiconPath != "" {
				loaded, err := LoadLexicon(cfg.LexiconPath)
				if err != nil {
					return nil, &InitError{Mode: mode, Kind: KindMissingArtifacts, Err: err}
				}
				entries = loaded
			}
			logger.Info("Using static lexicon recognizer", zap.Int("entries", len(entries)))
			return NewStaticRecognizer(entries), nil
		case BackendNone, "":
			return nil, &InitError{Mode: mode, Kind: KindMissingBackend, Err: ErrBackendUnavailable}
		default:
			return nil, &InitError{Mode: mode, Kind: KindMissingBackend, Err: fmt.Errorf("%w: unknown backend %q", ErrBackendUnavailable, cfg.Backend)}
		}
	}
}
