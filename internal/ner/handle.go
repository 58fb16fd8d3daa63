package ner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Builder constructs the recognizer for a mode
type Builder func(ctx context.Context, mode Mode) (Recognizer, error)

// Handle owns one lazily built recognizer. The recognizer is built by the
// first caller and shared by reference afterwards. A build failure is kept
// and returned to every later caller without retrying; a build aborted by
// the caller's context is not kept.
type Handle struct {
	mode   Mode
	build  Builder
	logger *zap.Logger

	mu  sync.Mutex
	rec Recognizer
	err error
}

// NewHandle creates an unbuilt handle
func NewHandle(mode Mode, build Builder, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handle{mode: mode, build: build, logger: logger}
}

// Mode returns the handle's model mode
func (h *Handle) Mode() Mode {
	return h.mode
}

// Recognizer returns the shared recognizer, building it on first use
func (h *Handle) Recognizer(ctx context.Context) (Recognizer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rec != nil {
		return h.rec, nil
	}
	if h.err != nil {
		return nil, h.err
	}

	start := time.Now()
	rec, err := h.build(ctx, h.mode)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		var ie *InitError
		if !errors.As(err, &ie) {
			err = &InitError{Mode: h.mode, Kind: KindLoadFailed, Err: err}
		}
		h.err = err
		h.logger.Error("NER model initialization failed",
			zap.String("mode", string(h.mode)),
			zap.Error(err),
		)
		return nil, err
	}

	h.rec = rec
	h.logger.Info("NER model loaded",
		zap.String("mode", string(h.mode)),
		zap.Duration("load_time", time.Since(start)),
	)
	return rec, nil
}

// Recognize builds the recognizer if needed and runs it
func (h *Handle) Recognize(ctx context.Context, text string) ([]Token, error) {
	rec, err := h.Recognizer(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Recognize(ctx, text)
}

// Status reports whether the recognizer is built and the cached build
// error, if any
func (h *Handle) Status() (ready bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec != nil, h.err
}

// Close releases the recognizer if it was built
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rec == nil {
		return nil
	}
	err := h.rec.Close()
	h.rec = nil
	return err
}

// Registry holds one Handle per mode for the lifetime of the process
type Registry struct {
	build  Builder
	logger *zap.Logger

	mu      sync.Mutex
	handles map[Mode]*Handle
}

// NewRegistry creates a registry whose handles use build
func NewRegistry(build Builder, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		build:   build,
		logger:  logger,
		handles: make(map[Mode]*Handle),
	}
}

// Handle returns the handle for mode, creating it unbuilt on first request
func (r *Registry) Handle(mode Mode) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[mode]
	if !ok {
		h = NewHandle(mode, r.build, r.logger)
		r.handles[mode] = h
	}
	return h
}

// Close closes every built recognizer
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, h := range r.handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
