package privacy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/raaihank/desensitizer/internal/logger"
	"github.com/raaihank/desensitizer/internal/ner"
	"go.uber.org/zap"
)

// Selection chooses which detectors a call runs
type Selection struct {
	Pattern bool `json:"pattern"`
	Model   bool `json:"model"`
}

// Common selections
var (
	SelectPattern = Selection{Pattern: true}
	SelectModel   = Selection{Model: true}
	SelectBoth    = Selection{Pattern: true, Model: true}
)

// ParseSelection accepts "pattern", "model", "both", or a comma separated
// list of detector names. "regex" and "nlp" are accepted as aliases.
func ParseSelection(s string) (Selection, error) {
	var sel Selection
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "":
		case "pattern", "regex":
			sel.Pattern = true
		case "model", "nlp", "ner":
			sel.Model = true
		case "both", "all":
			sel = SelectBoth
		default:
			return Selection{}, fmt.Errorf("%w: %q", ErrUnknownDetector, part)
		}
	}
	return sel, nil
}

// None reports whether no detector is selected
func (s Selection) None() bool {
	return !s.Pattern && !s.Model
}

func (s Selection) String() string {
	switch {
	case s.Pattern && s.Model:
		return "both"
	case s.Pattern:
		return "pattern"
	case s.Model:
		return "model"
	default:
		return "none"
	}
}

// Options configures one Desensitize call
type Options struct {
	Strategy  MaskStrategy
	Detectors Selection
	// Types restricts recognition; nil means every type
	Types TypeFilter
}

// Observer receives the outcome of every call. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveResult(opts Options, entities []Entity, duration time.Duration)
	ObserveError(opts Options, err error)
}

// Pipeline composes the detectors and the masking engine
type Pipeline struct {
	pattern  Detector
	model    Detector
	policy   ReconcilePolicy
	observer Observer
	logger   *logger.Logger
}

// PipelineOption customizes a Pipeline
type PipelineOption func(*Pipeline)

// WithPolicy sets the reconcile policy (default PolicyFirstSeen)
func WithPolicy(policy ReconcilePolicy) PipelineOption {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithObserver attaches an observer, e.g. metrics
func WithObserver(o Observer) PipelineOption {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// NewPipeline creates a pipeline. model may be nil when no NER backend is
// configured; selecting it then fails with ner.ErrBackendUnavailable.
func NewPipeline(pattern, model Detector, log *logger.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		pattern: pattern,
		model:   model,
		policy:  PolicyFirstSeen,
		logger:  logger.OrNop(log).WithComponent("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HasModel reports whether a model detector is wired in
func (p *Pipeline) HasModel() bool {
	return p.model != nil
}

// Desensitize detects and masks sensitive spans in text. Empty or
// whitespace-only text yields an Empty result and no error. Configuration
// problems are reported before any detector runs; detector errors are
// returned as is.
func (p *Pipeline) Desensitize(ctx context.Context, text string, opts Options) (*MaskResult, error) {
	if strings.TrimSpace(text) == "" {
		return &MaskResult{MaskedText: text, Entities: []Entity{}, Empty: true, Original: text}, nil
	}

	start := time.Now()
	detector, err := p.detectorFor(opts)
	if err != nil {
		p.observeError(opts, err)
		return nil, err
	}

	entities, err := detector.Recognize(ctx, text, opts.Types)
	if err != nil {
		p.observeError(opts, err)
		return nil, err
	}
	if entities == nil {
		entities = []Entity{}
	}

	result := &MaskResult{
		MaskedText: Apply(text, entities, opts.Strategy),
		Entities:   entities,
		Original:   text,
	}

	duration := time.Since(start)
	if p.observer != nil {
		p.observer.ObserveResult(opts, entities, duration)
	}
	p.logger.LogDetection(string(opts.Strategy), len([]rune(text)), CountLabels(entities), duration)
	return result, nil
}

// detectorFor validates opts and returns the detector to run. Only the
// combined selection is reconciled; a single detector reports every match
// and Apply masks the union of overlapping spans.
func (p *Pipeline) detectorFor(opts Options) (Detector, error) {
	if opts.Types != nil && len(opts.Types) == 0 {
		return nil, ErrNoEntityTypeSelected
	}
	if opts.Detectors.None() {
		return nil, ErrNoDetectorSelected
	}
	if !opts.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, opts.Strategy)
	}

	var detectors []Detector
	if opts.Detectors.Pattern {
		detectors = append(detectors, p.pattern)
	}
	if opts.Detectors.Model {
		if p.model == nil {
			return nil, fmt.Errorf("model detector: %w", ner.ErrBackendUnavailable)
		}
		detectors = append(detectors, p.model)
	}
	if len(detectors) == 1 {
		return detectors[0], nil
	}
	return NewCompositeDetector(p.policy, detectors...), nil
}

func (p *Pipeline) observeError(opts Options, err error) {
	if p.observer != nil {
		p.observer.ObserveError(opts, err)
	}
	if !IsConfigError(err) {
		p.logger.Warn("Desensitize failed", zap.Error(err))
	}
}

// CountByType counts entities per type
func CountByType(entities []Entity) map[EntityType]int {
	counts := make(map[EntityType]int)
	for _, e := range entities {
		counts[e.Type]++
	}
	return counts
}

// CountLabels counts entities per type name, for logs and storage
func CountLabels(entities []Entity) map[string]int {
	counts := make(map[string]int)
	for _, e := range entities {
		counts[string(e.Type)]++
	}
	return counts
}
