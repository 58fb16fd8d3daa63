package privacy

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/raaihank/desensitizer/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/text/width"
)

// Detector recognizes sensitive spans in text. Implementations must be safe
// for concurrent use.
type Detector interface {
	Recognize(ctx context.Context, text string, filter TypeFilter) ([]Entity, error)
	Name() string
}

// DetectionRule binds an entity type to the pattern that finds it
type DetectionRule struct {
	Type       EntityType
	Pattern    *regexp.Regexp
	Confidence float64
}

// PatternConfidence is the confidence reported for every pattern match
const PatternConfidence = 1.0

// DefaultRules returns the built-in structured-entity rules. Rule order is
// significant: it is the order entities are emitted in, and so the order in
// which FirstSeen reconciliation prefers them.
func DefaultRules() []DetectionRule {
	return []DetectionRule{
		{Type: EntityPhone, Pattern: regexp.MustCompile(`1[3-9]\d{9}`), Confidence: PatternConfidence},
		{Type: EntityEmail, Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), Confidence: PatternConfidence},
		{Type: EntityIDCard, Pattern: regexp.MustCompile(`\d{17}[\dXx]`), Confidence: PatternConfidence},
		{Type: EntityBankCard, Pattern: regexp.MustCompile(`\d{16,19}`), Confidence: PatternConfidence},
	}
}

// PatternDetector finds structured entities with regular expressions
type PatternDetector struct {
	rules  []DetectionRule
	logger *logger.Logger
}

// NewPatternDetector creates a pattern detector with the default rules
func NewPatternDetector(log *logger.Logger) *PatternDetector {
	return NewPatternDetectorWithRules(DefaultRules(), log)
}

// NewPatternDetectorWithRules creates a pattern detector with custom rules
func NewPatternDetectorWithRules(rules []DetectionRule, log *logger.Logger) *PatternDetector {
	return &PatternDetector{
		rules:  rules,
		logger: logger.OrNop(log).WithComponent("pattern_detector"),
	}
}

// Name implements Detector
func (d *PatternDetector) Name() string {
	return "pattern"
}

// Types returns the entity types this detector can emit
func (d *PatternDetector) Types() []EntityType {
	types := make([]EntityType, 0, len(d.rules))
	for _, rule := range d.rules {
		types = append(types, rule.Type)
	}
	return types
}

// Recognize scans the whole text once per enabled rule and returns every
// leftmost non-overlapping match. Matches of different rules may overlap.
func (d *PatternDetector) Recognize(ctx context.Context, text string, filter TypeFilter) ([]Entity, error) {
	runes := []rune(text)
	scan := foldDigits(text)

	entities := make([]Entity, 0)
	for _, rule := range d.rules {
		if !filter.Allows(rule.Type) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cursor := newRuneCursor(scan)
		for _, loc := range rule.Pattern.FindAllStringIndex(scan, -1) {
			start := cursor.at(loc[0])
			end := cursor.at(loc[1])
			entities = append(entities, Entity{
				Text:       string(runes[start:end]),
				Type:       rule.Type,
				Start:      start,
				End:        end,
				Confidence: rule.Confidence,
			})
		}
	}

	d.logger.Debug("Pattern recognition finished", zap.Int("entities", len(entities)))
	return entities, nil
}

// foldDigits rewrites full-width and other wide digits to ASCII so that
// digit patterns also match them. The rune count never changes, so rune
// offsets found in the folded copy are valid in the original.
func foldDigits(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return strings.Map(narrowDigit, s)
		}
	}
	return s
}

func narrowDigit(r rune) rune {
	if r < utf8.RuneSelf {
		return r
	}
	if n := width.LookupRune(r).Narrow(); n >= '0' && n <= '9' {
		return n
	}
	return r
}
