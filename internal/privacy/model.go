package privacy

import (
	"context"
	"fmt"
	"strings"

	"github.com/raaihank/desensitizer/internal/logger"
	"github.com/raaihank/desensitizer/internal/ner"
	"go.uber.org/zap"
)

// ModelConfidence is the confidence reported for every model entity. The
// backends expose no per-span score.
const ModelConfidence = 0.95

// tagTypes maps external NER tags to entity types. Both the short tag set
// of the fast mode and the category names of the accurate mode are listed.
// Tags missing from this table are not sensitive and are skipped.
var tagTypes = map[string]EntityType{
	"PER":  EntityPerson,
	"LOC":  EntityLocation,
	"ORG":  EntityOrganization,
	"TIME": EntityTime,

	"人物类_实体":   EntityPerson,
	"地点类_实体":   EntityLocation,
	"组织机构类_实体": EntityOrganization,
	"时间类_实体":   EntityTime,
}

// ModelTypes returns the entity types the model detector can emit
func ModelTypes() []EntityType {
	return []EntityType{EntityPerson, EntityLocation, EntityOrganization, EntityTime}
}

// TokenSource is the external NER capability. It returns (surface, tag)
// pairs in text order without offsets.
type TokenSource interface {
	Recognize(ctx context.Context, text string) ([]ner.Token, error)
}

// ModelDetector adapts a TokenSource to the Detector interface
type ModelDetector struct {
	source TokenSource
	logger *logger.Logger
}

// NewModelDetector wraps source, typically a shared *ner.Handle
func NewModelDetector(source TokenSource, log *logger.Logger) *ModelDetector {
	return &ModelDetector{
		source: source,
		logger: logger.OrNop(log).WithComponent("model_detector"),
	}
}

// Name implements Detector
func (d *ModelDetector) Name() string {
	return "model"
}

// Recognize runs the external recognizer and recovers offsets by searching
// each surface string forward from the end of the previous hit. This
// assumes tokens come back in left-to-right order; a token that cannot be
// found from the cursor is dropped.
func (d *ModelDetector) Recognize(ctx context.Context, text string, filter TypeFilter) ([]Entity, error) {
	tokens, err := d.source.Recognize(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("model recognition failed: %w", err)
	}

	entities := make([]Entity, 0, len(tokens))
	runes := newRuneCursor(text)
	bytePos, dropped := 0, 0

	for _, tok := range tokens {
		if tok.Text == "" {
			continue
		}
		idx := strings.Index(text[bytePos:], tok.Text)
		if idx < 0 {
			dropped++
			continue
		}
		byteStart := bytePos + idx
		byteEnd := byteStart + len(tok.Text)
		// The cursor moves even when the tag is skipped below
		bytePos = byteEnd

		entityType, ok := tagTypes[tok.Tag]
		if !ok || !filter.Allows(entityType) {
			continue
		}

		entities = append(entities, Entity{
			Text:       tok.Text,
			Type:       entityType,
			Start:      runes.at(byteStart),
			End:        runes.at(byteEnd),
			Confidence: ModelConfidence,
		})
	}

	d.logger.Debug("Model recognition finished",
		zap.Int("tokens", len(tokens)),
		zap.Int("entities", len(entities)),
		zap.Int("dropped", dropped),
	)
	return entities, nil
}
