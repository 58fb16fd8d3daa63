package privacy

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"unicode/utf8"
)

// MaskEntity returns the replacement for one entity under strategy.
// Lengths are counted in characters, not bytes.
func MaskEntity(e Entity, strategy MaskStrategy) string {
	switch strategy {
	case StrategyFull:
		return strings.Repeat("*", utf8.RuneCountInString(e.Text))
	case StrategyPartial:
		return maskPartial(e.Text)
	case StrategyHash:
		sum := md5.Sum([]byte(e.Text))
		return "[" + hex.EncodeToString(sum[:])[:8] + "]"
	case StrategyPlaceholder:
		return "[" + e.Type.Label() + "]"
	default:
		return e.Text
	}
}

func maskPartial(s string) string {
	runes := []rune(s)
	n := len(runes)
	switch {
	case n == 0:
		return ""
	case n == 1:
		return "*"
	case n == 2:
		return string(runes[0]) + "*"
	default:
		return string(runes[0]) + strings.Repeat("*", n-2) + string(runes[n-1])
	}
}

// Apply rewrites every entity span of text with its replacement.
// Overlapping spans are merged first and the union is masked as one entity
// of the longest member's type, so no detected character survives.
// Entities outside the text are ignored.
func Apply(text string, entities []Entity, strategy MaskStrategy) string {
	if len(entities) == 0 {
		return text
	}

	runes := []rune(text)
	spans := mergeSpans(entities, runes)

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, e := range spans {
		b.WriteString(string(runes[pos:e.Start]))
		b.WriteString(MaskEntity(e, strategy))
		pos = e.End
	}
	b.WriteString(string(runes[pos:]))
	return b.String()
}

// mergeSpans returns the disjoint unions of the valid entity spans in
// offset order. A span made of one entity is returned unchanged; a merged
// span takes its text from runes and its type from the longest member,
// the earliest one on ties.
func mergeSpans(entities []Entity, runes []rune) []Entity {
	sorted := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.Start >= 0 && e.Start < e.End && e.End <= len(runes) {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	var spans []Entity
	longest := 0
	for _, e := range sorted {
		n := len(spans)
		if n == 0 || e.Start >= spans[n-1].End {
			spans = append(spans, e)
			longest = e.Len()
			continue
		}
		last := &spans[n-1]
		if e.Len() > longest {
			longest = e.Len()
			last.Type = e.Type
			last.Confidence = e.Confidence
		}
		if e.End > last.End {
			last.End = e.End
		}
		last.Text = string(runes[last.Start:last.End])
	}
	return spans
}
