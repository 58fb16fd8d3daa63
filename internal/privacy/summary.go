package privacy

import (
	"slices"
	"sort"
)

// maxGroupTexts caps the distinct texts listed per entity group
const maxGroupTexts = 10

// EntityGroup collects the entities of one type
type EntityGroup struct {
	Type  EntityType `json:"type"`
	Label string     `json:"label"`
	Count int        `json:"count"`
	// Texts holds up to ten distinct entity texts in first-seen order
	Texts []string `json:"texts"`
}

// Segment is a run of the original text, either plain or one entity.
// Concatenating every segment's Text reproduces the original.
type Segment struct {
	Text  string     `json:"text"`
	Start int        `json:"start"`
	End   int        `json:"end"`
	Type  EntityType `json:"type,omitempty"`
	Label string     `json:"label,omitempty"`
}

// Summary describes a result for display
type Summary struct {
	Total     int           `json:"total"`
	TypeCount int           `json:"type_count"`
	Groups    []EntityGroup `json:"groups"`
	Segments  []Segment     `json:"segments"`
}

// Summarize groups entities by type, most frequent first, and splits text
// into highlight segments. Entities overlapping an earlier one are left out
// of the segments.
func Summarize(text string, entities []Entity) Summary {
	summary := Summary{
		Total:    len(entities),
		Groups:   groupEntities(entities),
		Segments: segmentText(text, entities),
	}
	summary.TypeCount = len(summary.Groups)
	return summary
}

func groupEntities(entities []Entity) []EntityGroup {
	index := make(map[EntityType]int)
	groups := make([]EntityGroup, 0)
	for _, e := range entities {
		i, ok := index[e.Type]
		if !ok {
			i = len(groups)
			index[e.Type] = i
			groups = append(groups, EntityGroup{Type: e.Type, Label: e.Type.Label(), Texts: []string{}})
		}
		g := &groups[i]
		g.Count++
		if len(g.Texts) < maxGroupTexts && !slices.Contains(g.Texts, e.Text) {
			g.Texts = append(g.Texts, e.Text)
		}
	}

	order := make(map[EntityType]int)
	for i, t := range AllEntityTypes() {
		order[t] = i
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return order[groups[i].Type] < order[groups[j].Type]
	})
	return groups
}

func segmentText(text string, entities []Entity) []Segment {
	runes := []rune(text)
	sorted := slices.Clone(entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	segments := make([]Segment, 0, 2*len(sorted)+1)
	pos := 0
	for _, e := range sorted {
		if e.Start < pos || e.End > len(runes) || e.Start >= e.End {
			continue
		}
		if e.Start > pos {
			segments = append(segments, Segment{Text: string(runes[pos:e.Start]), Start: pos, End: e.Start})
		}
		segments = append(segments, Segment{
			Text:  string(runes[e.Start:e.End]),
			Start: e.Start,
			End:   e.End,
			Type:  e.Type,
			Label: e.Type.Label(),
		})
		pos = e.End
	}
	if pos < len(runes) {
		segments = append(segments, Segment{Text: string(runes[pos:]), Start: pos, End: len(runes)})
	}
	return segments
}
