package privacy

import (
	"fmt"
	"strings"
)

// EntityType identifies the kind of sensitive span that was detected
type EntityType string

const (
	EntityPerson       EntityType = "PERSON"
	EntityLocation     EntityType = "LOCATION"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityTime         EntityType = "TIME"
	EntityPhone        EntityType = "PHONE"
	EntityEmail        EntityType = "EMAIL"
	EntityIDCard       EntityType = "ID_CARD"
	EntityBankCard     EntityType = "BANK_CARD"
	EntityAddress      EntityType = "ADDRESS"
	EntityMoney        EntityType = "MONEY"
	EntityOther        EntityType = "OTHER"
)

// entityLabels holds the human-facing label of every entity type.
// PLACEHOLDER masking renders these verbatim.
var entityLabels = map[EntityType]string{
	EntityPerson:       "人名",
	EntityLocation:     "地名",
	EntityOrganization: "组织机构",
	EntityTime:         "时间",
	EntityPhone:        "电话",
	EntityEmail:        "邮箱",
	EntityIDCard:       "身份证",
	EntityBankCard:     "银行卡",
	EntityAddress:      "地址",
	EntityMoney:        "金额",
	EntityOther:        "其他",
}

// AllEntityTypes returns every entity type in declaration order
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityPerson, EntityLocation, EntityOrganization, EntityTime,
		EntityPhone, EntityEmail, EntityIDCard, EntityBankCard,
		EntityAddress, EntityMoney, EntityOther,
	}
}

// Label returns the human-facing label, e.g. "人名" for PERSON
func (t EntityType) Label() string {
	if label, ok := entityLabels[t]; ok {
		return label
	}
	return entityLabels[EntityOther]
}

// Valid reports whether t is one of the declared entity types
func (t EntityType) Valid() bool {
	_, ok := entityLabels[t]
	return ok
}

// ParseEntityType accepts either the canonical name ("PHONE", "phone") or
// the human label ("电话").
func ParseEntityType(s string) (EntityType, error) {
	s = strings.TrimSpace(s)
	if t := EntityType(strings.ToUpper(s)); t.Valid() {
		return t, nil
	}
	for t, label := range entityLabels {
		if label == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
}

// Entity is a detected sensitive span. Start and End are character (rune)
// offsets into the original text, so text[Start:End] over runes == Text.
type Entity struct {
	Text       string     `json:"text"`
	Type       EntityType `json:"type"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Confidence float64    `json:"confidence"`
}

// Len returns the span length in characters
func (e Entity) Len() int {
	return e.End - e.Start
}

// Overlaps reports whether e and o share at least one character
func (e Entity) Overlaps(o Entity) bool {
	return max(e.Start, o.Start) < min(e.End, o.End)
}

// MaskStrategy selects how a detected span is rewritten
type MaskStrategy string

const (
	StrategyFull        MaskStrategy = "full"
	StrategyPartial     MaskStrategy = "partial"
	StrategyHash        MaskStrategy = "hash"
	StrategyPlaceholder MaskStrategy = "placeholder"
)

// strategyNames are the display names shown by the CLI and the API listing
var strategyNames = map[MaskStrategy]string{
	StrategyPartial:     "部分脱敏 (张*三)",
	StrategyFull:        "完全脱敏 (***)",
	StrategyPlaceholder: "占位符 ([人名])",
	StrategyHash:        "哈希脱敏 ([a1b2c3])",
}

// AllStrategies returns the strategies in display order
func AllStrategies() []MaskStrategy {
	return []MaskStrategy{StrategyPartial, StrategyFull, StrategyPlaceholder, StrategyHash}
}

// DisplayName returns the human-facing strategy name
func (s MaskStrategy) DisplayName() string {
	return strategyNames[s]
}

// Valid reports whether s is a known strategy
func (s MaskStrategy) Valid() bool {
	_, ok := strategyNames[s]
	return ok
}

// ParseStrategy parses a strategy name case-insensitively. An empty string
// yields PARTIAL, the default used by the original tool.
func ParseStrategy(s string) (MaskStrategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StrategyPartial, nil
	}
	if strategy := MaskStrategy(s); strategy.Valid() {
		return strategy, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// TypeFilter restricts recognition to a set of entity types.
// A nil filter enables every type; a non-nil empty filter enables none.
type TypeFilter map[EntityType]struct{}

// NewTypeFilter builds a filter enabling exactly the given types
func NewTypeFilter(types ...EntityType) TypeFilter {
	f := make(TypeFilter, len(types))
	for _, t := range types {
		f[t] = struct{}{}
	}
	return f
}

// Allows reports whether t passes the filter
func (f TypeFilter) Allows(t EntityType) bool {
	if f == nil {
		return true
	}
	_, ok := f[t]
	return ok
}

// Types returns the enabled types in declaration order; nil for "all"
func (f TypeFilter) Types() []EntityType {
	if f == nil {
		return nil
	}
	types := make([]EntityType, 0, len(f))
	for _, t := range AllEntityTypes() {
		if _, ok := f[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// MaskResult contains the result of desensitizing one text.
// Entities keep detector order, not position order.
type MaskResult struct {
	MaskedText string   `json:"maskedText"`
	Entities   []Entity `json:"entities"`
	Empty      bool     `json:"empty,omitempty"`
	Original   string   `json:"-"` // Never serialize original text
}
