package ner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LexiconEntry is one known surface string and its tag
type LexiconEntry struct {
	Text string `yaml:"text"`
	Tag  string `yaml:"tag"`
}

// StaticRecognizer tags every occurrence of a fixed lexicon. It stands in
// for a real model in demos and tests.
type StaticRecognizer struct {
	entries []LexiconEntry
}

// NewStaticRecognizer creates a recognizer over entries. Longer entries win
// when several start at the same position.
func NewStaticRecognizer(entries []LexiconEntry) *StaticRecognizer {
	sorted := make([]LexiconEntry, 0, len(entries))
	for _, e := range entries {
		if e.Text != "" {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Text) > len(sorted[j].Text)
	})
	return &StaticRecognizer{entries: sorted}
}

// LoadLexicon reads a YAML list of {text, tag} entries
func LoadLexicon(path string) ([]LexiconEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []LexiconEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon %s: %w", path, err)
	}
	return entries, nil
}

// DefaultLexicon is a small demo lexicon using the fast-mode tag set
func DefaultLexicon() []LexiconEntry {
	return []LexiconEntry{
		{Text: "张三", Tag: "PER"},
		{Text: "李四", Tag: "PER"},
		{Text: "王五", Tag: "PER"},
		{Text: "北京市", Tag: "LOC"},
		{Text: "上海市", Tag: "LOC"},
		{Text: "深圳", Tag: "LOC"},
		{Text: "阿里巴巴", Tag: "ORG"},
		{Text: "腾讯公司", Tag: "ORG"},
		{Text: "清华大学", Tag: "ORG"},
	}
}

// Recognize implements Recognizer. Tokens are returned in text order.
func (s *StaticRecognizer) Recognize(ctx context.Context, text string) ([]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tokens []Token
	for i := 0; i < len(text); {
		matched := false
		for _, e := range s.entries {
			if strings.HasPrefix(text[i:], e.Text) {
				tokens = append(tokens, Token{Text: e.Text, Tag: e.Tag})
				i += len(e.Text)
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
	return tokens, nil
}

// Close implements Recognizer
func (s *StaticRecognizer) Close() error {
	return nil
}
