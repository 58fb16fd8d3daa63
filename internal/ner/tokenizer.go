package ner

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Special tokens of BERT-style vocabularies
const (
	tokenPad = "[PAD]"
	tokenUnk = "[UNK]"
	tokenCLS = "[CLS]"
	tokenSEP = "[SEP]"
)

// CharTokenizer splits text into single characters, the way Chinese BERT
// models are fed. Whitespace produces no token.
type CharTokenizer struct {
	vocab     map[string]int64
	lowercase bool
	unk       int64
	cls       int64
	sep       int64
	pad       int64
}

// Encoding is one window of tokenized text
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	// Positions maps every non-special token to its rune index in the text
	Positions []int
}

// LoadVocab reads a vocab.txt with one token per line; the line number is
// the token id
func LoadVocab(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	var id int64
	for scanner.Scan() {
		vocab[strings.TrimRight(scanner.Text(), "\r")] = id
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return vocab, nil
}

// NewCharTokenizer creates a tokenizer over vocab, which must contain the
// BERT special tokens
func NewCharTokenizer(vocab map[string]int64, lowercase bool) (*CharTokenizer, error) {
	t := &CharTokenizer{vocab: vocab, lowercase: lowercase}
	for name, dst := range map[string]*int64{tokenUnk: &t.unk, tokenCLS: &t.cls, tokenSEP: &t.sep, tokenPad: &t.pad} {
		id, ok := vocab[name]
		if !ok {
			return nil, fmt.Errorf("vocabulary has no %s token", name)
		}
		*dst = id
	}
	return t, nil
}

// Encode tokenizes text into windows of at most maxLength tokens including
// [CLS] and [SEP]. Windows are not padded.
func (t *CharTokenizer) Encode(text string, maxLength int) []Encoding {
	window := maxLength - 2
	if window < 1 {
		window = 1
	}

	var encodings []Encoding
	current := newEncoding(t.cls, window)
	for i, r := range []rune(text) {
		if unicode.IsSpace(r) {
			continue
		}
		if len(current.Positions) == window {
			encodings = append(encodings, current.finish(t.sep))
			current = newEncoding(t.cls, window)
		}
		current.add(t.lookup(r), i)
	}
	if len(current.Positions) > 0 {
		encodings = append(encodings, current.finish(t.sep))
	}
	return encodings
}

func (t *CharTokenizer) lookup(r rune) int64 {
	s := string(r)
	if t.lowercase {
		s = strings.ToLower(s)
	}
	if id, ok := t.vocab[s]; ok {
		return id
	}
	return t.unk
}

func newEncoding(cls int64, capacity int) Encoding {
	e := Encoding{
		InputIDs:      make([]int64, 0, capacity+2),
		AttentionMask: make([]int64, 0, capacity+2),
		TokenTypeIDs:  make([]int64, 0, capacity+2),
		Positions:     make([]int, 0, capacity),
	}
	e.InputIDs = append(e.InputIDs, cls)
	e.AttentionMask = append(e.AttentionMask, 1)
	e.TokenTypeIDs = append(e.TokenTypeIDs, 0)
	return e
}

func (e *Encoding) add(id int64, pos int) {
	e.InputIDs = append(e.InputIDs, id)
	e.AttentionMask = append(e.AttentionMask, 1)
	e.TokenTypeIDs = append(e.TokenTypeIDs, 0)
	e.Positions = append(e.Positions, pos)
}

func (e Encoding) finish(sep int64) Encoding {
	e.InputIDs = append(e.InputIDs, sep)
	e.AttentionMask = append(e.AttentionMask, 1)
	e.TokenTypeIDs = append(e.TokenTypeIDs, 0)
	return e
}

// DecodeTags turns per-character labels into tagged spans. Both BIO and
// BIOES schemes are accepted. An I- or E- label that does not continue an
// open span of the same tag starts a new span. positions[i] is the rune
// index in runes of labels[i].
func DecodeTags(runes []rune, positions []int, labels []string) []Token {
	var (
		tokens []Token
		tag    string
		start  = -1
		end    = -1
	)

	flush := func() {
		if start >= 0 {
			tokens = append(tokens, Token{Text: string(runes[start : end+1]), Tag: tag})
		}
		start, end, tag = -1, -1, ""
	}

	for i, label := range labels {
		if i >= len(positions) {
			break
		}
		pos := positions[i]
		prefix, name, ok := strings.Cut(label, "-")
		if !ok || name == "" {
			flush()
			continue
		}

		switch prefix {
		case "B":
			flush()
			start, end, tag = pos, pos, name
		case "I", "M":
			if start >= 0 && tag == name {
				end = pos
			} else {
				flush()
				start, end, tag = pos, pos, name
			}
		case "E":
			if start >= 0 && tag == name {
				end = pos
			} else {
				flush()
				start, end, tag = pos, pos, name
			}
			flush()
		case "S":
			flush()
			start, end, tag = pos, pos, name
			flush()
		default:
			flush()
		}
	}
	flush()
	return tokens
}
