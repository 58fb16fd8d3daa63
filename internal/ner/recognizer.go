// Package ner provides the named-entity recognition capability behind the
// model detector. Recognizers return tagged surface strings in text order
// and carry no character offsets.
package ner

import (
	"context"
	"fmt"
	"strings"
)

// Token is one recognized span as reported by a backend
type Token struct {
	Text string `json:"text"`
	Tag  string `json:"tag"`
}

// Recognizer is a loaded NER model
type Recognizer interface {
	Recognize(ctx context.Context, text string) ([]Token, error)
	Close() error
}

// Mode selects the model variant
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeAccurate Mode = "accurate"
)

// ParseMode parses a mode name; empty means ModeFast
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeFast, nil
	case ModeFast, ModeAccurate:
		return m, nil
	default:
		return "", fmt.Errorf("unknown ner mode: %q (want fast or accurate)", s)
	}
}

// Backend selects how recognizers are built
type Backend string

const (
	BackendONNX   Backend = "onnx"
	BackendHTTP   Backend = "http"
	BackendStatic Backend = "static"
	BackendNone   Backend = "none"
)
