//go:build !onnx
// +build !onnx

package ner

import (
	"go.uber.org/zap"
)

// NewONNXRecognizer is unavailable without the 'onnx' build tag
func NewONNXRecognizer(dir string, maxLength int, mode Mode, logger *zap.Logger) (Recognizer, error) {
	return nil, &InitError{Mode: mode, Kind: KindMissingBackend, Err: ErrBackendUnavailable}
}
