//go:build !onnx
// +build !onnx

package ner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestONNXBackendUnavailableWithoutTag(t *testing.T) {
	build := NewBuilder(Config{Backend: BackendONNX, ModelDir: t.TempDir()}, nil)
	_, err := build(context.Background(), ModeFast)

	var ie *InitError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindMissingBackend, ie.Kind)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
