//go:build onnx
// +build onnx

package ner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNXRecognizer runs a character-level token-classification model with
// ONNX Runtime (via yalue/onnxruntime_go)
type ONNXRecognizer struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	tokenizer  *CharTokenizer
	labels     []string
	maxLength  int
	logger     *zap.Logger
	mu         sync.RWMutex
}

var ortInit struct {
	once sync.Once
	err  error
}

// NewONNXRecognizer loads model.onnx, vocab.txt and model.yaml from dir
func NewONNXRecognizer(dir string, maxLength int, mode Mode, logger *zap.Logger) (Recognizer, error) {
	if err := checkArtifacts(dir, ModelFile, VocabFile, ManifestFile); err != nil {
		return nil, &InitError{Mode: mode, Kind: KindMissingArtifacts, Err: err}
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, &InitError{Mode: mode, Kind: KindMissingArtifacts, Err: err}
	}
	vocab, err := LoadVocab(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, &InitError{Mode: mode, Kind: KindMissingArtifacts, Err: err}
	}
	tokenizer, err := NewCharTokenizer(vocab, manifest.Lowercase)
	if err != nil {
		return nil, &InitError{Mode: mode, Kind: KindLoadFailed, Err: err}
	}

	ortInit.once.Do(func() {
		// Allow user to provide shared library path via environment variable.
		if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		}
		ortInit.err = ort.InitializeEnvironment()
	})
	if ortInit.err != nil {
		return nil, &InitError{Mode: mode, Kind: KindMissingBackend, Err: ortInit.err}
	}

	modelPath := filepath.Join(dir, ModelFile)
	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, &InitError{Mode: mode, Kind: KindLoadFailed, Err: err}
	}
	if len(outputsInfo) == 0 {
		return nil, &InitError{Mode: mode, Kind: KindLoadFailed, Err: fmt.Errorf("model reports no outputs")}
	}

	inputNames := make([]string, 0, len(inputsInfo))
	for _, ii := range inputsInfo {
		inputNames = append(inputNames, ii.Name)
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputsInfo[0].Name}, nil)
	if err != nil {
		return nil, &InitError{Mode: mode, Kind: KindLoadFailed, Err: err}
	}

	if maxLength <= 2 || maxLength > manifest.MaxLength {
		maxLength = manifest.MaxLength
	}

	logger.Info("ONNX NER model ready",
		zap.String("model", modelPath),
		zap.String("mode", string(mode)),
		zap.Strings("inputs", inputNames),
		zap.Int("labels", len(manifest.Labels)),
		zap.Int("max_length", maxLength),
	)
	return &ONNXRecognizer{
		session:    sess,
		inputNames: inputNames,
		tokenizer:  tokenizer,
		labels:     manifest.Labels,
		maxLength:  maxLength,
		logger:     logger,
	}, nil
}

// Recognize implements Recognizer. Long texts are classified window by
// window; tokens keep text order across windows.
func (r *ONNXRecognizer) Recognize(ctx context.Context, text string) ([]Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		return nil, fmt.Errorf("onnx recognizer closed")
	}

	runes := []rune(text)
	var tokens []Token
	for _, enc := range r.tokenizer.Encode(text, r.maxLength) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		labels, err := r.classify(enc)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, DecodeTags(runes, enc.Positions, labels)...)
	}
	return tokens, nil
}

// classify returns one label per non-special token of enc
func (r *ONNXRecognizer) classify(enc Encoding) ([]string, error) {
	seqLen := len(enc.InputIDs)
	shape := ort.NewShape(1, int64(seqLen))

	inputs := make([]ort.Value, 0, len(r.inputNames))
	for _, name := range r.inputNames {
		var data []int64
		lower := strings.ToLower(name)
		switch {
		case strings.Contains(lower, "mask"):
			data = enc.AttentionMask
		case strings.Contains(lower, "type") || strings.Contains(lower, "segment"):
			data = enc.TokenTypeIDs
		default:
			data = enc.InputIDs
		}
		tensor, err := ort.NewTensor[int64](shape, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		defer tensor.Destroy()
		inputs = append(inputs, tensor)
	}

	outputs := make([]ort.Value, 1)
	if err := r.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want float32 tensor)")
	}
	outShape := logits.GetShape()
	if len(outShape) != 3 || int(outShape[1]) != seqLen || int(outShape[2]) != len(r.labels) {
		return nil, fmt.Errorf("unexpected logits shape %v (want [1 %d %d])", outShape, seqLen, len(r.labels))
	}

	data := logits.GetData()
	numLabels := len(r.labels)
	labels := make([]string, 0, len(enc.Positions))
	// skip [CLS] at 0 and [SEP] at the end
	for i := 1; i <= len(enc.Positions); i++ {
		row := data[i*numLabels : (i+1)*numLabels]
		best := 0
		for j := 1; j < numLabels; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		labels = append(labels, r.labels[best])
	}
	return labels, nil
}

// Close releases the session. The shared ONNX Runtime environment stays up
// for other recognizers.
func (r *ONNXRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		r.session.Destroy()
		r.session = nil
	}
	return nil
}
