package ner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Artifact file names expected in a model directory
const (
	ManifestFile = "model.yaml"
	VocabFile    = "vocab.txt"
	ModelFile    = "model.onnx"
)

// Manifest describes a token-classification model on disk
type Manifest struct {
	Name      string   `yaml:"name"`
	Mode      Mode     `yaml:"mode"`
	Labels    []string `yaml:"labels"`
	MaxLength int      `yaml:"max_length"`
	Lowercase bool     `yaml:"lowercase"`
}

// LoadManifest reads model.yaml from dir
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}
	if len(m.Labels) == 0 {
		return nil, errors.New("manifest declares no labels")
	}
	if m.MaxLength <= 2 {
		m.MaxLength = 512
	}
	return &m, nil
}

// checkArtifacts verifies that every required file exists in dir
func checkArtifacts(dir string, files ...string) error {
	var missing []string
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v in %s", os.ErrNotExist, missing, dir)
	}
	return nil
}
