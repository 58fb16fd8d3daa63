package ner

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Info summarizes a model directory on disk
type Info struct {
	Dir       string    `json:"dir"`
	Exists    bool      `json:"exists"`
	Files     int       `json:"files"`
	SizeBytes int64     `json:"size_bytes"`
	Complete  bool      `json:"complete"`
	Manifest  *Manifest `json:"manifest,omitempty"`
}

// ModelInfo walks dir and reports file count, total size and whether the
// artifacts needed by the ONNX backend are present. A missing directory is
// not an error.
func ModelInfo(dir string) (*Info, error) {
	info := &Info{Dir: dir}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		info.Files++
		info.SizeBytes += fi.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return nil, err
	}

	info.Exists = true
	info.Complete = checkArtifacts(dir, ModelFile, VocabFile, ManifestFile) == nil
	if m, err := LoadManifest(dir); err == nil {
		info.Manifest = m
	}
	return info, nil
}
