package batch

import (
	"path/filepath"
	"strings"
	"time"
)

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) (FileFormat, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, true
	case ".parquet":
		return FormatParquet, true
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL, true
	default:
		return "", false
	}
}

// Config contains batch processing configuration
type Config struct {
	Workers    int    `yaml:"workers" mapstructure:"workers"`
	TextColumn string `yaml:"text_column" mapstructure:"text_column"` // CSV header or JSONL key
	BatchSize  int    `yaml:"batch_size" mapstructure:"batch_size"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TextColumn == "" {
		c.TextColumn = "text"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1024
	}
	return c
}

// maxRowErrors caps the row errors kept on a Result
const maxRowErrors = 100

// Result summarizes one processed dataset. Total is the sum of Masked,
// Empty and Failed.
type Result struct {
	Total          int64          `json:"total"`
	Masked         int64          `json:"masked"`
	Empty          int64          `json:"empty"`
	Failed         int64          `json:"failed"`
	Entities       int64          `json:"entities"`
	EntitiesByType map[string]int `json:"entities_by_type"`
	Duration       time.Duration  `json:"duration"`
	Errors         []RowError     `json:"errors,omitempty"`
}

// RowError records why one row could not be processed
type RowError struct {
	Row     int64  `json:"row"`
	Message string `json:"message"`
}

func newResult() *Result {
	return &Result{EntitiesByType: make(map[string]int)}
}

func (r *Result) addError(row int64, msg string) {
	r.Failed++
	if len(r.Errors) < maxRowErrors {
		r.Errors = append(r.Errors, RowError{Row: row, Message: msg})
	}
}
