package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/desensitizer/internal/audit"
	"github.com/raaihank/desensitizer/internal/logger"
	"github.com/raaihank/desensitizer/internal/ner"
	"github.com/raaihank/desensitizer/internal/privacy"
)

var patternOpts = privacy.Options{Strategy: privacy.StrategyPartial, Detectors: privacy.SelectPattern}

func newPatternPipeline() *privacy.Pipeline {
	return privacy.NewPipeline(privacy.NewPatternDetector(nil), nil, logger.Nop())
}

// failingPipeline fails every text containing marker
type failingPipeline struct {
	next   Desensitizer
	marker string
	err    error
}

func (f *failingPipeline) Desensitize(ctx context.Context, text string, opts privacy.Options) (*privacy.MaskResult, error) {
	if strings.Contains(text, f.marker) {
		return nil, f.err
	}
	return f.next.Desensitize(ctx, text, opts)
}

type memoryAudit struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (m *memoryAudit) Insert(_ context.Context, record *audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func TestDetectFileFormat(t *testing.T) {
	tests := []struct {
		name   string
		want   FileFormat
		wantOK bool
	}{
		{"data.csv", FormatCSV, true},
		{"DATA.CSV", FormatCSV, true},
		{"rows.parquet", FormatParquet, true},
		{"rows.jsonl", FormatJSONL, true},
		{"rows.ndjson", FormatJSONL, true},
		{"notes.txt", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectFileFormat(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcessCSV(t *testing.T) {
	input := "id,text,note\n" +
		"1,手机号是13812345678,a\n" +
		"2,,b\n" +
		"3,邮箱test@example.com,c\n" +
		"4\n" +
		"5,没有敏感信息,e\n"

	store := &memoryAudit{}
	p := NewProcessor(newPatternPipeline(), patternOpts, Config{Workers: 2, BatchSize: 2}, zap.NewNop()).WithAudit(store)

	var out bytes.Buffer
	result, err := p.Process(context.Background(), FormatCSV, strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, int64(5), result.Total)
	assert.Equal(t, int64(3), result.Masked)
	assert.Equal(t, int64(1), result.Empty)
	assert.Equal(t, int64(1), result.Failed)
	assert.Equal(t, int64(2), result.Entities)
	assert.Equal(t, 1, result.EntitiesByType["PHONE"])
	assert.Equal(t, 1, result.EntitiesByType["EMAIL"])
	require.Len(t, result.Errors, 1)
	assert.Equal(t, int64(4), result.Errors[0].Row)

	rows, err := csv.NewReader(&out).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"id", "text", "note"}, rows[0])
	assert.Equal(t, []string{"1", "手机号是1*********8", "a"}, rows[1])
	assert.Equal(t, []string{"2", "", "b"}, rows[2])
	assert.NotContains(t, rows[3][1], "test@example.com")
	assert.Equal(t, "c", rows[3][2])
	assert.Equal(t, []string{"4", "", ""}, rows[4])
	assert.Equal(t, []string{"5", "没有敏感信息", "e"}, rows[5])

	assert.Len(t, store.records, 3)
	for _, record := range store.records {
		assert.Equal(t, audit.SourceBatch, record.Source)
	}
}

func TestProcessCSVMissingColumn(t *testing.T) {
	p := NewProcessor(newPatternPipeline(), patternOpts, Config{TextColumn: "content"}, nil)

	_, err := p.Process(context.Background(), FormatCSV, strings.NewReader("id,text\n1,x\n"), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"content"`)
}

func TestProcessPreservesOrder(t *testing.T) {
	var b strings.Builder
	b.WriteString("text\n")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "第%d行 1381234%04d\n", i, i)
	}

	p := NewProcessor(newPatternPipeline(), patternOpts, Config{Workers: 8, BatchSize: 7}, nil)
	var out bytes.Buffer
	result, err := p.Process(context.Background(), FormatCSV, strings.NewReader(b.String()), &out)
	require.NoError(t, err)
	assert.Equal(t, int64(50), result.Masked)

	rows, err := csv.NewReader(&out).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 51)
	for i := 0; i < 50; i++ {
		assert.True(t, strings.HasPrefix(rows[i+1][0], fmt.Sprintf("第%d行 1*********", i)), "row %d: %s", i, rows[i+1][0])
	}
}

func TestProcessJSONL(t *testing.T) {
	input := `{"id":1,"text":"电话13812345678","meta":{"lang":"zh"}}` + "\n" +
		"\n" +
		`not json` + "\n" +
		`{"id":3,"body":"no text field"}` + "\n" +
		`{"id":4,"text":"   "}` + "\n"

	p := NewProcessor(newPatternPipeline(), patternOpts, Config{}, nil)
	var out bytes.Buffer
	result, err := p.Process(context.Background(), FormatJSONL, strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, int64(4), result.Total)
	assert.Equal(t, int64(1), result.Masked)
	assert.Equal(t, int64(1), result.Empty)
	assert.Equal(t, int64(2), result.Failed)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"id":1,"text":"电话1*********8","meta":{"lang":"zh"}}`, lines[0])
	assert.JSONEq(t, `{"text":""}`, lines[1])
	assert.JSONEq(t, `{"id":3,"body":"no text field","text":""}`, lines[2])
	assert.JSONEq(t, `{"id":4,"text":"   "}`, lines[3])
}

func TestProcessParquet(t *testing.T) {
	var in bytes.Buffer
	w := parquet.NewGenericWriter[TextRecord](&in)
	_, err := w.Write([]TextRecord{
		{Text: "手机号是13812345678"},
		{Text: ""},
		{Text: "联系test@example.com"},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	p := NewProcessor(newPatternPipeline(), patternOpts, Config{BatchSize: 2}, nil)
	var out bytes.Buffer
	result, err := p.Process(context.Background(), FormatParquet, bytes.NewReader(in.Bytes()), &out)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Total)
	assert.Equal(t, int64(2), result.Masked)
	assert.Equal(t, int64(1), result.Empty)

	r := parquet.NewGenericReader[TextRecord](bytes.NewReader(out.Bytes()))
	defer r.Close()
	rows := make([]TextRecord, 3)
	n, _ := r.Read(rows)
	require.Equal(t, 3, n)
	assert.Equal(t, "手机号是1*********8", rows[0].Text)
	assert.Equal(t, "", rows[1].Text)
	assert.NotContains(t, rows[2].Text, "test@example.com")
}

func TestProcessRowFailure(t *testing.T) {
	pipeline := &failingPipeline{next: newPatternPipeline(), marker: "boom", err: errors.New("recognizer crashed")}
	p := NewProcessor(pipeline, patternOpts, Config{}, nil)

	var out bytes.Buffer
	result, err := p.Process(context.Background(), FormatCSV, strings.NewReader("text\nboom 13812345678\nok\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Failed)
	assert.Equal(t, int64(1), result.Masked)
	assert.Equal(t, "recognizer crashed", result.Errors[0].Message)
	assert.NotContains(t, out.String(), "13812345678")
}

func TestProcessAbortsOnFatalError(t *testing.T) {
	t.Run("NoModel", func(t *testing.T) {
		opts := privacy.Options{Strategy: privacy.StrategyFull, Detectors: privacy.SelectModel}
		p := NewProcessor(newPatternPipeline(), opts, Config{}, nil)

		_, err := p.Process(context.Background(), FormatCSV, strings.NewReader("text\n张三\n"), &bytes.Buffer{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ner.ErrBackendUnavailable)
	})

	t.Run("BadStrategy", func(t *testing.T) {
		opts := privacy.Options{Strategy: "scramble", Detectors: privacy.SelectPattern}
		p := NewProcessor(newPatternPipeline(), opts, Config{}, nil)

		_, err := p.Process(context.Background(), FormatCSV, strings.NewReader("text\n13812345678\n"), &bytes.Buffer{})
		require.Error(t, err)
		assert.True(t, privacy.IsConfigError(err))
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := NewProcessor(newPatternPipeline(), patternOpts, Config{}, nil)

		_, err := p.Process(ctx, FormatCSV, strings.NewReader("text\n13812345678\n"), &bytes.Buffer{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestProcessFile(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.csv")
	output := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(input, []byte("text\n身份证110101199003074514\n"), 0o600))

	p := NewProcessor(newPatternPipeline(), patternOpts, Config{}, nil)
	result, err := p.ProcessFile(context.Background(), input, output)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Masked)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "110101199003074514")

	_, err = p.ProcessFile(context.Background(), filepath.Join(dir, "in.txt"), output)
	assert.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	result := &Result{
		Total:          4,
		Masked:         2,
		Empty:          1,
		Failed:         1,
		Entities:       3,
		EntitiesByType: map[string]int{"PHONE": 2, "EMAIL": 1},
		Duration:       1500 * time.Millisecond,
		Errors:         []RowError{{Row: 3, Message: "invalid JSON"}},
	}
	meta := ReportMeta{
		Input:     "in.csv",
		Output:    "out.csv",
		Format:    FormatCSV,
		Strategy:  "partial",
		Detectors: "pattern",
		Finished:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, result, meta))
	report := buf.String()

	assert.Contains(t, report, "# Desensitization Report")
	assert.Contains(t, report, "`in.csv`")
	assert.Contains(t, report, "2026-01-02 03:04:05 UTC")
	assert.Contains(t, report, "| PHONE")
	assert.Contains(t, report, "电话")
	assert.Contains(t, report, "```mermaid")
	assert.Contains(t, report, "invalid JSON")

	t.Run("Clean", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteReport(&buf, &Result{Total: 1, Empty: 1, EntitiesByType: map[string]int{}}, meta))
		assert.Contains(t, buf.String(), "No personal information detected.")
		assert.NotContains(t, buf.String(), "Row Errors")
	})
}
