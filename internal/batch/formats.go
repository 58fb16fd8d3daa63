package batch

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/desensitizer/internal/privacy"
)

// record is one dataset row in flight. extra holds the format specific
// remainder of the row so the writer can reproduce it.
type record struct {
	row      int64
	text     string
	masked   string
	err      error
	extra    any
	result   *privacy.MaskResult
	duration time.Duration
}

type recordReader interface {
	// Next returns up to n records; io.EOF once the input is exhausted
	Next(n int) ([]*record, error)
}

type recordWriter interface {
	Write(records []*record) error
	Close() error
}

// csvReader reads rows and locates the text column from the header
type csvReader struct {
	r      *csv.Reader
	header []string
	column int
	row    int64
}

func newCSVReader(r io.Reader, column string) (*csvReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	idx := slices.Index(header, column)
	if idx < 0 {
		return nil, fmt.Errorf("CSV header has no %q column: %v", column, header)
	}
	return &csvReader{r: cr, header: header, column: idx}, nil
}

func (c *csvReader) Next(n int) ([]*record, error) {
	records := make([]*record, 0, n)
	for len(records) < n {
		fields, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		c.row++
		rec := &record{row: c.row}
		var parseErr *csv.ParseError
		switch {
		case errors.As(err, &parseErr):
			rec.err = parseErr
			rec.extra = make([]string, len(c.header))
		case err != nil:
			return nil, err
		case c.column >= len(fields):
			rec.err = fmt.Errorf("row has %d fields, text column is %d", len(fields), c.column+1)
			rec.extra = fields
		default:
			rec.text = fields[c.column]
			rec.extra = fields
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, io.EOF
	}
	return records, nil
}

type csvWriter struct {
	w      *csv.Writer
	column int
	width  int
}

func newCSVWriter(w io.Writer, header []string, column int) (*csvWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	return &csvWriter{w: cw, column: column, width: max(len(header), column+1)}, nil
}

func (c *csvWriter) Write(records []*record) error {
	for _, rec := range records {
		fields := slices.Clone(rec.extra.([]string))
		for len(fields) < c.width {
			fields = append(fields, "")
		}
		fields[c.column] = rec.masked
		if err := c.w.Write(fields); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

// jsonlReader reads one JSON object per line; blank lines are skipped
type jsonlReader struct {
	scanner *bufio.Scanner
	key     string
	row     int64
}

func newJSONLReader(r io.Reader, key string) *jsonlReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &jsonlReader{scanner: scanner, key: key}
}

func (j *jsonlReader) Next(n int) ([]*record, error) {
	records := make([]*record, 0, n)
	for len(records) < n && j.scanner.Scan() {
		line := j.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		j.row++
		rec := &record{row: j.row}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(line, &obj); err != nil {
			rec.err = fmt.Errorf("invalid JSON: %w", err)
			rec.extra = map[string]json.RawMessage{}
		} else if raw, ok := obj[j.key]; !ok {
			rec.err = fmt.Errorf("missing %q field", j.key)
			rec.extra = obj
		} else if err := json.Unmarshal(raw, &rec.text); err != nil {
			rec.err = fmt.Errorf("field %q is not a string", j.key)
			rec.extra = obj
		} else {
			rec.extra = obj
		}
		records = append(records, rec)
	}
	if err := j.scanner.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, io.EOF
	}
	return records, nil
}

type jsonlWriter struct {
	w   *bufio.Writer
	key string
}

func newJSONLWriter(w io.Writer, key string) *jsonlWriter {
	return &jsonlWriter{w: bufio.NewWriter(w), key: key}
}

func (j *jsonlWriter) Write(records []*record) error {
	for _, rec := range records {
		obj, _ := rec.extra.(map[string]json.RawMessage)
		if obj == nil {
			obj = make(map[string]json.RawMessage)
		}
		masked, err := json.Marshal(rec.masked)
		if err != nil {
			return err
		}
		obj[j.key] = masked

		line, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		if _, err := j.w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return j.w.Flush()
}

func (j *jsonlWriter) Close() error {
	return j.w.Flush()
}

// TextRecord is the parquet row layout read and written by the batch
// processor
type TextRecord struct {
	Text string `parquet:"text"`
}

type parquetReader struct {
	r   *parquet.GenericReader[TextRecord]
	row int64
}

func newParquetReader(r io.ReaderAt) *parquetReader {
	return &parquetReader{r: parquet.NewGenericReader[TextRecord](r)}
}

func (p *parquetReader) Next(n int) ([]*record, error) {
	rows := make([]TextRecord, n)
	count, err := p.r.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read parquet rows: %w", err)
	}
	if count == 0 {
		return nil, io.EOF
	}

	records := make([]*record, count)
	for i := 0; i < count; i++ {
		p.row++
		records[i] = &record{row: p.row, text: rows[i].Text}
	}
	return records, nil
}

func (p *parquetReader) Close() error {
	return p.r.Close()
}

type parquetWriter struct {
	w *parquet.GenericWriter[TextRecord]
}

func newParquetWriter(w io.Writer) *parquetWriter {
	return &parquetWriter{w: parquet.NewGenericWriter[TextRecord](w)}
}

func (p *parquetWriter) Write(records []*record) error {
	rows := make([]TextRecord, len(records))
	for i, rec := range records {
		rows[i] = TextRecord{Text: rec.masked}
	}
	_, err := p.w.Write(rows)
	return err
}

func (p *parquetWriter) Close() error {
	return p.w.Close()
}
