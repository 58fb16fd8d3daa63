// Package batch desensitizes whole datasets: CSV, JSON Lines and Parquet.
// Rows are processed concurrently and written back in input order.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/desensitizer/internal/audit"
	"github.com/raaihank/desensitizer/internal/ner"
	"github.com/raaihank/desensitizer/internal/privacy"
)

// Desensitizer runs one desensitize call
type Desensitizer interface {
	Desensitize(ctx context.Context, text string, opts privacy.Options) (*privacy.MaskResult, error)
}

// AuditRecorder receives one record per processed row
type AuditRecorder interface {
	Insert(ctx context.Context, record *audit.Record) error
}

// Processor runs dataset files through the desensitize pipeline
type Processor struct {
	pipeline Desensitizer
	opts     privacy.Options
	config   Config
	audit    AuditRecorder
	logger   *zap.Logger
}

// NewProcessor creates a processor applying opts to every row
func NewProcessor(pipeline Desensitizer, opts privacy.Options, config Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		pipeline: pipeline,
		opts:     opts,
		config:   config.withDefaults(),
		logger:   logger.With(zap.String("component", "batch")),
	}
}

// WithAudit records every masked row in store
func (p *Processor) WithAudit(store AuditRecorder) *Processor {
	p.audit = store
	return p
}

// ProcessFile reads input, writes the masked dataset to output in the
// same format, and returns the counts. A row that fails is written with an
// empty text field and counted in Result.Failed; configuration and model
// initialization errors abort the run.
func (p *Processor) ProcessFile(ctx context.Context, input, output string) (*Result, error) {
	format, ok := DetectFileFormat(input)
	if !ok {
		return nil, fmt.Errorf("unsupported file format: %s", input)
	}

	in, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	out, err := os.Create(output)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}

	p.logger.Info("Starting batch run",
		zap.String("input", input),
		zap.String("output", output),
		zap.String("format", string(format)),
		zap.Int("workers", p.config.Workers),
		zap.Int("batch_size", p.config.BatchSize),
	)

	result, err := p.Process(ctx, format, in, out)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close output: %w", closeErr)
	}
	return result, err
}

// Process reads records of the given format from r and writes the masked
// records to w. Parquet input must implement io.ReaderAt.
func (p *Processor) Process(ctx context.Context, format FileFormat, r io.Reader, w io.Writer) (*Result, error) {
	reader, writer, err := p.open(format, r, w)
	if err != nil {
		return nil, err
	}
	if closer, ok := reader.(io.Closer); ok {
		defer closer.Close()
	}

	start := time.Now()
	result := newResult()
	runErr := p.processBatches(ctx, reader, writer, result)
	if err := writer.Close(); runErr == nil && err != nil {
		runErr = fmt.Errorf("failed to finish output: %w", err)
	}
	result.Duration = time.Since(start)

	p.logger.Info("Batch run completed",
		zap.Int64("total", result.Total),
		zap.Int64("masked", result.Masked),
		zap.Int64("empty", result.Empty),
		zap.Int64("failed", result.Failed),
		zap.Int64("entities", result.Entities),
		zap.Duration("duration", result.Duration),
	)
	return result, runErr
}

func (p *Processor) open(format FileFormat, r io.Reader, w io.Writer) (recordReader, recordWriter, error) {
	switch format {
	case FormatCSV:
		reader, err := newCSVReader(r, p.config.TextColumn)
		if err != nil {
			return nil, nil, err
		}
		writer, err := newCSVWriter(w, reader.header, reader.column)
		if err != nil {
			return nil, nil, err
		}
		return reader, writer, nil
	case FormatJSONL:
		return newJSONLReader(r, p.config.TextColumn), newJSONLWriter(w, p.config.TextColumn), nil
	case FormatParquet:
		ra, ok := r.(io.ReaderAt)
		if !ok {
			return nil, nil, errors.New("parquet input must support random access")
		}
		return newParquetReader(ra), newParquetWriter(w), nil
	default:
		return nil, nil, fmt.Errorf("unsupported file format: %s", format)
	}
}

// processBatches reads, masks and writes one batch at a time
func (p *Processor) processBatches(ctx context.Context, reader recordReader, writer recordWriter, result *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := reader.Next(p.config.BatchSize)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read batch: %w", err)
		}

		if err := p.processBatch(ctx, records); err != nil {
			return err
		}
		p.collect(ctx, records, result)

		if err := writer.Write(records); err != nil {
			return fmt.Errorf("failed to write batch: %w", err)
		}

		p.logger.Debug("Batch processed",
			zap.Int("batch_size", len(records)),
			zap.Int64("total", result.Total),
		)
	}
}

// processBatch masks records concurrently. Each goroutine writes only its
// own record, so output order equals input order.
func (p *Processor) processBatch(ctx context.Context, records []*record) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)

	for _, rec := range records {
		if rec.err != nil {
			continue
		}
		rec := rec
		g.Go(func() error {
			start := time.Now()
			res, err := p.pipeline.Desensitize(ctx, rec.text, p.opts)
			if err != nil {
				if isFatal(err) {
					return fmt.Errorf("row %d: %w", rec.row, err)
				}
				rec.err = err
				return nil
			}
			rec.masked = res.MaskedText
			rec.result = res
			rec.duration = time.Since(start)
			return nil
		})
	}

	return g.Wait()
}

// collect updates result from a processed batch and blanks failed rows
func (p *Processor) collect(ctx context.Context, records []*record, result *Result) {
	for _, rec := range records {
		result.Total++
		if rec.err != nil {
			rec.masked = ""
			result.addError(rec.row, rec.err.Error())
			p.logger.Warn("Row failed", zap.Int64("row", rec.row), zap.Error(rec.err))
			continue
		}

		if rec.result == nil || rec.result.Empty {
			result.Empty++
			continue
		}

		result.Masked++
		result.Entities += int64(len(rec.result.Entities))
		for label, n := range privacy.CountLabels(rec.result.Entities) {
			result.EntitiesByType[label] += n
		}

		if p.audit != nil {
			record := audit.NewRecord(rec.text, p.opts, rec.result, rec.duration, audit.SourceBatch)
			if err := p.audit.Insert(ctx, record); err != nil {
				p.logger.Warn("Failed to write audit record", zap.Int64("row", rec.row), zap.Error(err))
			}
		}
	}
}

// isFatal reports errors that would fail every row
func isFatal(err error) bool {
	return privacy.IsConfigError(err) ||
		ner.IsInitError(err) ||
		errors.Is(err, ner.ErrBackendUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
