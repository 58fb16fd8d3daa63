package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raaihank/desensitizer/internal/batch"
)

func newBatchCmd(c *cli) *cobra.Command {
	var (
		outputPath string
		reportPath string
		workers    int
		batchSize  int
		column     string
	)

	cmd := &cobra.Command{
		Use:   "batch INPUT",
		Short: "Desensitize a dataset (CSV, JSON Lines or Parquet) row by row",
		Long: `Masks the text column of every row and writes a dataset of the same
format. Rows keep their input order. A row that cannot be processed is
written with an empty text field and listed in the summary.`,
		Example: `  desensitize batch users.csv -o users.masked.csv --column comment
  desensitize batch chats.jsonl -o chats.masked.jsonl --workers 8 --report report.md
  desensitize batch corpus.parquet -s placeholder -d pattern`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			format, ok := batch.DetectFileFormat(input)
			if !ok {
				return fmt.Errorf("unsupported dataset %q: expected .csv, .jsonl, .ndjson or .parquet", input)
			}
			if outputPath == "" {
				outputPath = maskedPath(input)
			}
			if filepath.Clean(outputPath) == filepath.Clean(input) {
				return errors.New("output must differ from input")
			}

			opts, err := c.options()
			if err != nil {
				return err
			}
			services, err := c.build()
			if err != nil {
				return err
			}

			cfg := batch.Config{
				Workers:    c.cfg.Batch.Workers,
				TextColumn: c.cfg.Batch.TextColumn,
				BatchSize:  c.cfg.Batch.BatchSize,
			}
			flags := cmd.Flags()
			if flags.Changed("workers") {
				cfg.Workers = workers
			}
			if flags.Changed("batch-size") {
				cfg.BatchSize = batchSize
			}
			if flags.Changed("column") {
				cfg.TextColumn = column
			}

			processor := batch.NewProcessor(services.Pipeline, opts, cfg, c.log.Logger)
			if services.Audit != nil {
				processor.WithAudit(services.Audit)
			}

			result, err := processor.ProcessFile(cmd.Context(), input, outputPath)
			if err != nil {
				return fmt.Errorf("batch failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", outputPath)
			fmt.Fprintf(out, "Rows: %d total, %d masked, %d empty, %d failed\n",
				result.Total, result.Masked, result.Empty, result.Failed)
			fmt.Fprintf(out, "Entities: %d in %s\n", result.Entities, result.Duration.Round(time.Millisecond))

			if reportPath != "" {
				f, err := os.Create(reportPath)
				if err != nil {
					return fmt.Errorf("failed to create report: %w", err)
				}
				defer f.Close()

				err = batch.WriteReport(f, result, batch.ReportMeta{
					Input:     input,
					Output:    outputPath,
					Format:    format,
					Strategy:  string(opts.Strategy),
					Detectors: opts.Detectors.String(),
					Finished:  time.Now(),
				})
				if err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
				fmt.Fprintf(out, "Report: %s\n", reportPath)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&outputPath, "output", "o", "", "output dataset (default: INPUT with .masked before the extension)")
	flags.StringVar(&reportPath, "report", "", "write a Markdown report to this file")
	flags.IntVarP(&workers, "workers", "w", 4, "concurrent rows")
	flags.IntVar(&batchSize, "batch-size", 1024, "rows read and written per batch")
	flags.StringVar(&column, "column", "text", "CSV column or JSON key holding the text")
	return cmd
}

// maskedPath turns data/users.csv into data/users.masked.csv
func maskedPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + ".masked" + ext
}
