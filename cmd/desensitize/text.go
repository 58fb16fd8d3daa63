package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nao1215/markdown"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/desensitizer/internal/audit"
	"github.com/raaihank/desensitizer/internal/privacy"
)

// output is the --json form of one desensitize call
type output struct {
	MaskedText string           `json:"masked_text"`
	Entities   []privacy.Entity `json:"entities"`
	Summary    privacy.Summary  `json:"summary"`
	Strategy   string           `json:"strategy"`
	Detectors  string           `json:"detectors"`
	Empty      bool             `json:"empty,omitempty"`
	Filename   string           `json:"filename,omitempty"`
}

// printFlags are shared by text and file
type printFlags struct {
	json    bool
	summary bool
}

func (p *printFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&p.json, "json", false, "print the full result as JSON")
	cmd.Flags().BoolVar(&p.summary, "summary", false, "print a per-type entity table after the masked text")
}

func newTextCmd(c *cli) *cobra.Command {
	var pf printFlags

	cmd := &cobra.Command{
		Use:   "text [TEXT...]",
		Short: "Desensitize text given as arguments or on stdin",
		Example: `  desensitize text "张三的手机号是13812345678"
  desensitize text -s placeholder -t PERSON,PHONE "张三的手机号是13812345678"
  echo "邮箱test@example.com" | desensitize text --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				text = strings.TrimSuffix(string(data), "\n")
			}
			return c.desensitize(cmd, text, "", cmd.OutOrStdout(), pf)
		},
	}
	pf.register(cmd)
	return cmd
}

// documentExts lists the document types accepted by the file command
var documentExts = map[string]bool{".txt": true, ".md": true, ".csv": true}

func newFileCmd(c *cli) *cobra.Command {
	var (
		pf         printFlags
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "file PATH",
		Short: "Desensitize a UTF-8 text document (.txt, .md or .csv)",
		Long: `Reads the whole document as one text and masks it. Use the batch
command to mask a CSV column row by row instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readDocument(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("failed to create output: %w", err)
				}
				defer f.Close()
				out = f
			}
			return c.desensitize(cmd, text, filepath.Base(args[0]), out, pf)
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the result to this file instead of stdout")
	return cmd
}

// readDocument reads a supported document as UTF-8, dropping a leading BOM
func readDocument(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !documentExts[ext] {
		return "", fmt.Errorf("unsupported file type %q: only .txt, .md and .csv are supported", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	if !utf8.Valid(data) {
		return "", errors.New("file is not valid UTF-8")
	}
	return string(data), nil
}

// desensitize runs one call and prints it to w
func (c *cli) desensitize(cmd *cobra.Command, text, filename string, w io.Writer, pf printFlags) error {
	opts, err := c.options()
	if err != nil {
		return err
	}
	services, err := c.build()
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := services.Pipeline.Desensitize(cmd.Context(), text, opts)
	if err != nil {
		return err
	}

	if services.Audit != nil && !result.Empty {
		record := audit.NewRecord(text, opts, result, time.Since(start), audit.SourceCLI)
		if err := services.Audit.Insert(cmd.Context(), record); err != nil {
			c.log.Warn("Failed to write audit record", zap.Error(err))
		}
	}

	if pf.json {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(output{
			MaskedText: result.MaskedText,
			Entities:   result.Entities,
			Summary:    privacy.Summarize(text, result.Entities),
			Strategy:   string(opts.Strategy),
			Detectors:  opts.Detectors.String(),
			Empty:      result.Empty,
			Filename:   filename,
		})
	}

	if _, err := fmt.Fprintln(w, result.MaskedText); err != nil {
		return err
	}
	if pf.summary {
		return writeSummary(cmd.ErrOrStderr(), privacy.Summarize(text, result.Entities))
	}
	return nil
}

// writeSummary prints the entity groups as a Markdown table
func writeSummary(w io.Writer, summary privacy.Summary) error {
	md := markdown.NewMarkdown(w)
	md.PlainTextf("Found %d entities of %d types", summary.Total, summary.TypeCount)
	if summary.Total == 0 {
		return md.Build()
	}

	rows := make([][]string, 0, len(summary.Groups))
	for _, g := range summary.Groups {
		rows = append(rows, []string{g.Label, string(g.Type), strconv.Itoa(g.Count), strings.Join(g.Texts, "、")})
	}
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Label", "Type", "Count", "Texts"},
		Rows:   rows,
	})
	return md.Build()
}
