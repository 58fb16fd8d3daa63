package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nao1215/markdown"
	"github.com/spf13/cobra"

	"github.com/raaihank/desensitizer/internal/ner"
)

func newModelCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect and load NER models",
	}
	cmd.AddCommand(newModelInfoCmd(c), newModelCheckCmd(c))
	return cmd
}

func newModelInfoCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the model directory of each mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			nerCfg := c.cfg.NER.Recognizer()

			modes := []ner.Mode{ner.ModeFast, ner.ModeAccurate}
			infos := make([]*ner.Info, 0, len(modes))
			for _, mode := range modes {
				info, err := ner.ModelInfo(nerCfg.ModeDir(mode))
				if err != nil {
					return fmt.Errorf("failed to inspect %s model: %w", mode, err)
				}
				infos = append(infos, info)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}

			rows := make([][]string, 0, len(infos))
			for i, info := range infos {
				name := ""
				if info.Manifest != nil {
					name = info.Manifest.Name
				}
				rows = append(rows, []string{
					string(modes[i]),
					"`" + info.Dir + "`",
					strconv.FormatBool(info.Complete),
					strconv.Itoa(info.Files),
					formatSize(info.SizeBytes),
					name,
				})
			}

			md := markdown.NewMarkdown(cmd.OutOrStdout())
			md.PlainTextf("Backend: %s, active mode: %s", c.cfg.NER.Backend, c.cfg.NER.Mode)
			md.PlainText("")
			md.Table(markdown.TableSet{
				Header: []string{"Mode", "Directory", "Complete", "Files", "Size", "Model"},
				Rows:   rows,
			})
			return md.Build()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newModelCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load the configured model and report any initialization error",
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := c.build()
			if err != nil {
				return err
			}
			if services.Model == nil {
				return fmt.Errorf("ner backend is %q: %w", c.cfg.NER.Backend, ner.ErrBackendUnavailable)
			}
			if err := services.Preload(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Model %s loaded (backend %s)\n", services.Model.Mode(), c.cfg.NER.Backend)
			return nil
		},
	}
}

// formatSize renders a byte count with a binary unit
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
