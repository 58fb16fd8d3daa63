package main

import (
	"github.com/nao1215/markdown"
	"github.com/spf13/cobra"

	"github.com/raaihank/desensitizer/internal/privacy"
)

func newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "types",
		Short:       "List entity types by detector",
		Annotations: map[string]string{noConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			md := markdown.NewMarkdown(cmd.OutOrStdout())
			writeTypeGroup(md, "Model (NER)", privacy.ModelTypes())
			writeTypeGroup(md, "Pattern", privacy.NewPatternDetector(nil).Types())
			return md.Build()
		},
	}
}

func writeTypeGroup(md *markdown.Markdown, title string, types []privacy.EntityType) {
	rows := make([][]string, 0, len(types))
	for _, t := range types {
		rows = append(rows, []string{string(t), t.Label()})
	}
	md.H2(title)
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Type", "Label"},
		Rows:   rows,
	})
	md.PlainText("")
}

func newStrategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "strategies",
		Short:       "List masking strategies",
		Annotations: map[string]string{noConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := make([][]string, 0, 4)
			for _, s := range privacy.AllStrategies() {
				rows = append(rows, []string{string(s), s.DisplayName()})
			}
			md := markdown.NewMarkdown(cmd.OutOrStdout())
			md.Table(markdown.TableSet{
				Header: []string{"Strategy", "Description"},
				Rows:   rows,
			})
			return md.Build()
		},
	}
}
