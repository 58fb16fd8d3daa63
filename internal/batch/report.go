package batch

import (
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/raaihank/desensitizer/internal/privacy"
)

// ReportMeta describes the run a report is written for
type ReportMeta struct {
	Input     string
	Output    string
	Format    FileFormat
	Strategy  string
	Detectors string
	Finished  time.Time
}

// WriteReport writes a Markdown summary of a batch run
func WriteReport(w io.Writer, result *Result, meta ReportMeta) error {
	md := markdown.NewMarkdown(w)

	md.H1("Desensitization Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Input", "`" + meta.Input + "`"},
			{"Output", "`" + meta.Output + "`"},
			{"Format", string(meta.Format)},
			{"Strategy", meta.Strategy},
			{"Detectors", meta.Detectors},
			{"Finished", meta.Finished.Format("2006-01-02 15:04:05 MST")},
			{"Duration", result.Duration.Round(time.Millisecond).String()},
		},
	})
	md.PlainText("")

	md.H2("Rows")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Status", "Count"},
		Rows: [][]string{
			{"Masked", strconv.FormatInt(result.Masked, 10)},
			{"Empty", strconv.FormatInt(result.Empty, 10)},
			{"Failed", strconv.FormatInt(result.Failed, 10)},
			{"**Total**", "**" + strconv.FormatInt(result.Total, 10) + "**"},
		},
	})
	md.PlainText("")

	writeEntities(md, result)
	writeErrors(md, result)

	return md.Build()
}

func writeEntities(md *markdown.Markdown, result *Result) {
	md.H2("Entities")
	md.PlainText("")

	if result.Entities == 0 {
		md.PlainText("No personal information detected.")
		md.PlainText("")
		return
	}

	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Entity Types"),
		piechart.WithShowData(true),
	)
	var rows [][]string
	for _, t := range privacy.AllEntityTypes() {
		n := result.EntitiesByType[string(t)]
		if n == 0 {
			continue
		}
		rows = append(rows, []string{string(t), t.Label(), strconv.Itoa(n)})
		chart.LabelAndIntValue(t.Label(), uint64(n))
	}
	rows = append(rows, []string{"**Total**", "", "**" + strconv.FormatInt(result.Entities, 10) + "**"})

	md.Table(markdown.TableSet{
		Header: []string{"Type", "Label", "Count"},
		Rows:   rows,
	})
	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func writeErrors(md *markdown.Markdown, result *Result) {
	if result.Failed == 0 {
		md.Tip("Every row was processed.")
		md.PlainText("")
		return
	}

	md.Warningf("%d row(s) failed and were written with an empty text field.", result.Failed)
	md.PlainText("")
	md.H2("Row Errors")
	md.PlainText("")

	errs := slices.Clone(result.Errors)
	slices.SortFunc(errs, func(a, b RowError) int { return int(a.Row - b.Row) })
	rows := make([][]string, 0, len(errs))
	for _, e := range errs {
		rows = append(rows, []string{strconv.FormatInt(e.Row, 10), e.Message})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Row", "Error"},
		Rows:   rows,
	})
	md.PlainText("")
	if int64(len(errs)) < result.Failed {
		md.PlainTextf("Showing the first %d of %d errors.", len(errs), result.Failed)
		md.PlainText("")
	}
}
