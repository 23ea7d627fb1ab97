// Package export renders a completed analysis bundle as a spreadsheet.
package export

import (
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/synthesis-cli/internal/model"
)

// Sheet names, in workbook order.
const (
	SheetSummary    = "Summary"
	SheetChunks     = "Chunks"
	SheetInferences = "Inferences"
	SheetPatterns   = "Patterns"
	SheetInsights   = "Insights"
	SheetPrinciples = "Principles"
)

const listSep = "; "

// Write renders b as an XLSX workbook: a Summary sheet followed by one
// sheet per stage.
func Write(w io.Writer, b *model.Bundle) error {
	if b == nil {
		return eris.New("export: nil bundle")
	}
	f := xlsx.NewFile()

	if err := addSheet(f, SheetSummary, []string{"Field", "Value"}, summaryRows(b)); err != nil {
		return err
	}
	if err := addSheet(f, SheetChunks,
		[]string{"ID", "Type", "Confidence", "Source", "Content", "Tags"},
		chunkRows(b.Chunks)); err != nil {
		return err
	}
	if err := addSheet(f, SheetInferences,
		[]string{"ID", "Chunk ID", "Importance", "Confidence", "Meanings", "Context", "Reasoning"},
		inferenceRows(b.Inferences)); err != nil {
		return err
	}
	if err := addSheet(f, SheetPatterns,
		[]string{"Name", "Strength", "Evidence Count", "Description", "Themes", "Related Inferences"},
		patternRows(b.Patterns)); err != nil {
		return err
	}
	if err := addSheet(f, SheetInsights,
		[]string{"ID", "Pattern", "Impact", "Non-consensus", "First Principles", "Headline", "Explanation", "Evidence"},
		insightRows(b.Insights)); err != nil {
		return err
	}
	if err := addSheet(f, SheetPrinciples,
		[]string{"Insight ID", "Priority", "Feasibility", "Principle", "Direction", "Action Verbs"},
		principleRows(b.Principles)); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

// WriteFile renders b to path, replacing any existing file.
func WriteFile(path string, b *model.Bundle) error {
	out, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "export: create file")
	}
	if err := Write(out, b); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	return eris.Wrap(out.Close(), "export: close file")
}

// ReadSheet returns the rows of a named sheet as strings. skipRows leading
// rows are dropped.
func ReadSheet(path, name string, skipRows int) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	sheet, ok := f.Sheet[name]
	if !ok {
		return nil, eris.Errorf("xlsx: sheet %q not found", name)
	}

	var rows [][]string
	for i, row := range sheet.Rows {
		if i < skipRows {
			continue
		}
		rows = append(rows, rowToStrings(row))
	}
	return rows, nil
}

// cell is one typed spreadsheet value.
type cell any

func addSheet(f *xlsx.File, name string, header []string, rows [][]cell) error {
	sheet, err := f.AddSheet(name)
	if err != nil {
		return eris.Wrapf(err, "export: add sheet %s", name)
	}
	hr := sheet.AddRow()
	for _, h := range header {
		hr.AddCell().SetString(h)
	}
	for _, values := range rows {
		r := sheet.AddRow()
		for _, v := range values {
			setCell(r.AddCell(), v)
		}
	}
	return nil
}

func setCell(c *xlsx.Cell, v cell) {
	switch x := v.(type) {
	case string:
		c.SetString(x)
	case int:
		c.SetInt(x)
	case int64:
		c.SetInt64(x)
	case float64:
		c.SetFloat(x)
	case bool:
		c.SetBool(x)
	case []string:
		c.SetString(strings.Join(x, listSep))
	default:
		c.SetValue(x)
	}
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, c := range row.Cells {
		cells[j] = c.String()
	}
	return cells
}

func summaryRows(b *model.Bundle) [][]cell {
	s := b.Summary
	rows := [][]cell{
		{"Run ID", b.RunID},
		{"Strategy", b.Strategy},
		{"Status", string(b.Status)},
		{"Created", b.CreatedAt.Format("2006-01-02T15:04:05Z07:00")},
		{"Completed", b.CompletedAt.Format("2006-01-02T15:04:05Z07:00")},
		{"Duration (ms)", b.DurationMs},
		{"Chunks", s.TotalChunks},
		{"Inferences", s.TotalInferences},
		{"Patterns", s.TotalPatterns},
		{"Insights", s.TotalInsights},
		{"Design Principles", s.TotalPrinciples},
		{"Avg Chunk Confidence", s.AvgChunkConfidence},
		{"Avg Inference Confidence", s.AvgInferenceConf},
		{"Avg Pattern Strength", s.AvgPatternStrength},
		{"Avg Insight Impact", s.AvgInsightImpact},
		{"Avg Principle Priority", s.AvgPrinciplePriority},
		{"Quality Score", s.QualityScore},
		{"Non-consensus Insights", s.NonConsensusCount},
		{"First-principles Insights", s.FirstPrinciplesCount},
	}
	if d := b.Diagnostics; d != nil {
		rows = append(rows,
			[]cell{"Backend", d.Backend},
			[]cell{"Model", d.Model},
			[]cell{"Input Tokens", d.TokensIn},
			[]cell{"Output Tokens", d.TokensOut},
			[]cell{"Estimated Cost (USD)", d.CostUSD},
		)
	}
	return rows
}

func chunkRows(chunks []model.Chunk) [][]cell {
	rows := make([][]cell, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, []cell{c.ID, string(c.Type), c.Confidence, c.Source, c.Content, c.Tags})
	}
	return rows
}

func inferenceRows(infs []model.Inference) [][]cell {
	rows := make([][]cell, 0, len(infs))
	for _, i := range infs {
		rows = append(rows, []cell{i.ID, i.ChunkID, i.Importance, i.Confidence, i.Meanings, i.Context, i.Reasoning})
	}
	return rows
}

func patternRows(pats []model.Pattern) [][]cell {
	rows := make([][]cell, 0, len(pats))
	for _, p := range pats {
		rows = append(rows, []cell{p.Name, p.Strength, p.EvidenceCount, p.Description, p.Themes, p.RelatedInferenceIDs})
	}
	return rows
}

func insightRows(ins []model.Insight) [][]cell {
	rows := make([][]cell, 0, len(ins))
	for _, i := range ins {
		rows = append(rows, []cell{i.ID, i.PatternID, i.ImpactScore, i.NonConsensus, i.FirstPrinciples, i.Headline, i.Explanation, i.SupportingEvidence})
	}
	return rows
}

func principleRows(ps []model.DesignPrinciple) [][]cell {
	rows := make([][]cell, 0, len(ps))
	for _, p := range ps {
		rows = append(rows, []cell{p.InsightID, p.Priority, p.Feasibility, p.Principle, p.DesignDirection, p.ActionVerbs})
	}
	return rows
}
