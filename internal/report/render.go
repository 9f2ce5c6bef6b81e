package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Format selects how a report is rendered.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", eris.Errorf("report: unknown format %q (want table, json or yaml)", s)
	}
}

// Render writes r to w in the given format.
func Render(w io.Writer, r *Report, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(r), "report: encode json")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "report: encode yaml")
		}
		return eris.Wrap(enc.Close(), "report: encode yaml")
	case FormatTable, "":
		_, err := io.WriteString(w, renderTables(r))
		return eris.Wrap(err, "report: write table")
	default:
		return eris.Errorf("report: unknown format %q", format)
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	return tw
}

func rightAligned(cols ...int) []table.ColumnConfig {
	out := make([]table.ColumnConfig, 0, len(cols))
	for _, c := range cols {
		out = append(out, table.ColumnConfig{Number: c, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	return out
}

func renderTables(r *Report) string {
	var b strings.Builder

	summary := newTable()
	summary.SetTitle("Scope " + r.Scope)
	summary.AppendRows([]table.Row{
		{"Planned", r.TotalPlanned},
		{"Matched", fmt.Sprintf("%d (%.1f%%)", r.Matched, r.MatchedPct)},
		{"Mappings", r.Mappings},
		{"Unmatched", r.Unmatched},
		{"Rejected", r.Rejected},
	})
	summary.SetColumnConfigs(rightAligned(2))
	b.WriteString(summary.Render())
	b.WriteString("\n")

	byType := newTable()
	byType.AppendHeader(table.Row{"Match type", "Count", "Avg confidence"})
	for _, t := range r.ByType {
		byType.AppendRow(table.Row{string(t.MatchType), t.Count, fmt.Sprintf("%.3f", t.AvgConfidence)})
	}
	byType.SetColumnConfigs(rightAligned(2, 3))
	b.WriteString(byType.Render())
	b.WriteString("\n")

	if r.Proximity != nil {
		prox := newTable()
		prox.AppendHeader(table.Row{"Proximity matches", "Min (m)", "Median (m)", "Max (m)"})
		prox.AppendRow(table.Row{
			r.Proximity.Count,
			fmt.Sprintf("%.1f", r.Proximity.Min),
			fmt.Sprintf("%.1f", r.Proximity.Median),
			fmt.Sprintf("%.1f", r.Proximity.Max),
		})
		prox.SetColumnConfigs(rightAligned(1, 2, 3, 4))
		b.WriteString(prox.Render())
		b.WriteString("\n")
	}

	if len(r.HighConfidence) > 0 {
		hc := newTable()
		hc.SetTitle("High-confidence sample")
		hc.AppendHeader(table.Row{"Planned", "Observed", "Type", "Confidence", "Distance (m)"})
		for _, s := range r.HighConfidence {
			dist := "-"
			if s.DistanceMeters != nil {
				dist = fmt.Sprintf("%.1f", *s.DistanceMeters)
			}
			hc.AppendRow(table.Row{s.PlannedIdentifier, s.ObservedIdentifier, string(s.MatchType), fmt.Sprintf("%.3f", s.Confidence), dist})
		}
		hc.SetColumnConfigs(rightAligned(4, 5))
		b.WriteString(hc.Render())
		b.WriteString("\n")
	}

	if len(r.UnmatchedSample) > 0 {
		um := newTable()
		um.SetTitle("Unmatched sample")
		um.AppendHeader(table.Row{"ID", "Identifier", "Kind"})
		for _, s := range r.UnmatchedSample {
			um.AppendRow(table.Row{s.ID, s.Identifier, string(s.Kind)})
		}
		b.WriteString(um.Render())
		b.WriteString("\n")
	}

	return b.String()
}
