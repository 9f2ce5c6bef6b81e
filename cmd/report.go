package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/asset-reconcile/internal/config"
	"github.com/sells-group/asset-reconcile/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize stored mappings for a scope",
	Long:  "Reads the planned inventory and confirmed mappings and prints match rates, per-strategy confidence, proximity distances and samples. Read-only.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		all, _ := cmd.Flags().GetBool("all")
		formatFlag, _ := cmd.Flags().GetString("format")

		format, err := report.ParseFormat(formatFlag)
		if err != nil {
			return err
		}
		return runReport(cmd.Context(), os.Stdout, cfg, scope, all, format)
	},
}

func runReport(ctx context.Context, out io.Writer, c *config.Config, scope string, all bool, format report.Format) error {
	if scope == "" && !all {
		return eris.New("report: --scope or --all is required")
	}

	st, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	scopes := []string{scope}
	if all {
		if scopes, err = st.ListScopes(ctx); err != nil {
			return eris.Wrap(err, "report: list scopes")
		}
	}

	opts := report.Options{SampleSize: c.Reconcile.SampleSize, HighConfidence: c.Reconcile.HighConfidence}
	reports := make([]*report.Report, 0, len(scopes))
	for _, s := range scopes {
		planned, err := st.LoadPlanned(ctx, s)
		if err != nil {
			return eris.Wrapf(err, "report: load planned %s", s)
		}
		mappings, err := st.ListMappings(ctx, s)
		if err != nil {
			return eris.Wrapf(err, "report: list mappings %s", s)
		}
		r := report.Build(s, planned, mappings, opts)
		reports = append(reports, r)
		if err := report.Render(out, r, format); err != nil {
			return err
		}
	}

	if all && format == report.FormatTable {
		t := report.Summarize(reports)
		_, _ = fmt.Fprintf(out, "%d scopes: %d/%d planned matched (%.1f%%)\n", t.Scopes, t.Matched, t.Planned, t.MatchedPct)
	}
	return nil
}

func init() {
	reportCmd.Flags().String("scope", "", "project scope to report on")
	reportCmd.Flags().Bool("all", false, "report on every scope in the planned inventory")
	reportCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	rootCmd.AddCommand(reportCmd)
}
