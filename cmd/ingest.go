package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/asset-reconcile/internal/config"
	"github.com/sells-group/asset-reconcile/internal/ingest"
	"github.com/sells-group/asset-reconcile/internal/model"
	"github.com/sells-group/asset-reconcile/internal/resilience"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load inventories from CSV, XLSX or shapefile exports",
}

var ingestPlannedCmd = &cobra.Command{
	Use:   "planned",
	Short: "Load the engineering design (planned) inventory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, opts, err := ingestFlags(cmd)
		if err != nil {
			return err
		}
		return runIngest(cmd.Context(), os.Stdout, cfg, "planned", path, opts)
	},
}

var ingestObservedCmd = &cobra.Command{
	Use:   "observed",
	Short: "Load the field survey (observed) inventory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, opts, err := ingestFlags(cmd)
		if err != nil {
			return err
		}
		return runIngest(cmd.Context(), os.Stdout, cfg, "observed", path, opts)
	},
}

func ingestFlags(cmd *cobra.Command) (string, ingest.Options, error) {
	path, _ := cmd.Flags().GetString("file")
	scope, _ := cmd.Flags().GetString("scope")
	kind, _ := cmd.Flags().GetString("kind")
	sheet, _ := cmd.Flags().GetString("sheet")
	if path == "" {
		return "", ingest.Options{}, eris.New("ingest: --file is required")
	}
	opts := ingest.Options{Scope: scope, Sheet: sheet}
	if kind != "" {
		opts.Kind = model.ParseKind(kind)
	}
	return path, opts, nil
}

func runIngest(ctx context.Context, out io.Writer, c *config.Config, target, path string, opts ingest.Options) error {
	st, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	retry := resilience.FromConfig(c.Retry)
	retry.OnRetry = resilience.RetryLogger(opts.Scope, "ingest_"+target)

	var (
		stats ingest.Stats
		n     int64
	)
	switch target {
	case "planned":
		var recs []model.PlannedRecord
		recs, stats, err = ingest.ReadPlanned(ctx, path, opts)
		if err != nil {
			return err
		}
		n, err = resilience.DoVal(ctx, retry, func(ctx context.Context) (int64, error) {
			return st.UpsertPlanned(ctx, recs)
		})
	case "observed":
		var recs []model.ObservedRecord
		recs, stats, err = ingest.ReadObserved(ctx, path, opts)
		if err != nil {
			return err
		}
		n, err = resilience.DoVal(ctx, retry, func(ctx context.Context) (int64, error) {
			return st.UpsertObserved(ctx, recs)
		})
	default:
		return eris.Errorf("ingest: unknown inventory %q", target)
	}
	if err != nil {
		return eris.Wrapf(err, "ingest: store %s inventory", target)
	}

	_, _ = fmt.Fprintf(out, "%s: %d rows read, %d skipped, %d records stored\n", target, stats.Rows, stats.Skipped, n)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{ingestPlannedCmd, ingestObservedCmd} {
		c.Flags().String("file", "", "inventory file (.csv, .xlsx or .shp)")
		c.Flags().String("scope", "", "project scope applied to every row (overrides the file's project column)")
		c.Flags().String("kind", "", "asset kind for rows without one (pole, drop)")
		c.Flags().String("sheet", "", "XLSX sheet name (default: first sheet)")
		ingestCmd.AddCommand(c)
	}
	rootCmd.AddCommand(ingestCmd)
}
