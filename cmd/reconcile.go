package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/asset-reconcile/internal/config"
	"github.com/sells-group/asset-reconcile/internal/model"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Match planned assets to field observations and persist the mappings",
	Long:  "Runs exact, normalized and proximity matching for one scope (or every scope with --all) and upserts the confirmed mappings. Previously stored mappings are never removed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		scope, _ := cmd.Flags().GetString("scope")
		all, _ := cmd.Flags().GetBool("all")
		if cmd.Flags().Changed("radius") {
			radius, _ := cmd.Flags().GetFloat64("radius")
			cfg.Reconcile.RadiusMeters = radius
		}

		return runReconcile(ctx, os.Stdout, cfg, scope, all)
	},
}

func runReconcile(ctx context.Context, out io.Writer, c *config.Config, scope string, all bool) error {
	if scope == "" && !all {
		return eris.New("reconcile: --scope or --all is required")
	}
	if scope != "" && all {
		return eris.New("reconcile: --scope and --all are mutually exclusive")
	}

	st, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	runner, err := newRunner(c, st)
	if err != nil {
		return err
	}

	if all {
		summary, err := runner.RunAll(ctx)
		if summary != nil {
			for _, s := range summary.Scopes {
				status := "ok"
				if s.Error != "" {
					status = "failed: " + s.Error
				}
				_, _ = fmt.Fprintf(out, "%-20s %d/%d matched  %s\n", s.Scope, s.Matched, s.Planned, status)
			}
			_, _ = fmt.Fprintf(out, "total: %d/%d matched (%.1f%%)\n", summary.TotalMatched, summary.TotalPlanned, summary.LinkingRate())
		}
		return err
	}

	outcome, err := runner.Run(ctx, scope)
	if err != nil {
		return err
	}
	printStats(out, scope, outcome.Result.Stats)
	zap.L().Debug("reconcile finished", zap.String("run_id", outcome.Run.ID))
	return nil
}

func printStats(out io.Writer, scope string, s model.RunStats) {
	pct := 0.0
	if s.Planned > 0 {
		pct = float64(s.Matched) / float64(s.Planned) * 100
	}
	_, _ = fmt.Fprintf(out, "scope %s: %d/%d planned matched (%.1f%%), %d rejected, %d mappings upserted\n",
		scope, s.Matched, s.Planned, pct, s.Rejected, s.Upserted)
	for _, t := range model.Precedence {
		_, _ = fmt.Fprintf(out, "  %-10s %d\n", t, s.ByStrategy[t])
	}
}

func init() {
	reconcileCmd.Flags().String("scope", "", "project scope to reconcile")
	reconcileCmd.Flags().Bool("all", false, "reconcile every scope in the planned inventory")
	reconcileCmd.Flags().Float64("radius", 50, "proximity match radius in meters (overrides reconcile.radius_meters)")
	rootCmd.AddCommand(reconcileCmd)
}
