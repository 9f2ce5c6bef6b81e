package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/asset-reconcile/internal/model"
	"github.com/sells-group/asset-reconcile/internal/resilience"
	"github.com/sells-group/asset-reconcile/internal/store"
)

// Runner executes reconciliation against a store: it locks the scope, records
// the run, evaluates the inventories and upserts the resulting mappings.
type Runner struct {
	store  store.Store
	engine *Engine
	retry  resilience.Policy
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, engine *Engine, retry resilience.Policy) *Runner {
	return &Runner{store: st, engine: engine, retry: retry}
}

// Outcome describes one completed scope run.
type Outcome struct {
	Run    *model.Run
	Result *Result
}

// Run reconciles a single scope. Mappings upserted by earlier runs stay valid
// whatever happens here.
func (r *Runner) Run(ctx context.Context, scope string) (*Outcome, error) {
	if scope == "" {
		return nil, eris.New("reconcile: scope is required")
	}
	log := zap.L().With(zap.String("component", "runner"), zap.String("scope", scope))

	release, err := r.store.AcquireRunLock(ctx, scope)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: lock scope %s", scope)
	}
	defer release()

	run, err := r.store.CreateRun(ctx, scope)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: create run")
	}
	start := time.Now()
	log = log.With(zap.String("run_id", run.ID))

	res, err := r.execute(ctx, scope)
	if err != nil {
		var stats model.RunStats
		if res != nil {
			stats = res.Stats
		}
		r.fail(ctx, log, run, stats, err)
		return nil, err
	}

	if err := r.store.CompleteRun(ctx, run.ID, res.Stats); err != nil {
		err = eris.Wrap(err, "reconcile: complete run")
		r.fail(ctx, log, run, res.Stats, err)
		return nil, err
	}
	run.Status = model.RunStatusComplete
	run.Stats = res.Stats
	now := time.Now().UTC()
	run.CompletedAt = &now

	log.Info("reconciliation complete",
		zap.Int("planned", res.Stats.Planned),
		zap.Int("observed", res.Stats.Observed),
		zap.Int("rejected", res.Stats.Rejected),
		zap.Int("matched", res.Stats.Matched),
		zap.Int64("upserted", res.Stats.Upserted),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Outcome{Run: run, Result: res}, nil
}

func (r *Runner) execute(ctx context.Context, scope string) (*Result, error) {
	planned, err := r.store.LoadPlanned(ctx, scope)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: load planned")
	}
	observed, err := r.store.LoadObserved(ctx, scope)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: load observed")
	}

	res, err := r.engine.Evaluate(ctx, scope, planned, observed)
	if err != nil {
		return nil, err
	}

	retry := r.retry
	retry.OnRetry = resilience.RetryLogger(scope, "upsert_mappings")
	n, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (int64, error) {
		return r.store.UpsertMappings(ctx, res.Mappings)
	})
	if err != nil {
		return res, eris.Wrap(err, "reconcile: persist mappings")
	}
	res.Stats.Upserted = n
	return res, nil
}

// fail records a failed run. The run context may already be cancelled.
func (r *Runner) fail(ctx context.Context, log *zap.Logger, run *model.Run, stats model.RunStats, runErr error) {
	log.Error("reconciliation failed", zap.Error(runErr))
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.FailRun(fctx, run.ID, stats, runErr); err != nil {
		log.Error("record failed run", zap.Error(err))
	}
	run.Status = model.RunStatusFailed
	run.Error = runErr.Error()
}

// ScopeOutcome is one scope's entry in a multi-scope summary.
type ScopeOutcome struct {
	Scope   string `json:"scope" yaml:"scope"`
	Planned int    `json:"planned" yaml:"planned"`
	Matched int    `json:"matched" yaml:"matched"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary aggregates a run across every scope.
type Summary struct {
	Scopes       []ScopeOutcome `json:"scopes" yaml:"scopes"`
	TotalPlanned int            `json:"total_planned" yaml:"total_planned"`
	TotalMatched int            `json:"total_matched" yaml:"total_matched"`
	Failed       int            `json:"failed" yaml:"failed"`
}

// LinkingRate returns matched/planned as a percentage, 0 when nothing was planned.
func (s *Summary) LinkingRate() float64 {
	if s.TotalPlanned == 0 {
		return 0
	}
	return float64(s.TotalMatched) / float64(s.TotalPlanned) * 100
}

// RunAll reconciles every scope in the planned inventory. A failing scope is
// logged and recorded without stopping the others; the returned error reports
// how many failed.
func (r *Runner) RunAll(ctx context.Context) (*Summary, error) {
	log := zap.L().With(zap.String("component", "runner"))

	scopes, err := r.store.ListScopes(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: list scopes")
	}

	summary := &Summary{}
	for _, scope := range scopes {
		if ctx.Err() != nil {
			break
		}
		so := ScopeOutcome{Scope: scope}
		out, err := r.Run(ctx, scope)
		if err != nil {
			so.Error = err.Error()
			summary.Failed++
			if errors.Is(err, store.ErrScopeLocked) {
				log.Warn("scope locked by another run, skipping", zap.String("scope", scope))
			}
		} else {
			so.Planned = out.Result.Stats.Planned
			so.Matched = out.Result.Stats.Matched
			summary.TotalPlanned += so.Planned
			summary.TotalMatched += so.Matched
		}
		summary.Scopes = append(summary.Scopes, so)
	}

	log.Info("all scopes reconciled",
		zap.Int("scopes", len(summary.Scopes)),
		zap.Int("failed", summary.Failed),
		zap.Int("total_planned", summary.TotalPlanned),
		zap.Int("total_matched", summary.TotalMatched),
		zap.Float64("linking_rate_pct", summary.LinkingRate()),
	)

	if err := ctx.Err(); err != nil {
		return summary, eris.Wrap(err, "reconcile: cancelled")
	}
	if summary.Failed > 0 {
		return summary, eris.Errorf("reconcile: %d of %d scopes failed", summary.Failed, len(scopes))
	}
	return summary, nil
}
