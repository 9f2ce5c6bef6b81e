// Package reconcile links planned assets to field observations. Strategies run
// in strict precedence (exact, normalized, proximity); a planned record claimed
// by one stage is withheld from every later stage.
package reconcile

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/asset-reconcile/internal/config"
	"github.com/sells-group/asset-reconcile/internal/match"
	"github.com/sells-group/asset-reconcile/internal/model"
	"github.com/sells-group/asset-reconcile/internal/normalize"
	"github.com/sells-group/asset-reconcile/internal/scorer"
	"github.com/sells-group/asset-reconcile/internal/spatial"
)

// Engine evaluates one scope's inventories. It holds no per-run state and is
// safe to reuse across scopes.
type Engine struct {
	cfg        config.ReconcileConfig
	normalizer *normalize.Normalizer
	scorer     *scorer.Scorer

	// wrap decorates each strategy before a run. Nil means no decoration.
	wrap func(match.Strategy) match.Strategy
}

// NewEngine creates an Engine. A nil normalizer uses the default rules.
func NewEngine(cfg config.ReconcileConfig, table config.ConfidenceConfig, n *normalize.Normalizer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "reconcile: engine config")
	}
	if err := table.Validate(); err != nil {
		return nil, eris.Wrap(err, "reconcile: confidence table")
	}
	if n == nil {
		n = normalize.New(nil)
	}
	return &Engine{
		cfg:        cfg,
		normalizer: n,
		scorer:     scorer.New(table, cfg.RadiusMeters, cfg.VerifyMeters),
	}, nil
}

// Radius returns the proximity match radius in meters.
func (e *Engine) Radius() float64 {
	return e.cfg.RadiusMeters
}

// Result is the outcome of evaluating one scope.
type Result struct {
	Scope    string
	Mappings []model.ConfirmedMapping
	// Unmatched holds valid planned records no strategy claimed, ordered by ID.
	Unmatched []model.PlannedRecord
	Stats     model.RunStats
}

// Reconcile returns the confirmed mappings for scope, ordered by planned then
// observed identifier. Identical inputs always yield identical output.
func (e *Engine) Reconcile(ctx context.Context, planned []model.PlannedRecord, observed []model.ObservedRecord, scope string) ([]model.ConfirmedMapping, error) {
	res, err := e.Evaluate(ctx, scope, planned, observed)
	if err != nil {
		return nil, err
	}
	return res.Mappings, nil
}

// Evaluate runs every strategy over scope and returns mappings plus run statistics.
func (e *Engine) Evaluate(ctx context.Context, scope string, planned []model.PlannedRecord, observed []model.ObservedRecord) (*Result, error) {
	if scope == "" {
		return nil, eris.New("reconcile: scope is required")
	}
	log := zap.L().With(zap.String("component", "reconcile"), zap.String("scope", scope))

	stats := model.RunStats{ByStrategy: make(map[model.MatchType]int, len(model.Precedence))}
	pending := acceptPlanned(log, scope, planned, &stats)
	obs := acceptObserved(log, scope, observed, &stats)
	stats.Planned = len(pending)
	stats.Observed = len(obs)

	observedByID := make(map[string]model.ObservedRecord, len(obs))
	for _, o := range obs {
		observedByID[o.ID] = o
	}

	cellMeters := e.cfg.CellMeters
	if cellMeters <= 0 {
		cellMeters = e.cfg.RadiusMeters
	}
	idx := spatial.Build(obs, cellMeters)
	indexFields := []zap.Field{zap.Int("indexed", idx.Len()), zap.Float64("cell_meters", cellMeters)}
	if b := idx.Bounds(); b != nil && !b.IsEmpty() {
		indexFields = append(indexFields, zap.Float64s("extent", []float64{b.Min(0), b.Min(1), b.Max(0), b.Max(1)}))
	}
	log.Debug("spatial index built", indexFields...)
	strategies := match.Build(obs, e.normalizer, idx, e.cfg.RadiusMeters)

	claims := newClaims()
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "reconcile: cancelled")
		}
		if e.wrap != nil {
			s = e.wrap(s)
		}

		found, err := e.runStage(ctx, s, pending)
		if err != nil {
			return nil, eris.Wrapf(err, "reconcile: %s stage", s.Name())
		}

		next := pending[:0:0]
		for i, p := range pending {
			if found[i] == nil {
				next = append(next, p)
				continue
			}
			if err := claims.add(p, *found[i]); err != nil {
				return nil, err
			}
		}
		stats.ByStrategy[s.Name()] = len(pending) - len(next)
		log.Info("stage complete",
			zap.String("strategy", string(s.Name())),
			zap.Int("attempted", len(pending)),
			zap.Int("matched", stats.ByStrategy[s.Name()]),
		)
		pending = next
	}

	mappings := e.buildMappings(scope, claims, observedByID)
	stats.Matched = claims.len()

	return &Result{
		Scope:     scope,
		Mappings:  mappings,
		Unmatched: pending,
		Stats:     stats,
	}, nil
}

// runStage evaluates s over pending in shards. found is index-aligned with
// pending; each shard writes only its own slots.
func (e *Engine) runStage(ctx context.Context, s match.Strategy, pending []model.PlannedRecord) ([]*model.MatchCandidate, error) {
	found := make([]*model.MatchCandidate, len(pending))
	if len(pending) == 0 {
		return found, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for start := 0; start < len(pending); start += e.cfg.ShardSize {
		end := min(start+e.cfg.ShardSize, len(pending))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if c, ok := s.Match(pending[i]); ok {
					found[i] = &c
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

func (e *Engine) buildMappings(scope string, c *claims, observedByID map[string]model.ObservedRecord) []model.ConfirmedMapping {
	byKey := make(map[model.MappingKey]int, c.len())
	out := make([]model.ConfirmedMapping, 0, c.len())

	for _, cl := range c.ordered() {
		o := observedByID[cl.candidate.ObservedID]
		m := model.ConfirmedMapping{
			ProjectScope:       scope,
			PlannedIdentifier:  cl.planned.Key(),
			ObservedIdentifier: o.Key(),
			PlannedID:          cl.planned.ID,
			ObservedID:         o.ID,
			Kind:               cl.planned.Kind,
			MatchType:          cl.candidate.Strategy,
			Confidence:         e.scorer.ScoreCandidate(cl.candidate),
			DistanceMeters:     cl.candidate.DistanceMeters,
		}
		// Two planned records sharing an identifier can land on the same key.
		if i, ok := byKey[m.Key()]; ok {
			if m.Confidence > out[i].Confidence {
				out[i] = m
			}
			continue
		}
		byKey[m.Key()] = len(out)
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PlannedIdentifier != out[j].PlannedIdentifier {
			return out[i].PlannedIdentifier < out[j].PlannedIdentifier
		}
		return out[i].ObservedIdentifier < out[j].ObservedIdentifier
	})
	return out
}

// acceptPlanned keeps valid, in-scope planned records, unique by ID and ordered by ID.
func acceptPlanned(log *zap.Logger, scope string, planned []model.PlannedRecord, stats *model.RunStats) []model.PlannedRecord {
	seen := make(map[string]bool, len(planned))
	out := make([]model.PlannedRecord, 0, len(planned))
	for _, p := range planned {
		if p.ProjectScope != scope {
			continue
		}
		if err := p.Validate(); err != nil {
			log.Warn("rejecting planned record", zap.String("planned_id", p.ID), zap.Error(err))
			stats.Rejected++
			continue
		}
		if seen[p.ID] {
			log.Warn("duplicate planned id, keeping first", zap.String("planned_id", p.ID))
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// acceptObserved keeps valid, in-scope observed records, unique by ID and ordered by ID.
func acceptObserved(log *zap.Logger, scope string, observed []model.ObservedRecord, stats *model.RunStats) []model.ObservedRecord {
	seen := make(map[string]bool, len(observed))
	out := make([]model.ObservedRecord, 0, len(observed))
	for _, o := range observed {
		if o.ProjectScope != scope {
			continue
		}
		if err := o.Validate(); err != nil {
			log.Warn("rejecting observed record", zap.String("observed_id", o.ID), zap.Error(err))
			stats.Rejected++
			continue
		}
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
