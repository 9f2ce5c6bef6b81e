// Package match implements the identifier and proximity strategies that
// propose planned ↔ observed correspondences.
package match

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/asset-reconcile/internal/model"
	"github.com/sells-group/asset-reconcile/internal/normalize"
	"github.com/sells-group/asset-reconcile/internal/spatial"
)

// Strategy proposes at most one observed record for a planned record.
// Implementations are read-only after construction and safe for concurrent use.
type Strategy interface {
	Name() model.MatchType
	Match(p model.PlannedRecord) (model.MatchCandidate, bool)
}

// Build returns the strategies in precedence order over one scope's observed records.
func Build(observed []model.ObservedRecord, n *normalize.Normalizer, idx *spatial.Index, radiusMeters float64) []Strategy {
	return []Strategy{
		NewExact(observed),
		NewNormalized(observed, n),
		NewProximity(idx, radiusMeters),
	}
}

// lookup groups observed records by a derived key, each group ordered so the
// winning record comes first.
type lookup map[string][]model.ObservedRecord

func newLookup(observed []model.ObservedRecord, keyFn func(string) string) lookup {
	l := make(lookup)
	for _, o := range observed {
		if strings.TrimSpace(o.Identifier) == "" {
			continue
		}
		k := keyFn(o.Identifier)
		if k == "" {
			continue
		}
		l[k] = append(l[k], o)
	}
	for _, group := range l {
		sort.Slice(group, func(i, j int) bool { return group[i].Newer(group[j]) })
	}
	return l
}

func (l lookup) match(strategy model.MatchType, p model.PlannedRecord, key, plannedValue string, valueFn func(string) string) (model.MatchCandidate, bool) {
	group := l[key]
	if len(group) == 0 {
		return model.MatchCandidate{}, false
	}
	winner := group[0]
	if len(group) > 1 {
		zap.L().Info("match: ambiguous identifier, latest observation wins",
			zap.String("strategy", string(strategy)),
			zap.String("scope", p.ProjectScope),
			zap.String("planned_id", p.ID),
			zap.String("observed_id", winner.ID),
			zap.Int("candidates", len(group)),
		)
	}
	return model.MatchCandidate{
		PlannedID:  p.ID,
		ObservedID: winner.ID,
		Strategy:   strategy,
		Evidence: model.Evidence{
			PlannedValue:        plannedValue,
			ObservedValue:       valueFn(winner.Identifier),
			CoordinateGapMeters: spatial.Distance(p, winner),
			Candidates:          len(group),
		},
	}, true
}

func identity(s string) string { return s }

// Exact matches raw identifiers byte for byte.
type Exact struct {
	byIdentifier lookup
}

// NewExact indexes observed records by raw identifier.
func NewExact(observed []model.ObservedRecord) *Exact {
	return &Exact{byIdentifier: newLookup(observed, identity)}
}

// Name implements Strategy.
func (e *Exact) Name() model.MatchType { return model.MatchExact }

// Match implements Strategy.
func (e *Exact) Match(p model.PlannedRecord) (model.MatchCandidate, bool) {
	if strings.TrimSpace(p.Identifier) == "" {
		return model.MatchCandidate{}, false
	}
	return e.byIdentifier.match(model.MatchExact, p, p.Identifier, p.Identifier, identity)
}

// Normalized matches identifiers that agree after normalization.
type Normalized struct {
	n            *normalize.Normalizer
	byNormalized lookup
}

// NewNormalized indexes observed records by normalized identifier.
func NewNormalized(observed []model.ObservedRecord, n *normalize.Normalizer) *Normalized {
	if n == nil {
		n = normalize.New(nil)
	}
	return &Normalized{n: n, byNormalized: newLookup(observed, n.Normalize)}
}

// Name implements Strategy.
func (s *Normalized) Name() model.MatchType { return model.MatchNormalized }

// Match implements Strategy.
func (s *Normalized) Match(p model.PlannedRecord) (model.MatchCandidate, bool) {
	if p.Identifier == "" {
		return model.MatchCandidate{}, false
	}
	key := s.n.Normalize(p.Identifier)
	if key == "" {
		return model.MatchCandidate{}, false
	}
	return s.byNormalized.match(model.MatchNormalized, p, key, key, s.n.Normalize)
}

// Proximity matches the nearest observed record within a fixed radius.
type Proximity struct {
	idx    *spatial.Index
	radius float64
}

// NewProximity wraps a spatial index with the match radius.
func NewProximity(idx *spatial.Index, radiusMeters float64) *Proximity {
	return &Proximity{idx: idx, radius: radiusMeters}
}

// Name implements Strategy.
func (s *Proximity) Name() model.MatchType { return model.MatchProximity }

// Match implements Strategy.
func (s *Proximity) Match(p model.PlannedRecord) (model.MatchCandidate, bool) {
	if !p.HasCoords() || s.idx == nil {
		return model.MatchCandidate{}, false
	}
	neighbours := s.idx.Within(*p.Latitude, *p.Longitude, s.radius)
	if len(neighbours) == 0 {
		return model.MatchCandidate{}, false
	}
	best := neighbours[0]
	if len(neighbours) > 1 && neighbours[1].DistanceMeters == best.DistanceMeters {
		zap.L().Info("match: equidistant observations, latest wins",
			zap.String("scope", p.ProjectScope),
			zap.String("planned_id", p.ID),
			zap.String("observed_id", best.Record.ID),
			zap.Int("candidates", len(neighbours)),
		)
	}
	d := best.DistanceMeters
	return model.MatchCandidate{
		PlannedID:      p.ID,
		ObservedID:     best.Record.ID,
		Strategy:       model.MatchProximity,
		DistanceMeters: &d,
		Evidence: model.Evidence{
			PlannedValue:        p.Identifier,
			ObservedValue:       best.Record.Identifier,
			CoordinateGapMeters: &d,
			Candidates:          len(neighbours),
		},
	}, true
}
