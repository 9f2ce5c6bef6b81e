package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/asset-reconcile/internal/config"
	"github.com/sells-group/asset-reconcile/internal/match"
	"github.com/sells-group/asset-reconcile/internal/model"
	"github.com/sells-group/asset-reconcile/internal/scorer"
	"github.com/sells-group/asset-reconcile/internal/spatial"
)

func testReconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		RadiusMeters:   50,
		Workers:        4,
		ShardSize:      2,
		SampleSize:     5,
		HighConfidence: 0.8,
		VerifyMeters:   1000,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(testReconcileConfig(), scorer.DefaultConfidence(), nil)
	require.NoError(t, err)
	return e
}

// metersNorth returns lat shifted d meters north.
func metersNorth(lat, d float64) float64 {
	return lat + d/(spatial.EarthRadiusMeters*math.Pi/180)
}

func findMapping(t *testing.T, mappings []model.ConfirmedMapping, plannedID string) model.ConfirmedMapping {
	t.Helper()
	for _, m := range mappings {
		if m.PlannedID == plannedID {
			return m
		}
	}
	require.Failf(t, "mapping not found", "planned %s", plannedID)
	return model.ConfirmedMapping{}
}

func TestEngine_NormalizedMatch(t *testing.T) {
	e := newTestEngine(t)

	planned := []model.PlannedRecord{
		{ID: "P1", Identifier: "LAW.P.B850", Latitude: model.Float(-26.100), Longitude: model.Float(27.900), ProjectScope: "LAW"},
	}
	observed := []model.ObservedRecord{
		{ID: "O1", Identifier: "LAW.P.850", Latitude: model.Float(-26.1001), Longitude: model.Float(27.9001), ProjectScope: "LAW"},
	}

	got, err := e.Reconcile(context.Background(), planned, observed, "LAW")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MatchNormalized, got[0].MatchType)
	assert.Equal(t, "O1", got[0].ObservedID)
	assert.Equal(t, "LAW.P.B850", got[0].PlannedIdentifier)
	assert.Equal(t, "LAW.P.850", got[0].ObservedIdentifier)
	assert.GreaterOrEqual(t, got[0].Confidence, 0.55)
}

func TestEngine_NormalizedUnverifiedWithoutCoords(t *testing.T) {
	e := newTestEngine(t)

	got, err := e.Reconcile(context.Background(),
		[]model.PlannedRecord{{ID: "P1", Identifier: "LAW.P.B850", ProjectScope: "LAW"}},
		[]model.ObservedRecord{{ID: "O1", Identifier: "law.p.850", ProjectScope: "LAW"}},
		"LAW")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MatchNormalized, got[0].MatchType)
	assert.InDelta(t, 0.40, got[0].Confidence, 1e-9)
}

func TestEngine_ExactMatchWithoutCoords(t *testing.T) {
	e := newTestEngine(t)

	got, err := e.Reconcile(context.Background(),
		[]model.PlannedRecord{{ID: "P2", Identifier: "VF079", ProjectScope: "LAW"}},
		[]model.ObservedRecord{{ID: "O2", Identifier: "VF079", ProjectScope: "LAW"}},
		"LAW")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MatchExact, got[0].MatchType)
	assert.InDelta(t, 0.95, got[0].Confidence, 1e-9)
	assert.Nil(t, got[0].DistanceMeters)
}

func TestEngine_ProximityMatch(t *testing.T) {
	e := newTestEngine(t)

	planned := []model.PlannedRecord{
		{ID: "P3", Identifier: "XX-999", Latitude: model.Float(-26.200), Longitude: model.Float(28.000), ProjectScope: "LAW"},
	}
	observed := []model.ObservedRecord{
		{ID: "O3", Identifier: "UNRELATED-1", Latitude: model.Float(metersNorth(-26.200, 12)), Longitude: model.Float(28.000), ProjectScope: "LAW"},
		{ID: "O4", Identifier: "UNRELATED-2", Latitude: model.Float(metersNorth(-26.200, 400)), Longitude: model.Float(28.000), ProjectScope: "LAW"},
	}

	got, err := e.Reconcile(context.Background(), planned, observed, "LAW")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MatchProximity, got[0].MatchType)
	assert.Equal(t, "O3", got[0].ObservedID)
	require.NotNil(t, got[0].DistanceMeters)
	assert.InDelta(t, 12, *got[0].DistanceMeters, 0.01)
	assert.InDelta(t, 0.766, got[0].Confidence, 1e-3)
}

func TestEngine_BlankIdentifiersKeyByID(t *testing.T) {
	e := newTestEngine(t)

	planned := []model.PlannedRecord{
		{ID: "P6", Identifier: "   ", Latitude: model.Float(-26.200), Longitude: model.Float(28.000), ProjectScope: "LAW"},
		{ID: "P7", Identifier: "\t", Latitude: model.Float(metersNorth(-26.200, 5)), Longitude: model.Float(28.000), ProjectScope: "LAW"},
	}
	observed := []model.ObservedRecord{
		{ID: "O3", Identifier: "FIELD-7", Latitude: model.Float(metersNorth(-26.200, 2)), Longitude: model.Float(28.000), ProjectScope: "LAW"},
	}

	got, err := e.Reconcile(context.Background(), planned, observed, "LAW")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "P6", findMapping(t, got, "P6").PlannedIdentifier)
	assert.Equal(t, "P7", findMapping(t, got, "P7").PlannedIdentifier)
}

func TestEngine_RejectsUnlocatableRecords(t *testing.T) {
	e := newTestEngine(t)

	planned := []model.PlannedRecord{
		{ID: "P4", ProjectScope: "LAW"},
		{ID: "P5", Identifier: "VF080", ProjectScope: "LAW"},
	}
	observed := []model.ObservedRecord{
		{ID: "O9", ProjectScope: "LAW"},
		{ID: "O5", Identifier: "VF080", ProjectScope: "LAW"},
	}

	res, err := e.Evaluate(context.Background(), "LAW", planned, observed)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Rejected)
	assert.Equal(t, 1, res.Stats.Planned)
	assert.Equal(t, 1, res.Stats.Observed)
	require.Len(t, res.Mappings, 1)
	assert.Equal(t, "P5", res.Mappings[0].PlannedID)
	for _, u := range res.Unmatched {
		assert.NotEqual(t, "P4", u.ID)
	}
}

func TestEngine_LatestObservationWins(t *testing.T) {
	e := newTestEngine(t)

	t1 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(48 * time.Hour)
	observed := []model.ObservedRecord{
		{ID: "O-late", Identifier: "DR100", ProjectScope: "LAW", CollectedAt: t2},
		{ID: "O-early", Identifier: "DR100", ProjectScope: "LAW", CollectedAt: t1},
	}
	planned := []model.PlannedRecord{{ID: "P6", Kind: model.KindDrop, Identifier: "DR100", ProjectScope: "LAW"}}

	for range 3 {
		got, err := e.Reconcile(context.Background(), planned, observed, "LAW")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "O-late", got[0].ObservedID)
		assert.Equal(t, model.KindDrop, got[0].Kind)
		// Reverse input order; outcome must not change.
		observed[0], observed[1] = observed[1], observed[0]
	}
}

// countingStrategy records every planned ID each stage is asked to match.
type countingStrategy struct {
	match.Strategy
	mu   *sync.Mutex
	seen map[model.MatchType][]string
}

func (c countingStrategy) Match(p model.PlannedRecord) (model.MatchCandidate, bool) {
	c.mu.Lock()
	c.seen[c.Name()] = append(c.seen[c.Name()], p.ID)
	c.mu.Unlock()
	return c.Strategy.Match(p)
}

func TestEngine_ClaimedRecordsSkipLaterStages(t *testing.T) {
	e := newTestEngine(t)
	var mu sync.Mutex
	seen := make(map[model.MatchType][]string)
	e.wrap = func(s match.Strategy) match.Strategy {
		return countingStrategy{Strategy: s, mu: &mu, seen: seen}
	}

	lat, lon := -26.2, 28.0
	planned := []model.PlannedRecord{
		// Exact match that would also qualify for proximity.
		{ID: "P1", Identifier: "VF079", Latitude: model.Float(lat), Longitude: model.Float(lon), ProjectScope: "LAW"},
		{ID: "P2", Identifier: "LAW.P.B850", ProjectScope: "LAW"},
		{ID: "P3", Identifier: "NONE", Latitude: model.Float(metersNorth(lat, 5000)), Longitude: model.Float(lon), ProjectScope: "LAW"},
	}
	observed := []model.ObservedRecord{
		{ID: "O1", Identifier: "VF079", Latitude: model.Float(metersNorth(lat, 3)), Longitude: model.Float(lon), ProjectScope: "LAW"},
		{ID: "O2", Identifier: "LAW.P.850", ProjectScope: "LAW"},
		{ID: "O3", Identifier: "OTHER", Latitude: model.Float(metersNorth(lat, 5010)), Longitude: model.Float(lon), ProjectScope: "LAW"},
	}

	res, err := e.Evaluate(context.Background(), "LAW", planned, observed)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"P1", "P2", "P3"}, seen[model.MatchExact])
	assert.ElementsMatch(t, []string{"P2", "P3"}, seen[model.MatchNormalized])
	assert.ElementsMatch(t, []string{"P3"}, seen[model.MatchProximity])

	assert.Equal(t, 1, res.Stats.ByStrategy[model.MatchExact])
	assert.Equal(t, 1, res.Stats.ByStrategy[model.MatchNormalized])
	assert.Equal(t, 1, res.Stats.ByStrategy[model.MatchProximity])
	assert.Equal(t, 3, res.Stats.Matched)
	assert.Empty(t, res.Unmatched)

	assert.Equal(t, model.MatchExact, findMapping(t, res.Mappings, "P1").MatchType)
	assert.Equal(t, model.MatchNormalized, findMapping(t, res.Mappings, "P2").MatchType)
	assert.Equal(t, model.MatchProximity, findMapping(t, res.Mappings, "P3").MatchType)
}

func TestEngine_Deterministic(t *testing.T) {
	e := newTestEngine(t)

	var planned []model.PlannedRecord
	var observed []model.ObservedRecord
	base := -26.0
	for i := range 40 {
		id := fmt.Sprintf("%03d", i)
		lat := metersNorth(base, float64(i)*100)
		planned = append(planned, model.PlannedRecord{
			ID: "P-" + id, Identifier: "LAW.P.B" + id, Latitude: model.Float(lat), Longitude: model.Float(28.0), ProjectScope: "LAW",
		})
		if i%3 == 0 {
			observed = append(observed, model.ObservedRecord{
				ID: "O-" + id, Identifier: "LAW.P." + id, ProjectScope: "LAW",
			})
		} else if i%3 == 1 {
			observed = append(observed, model.ObservedRecord{
				ID: "O-" + id, Latitude: model.Float(metersNorth(lat, 10)), Longitude: model.Float(28.0), ProjectScope: "LAW",
			})
		}
	}

	first, err := e.Reconcile(context.Background(), planned, observed, "LAW")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	for i, j := 0, len(planned)-1; i < j; i, j = i+1, j-1 {
		planned[i], planned[j] = planned[j], planned[i]
	}
	second, err := e.Reconcile(context.Background(), planned, observed, "LAW")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		assert.LessOrEqual(t, first[i-1].PlannedIdentifier, first[i].PlannedIdentifier)
	}
}

func TestEngine_ScopeIsolation(t *testing.T) {
	e := newTestEngine(t)

	planned := []model.PlannedRecord{
		{ID: "P1", Identifier: "VF079", ProjectScope: "LAW"},
		{ID: "P2", Identifier: "VF079", ProjectScope: "MOH"},
	}
	observed := []model.ObservedRecord{
		{ID: "O1", Identifier: "VF079", ProjectScope: "MOH"},
	}

	got, err := e.Reconcile(context.Background(), planned, observed, "LAW")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = e.Reconcile(context.Background(), planned, observed, "MOH")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "P2", got[0].PlannedID)
	assert.Equal(t, "MOH", got[0].ProjectScope)
}

func TestEngine_SharedIdentifierKeepsHighestConfidence(t *testing.T) {
	e := newTestEngine(t)

	lat, lon := -26.2, 28.0
	planned := []model.PlannedRecord{
		{ID: "P1", Identifier: "LAW.P.B850", ProjectScope: "LAW"},
		{ID: "P2", Identifier: "LAW.P.B850", Latitude: model.Float(lat), Longitude: model.Float(lon), ProjectScope: "LAW"},
	}
	observed := []model.ObservedRecord{
		{ID: "O1", Identifier: "LAW.P.850", Latitude: model.Float(metersNorth(lat, 20)), Longitude: model.Float(lon), ProjectScope: "LAW"},
	}

	got, err := e.Reconcile(context.Background(), planned, observed, "LAW")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "P2", got[0].PlannedID)
	assert.InDelta(t, 0.55, got[0].Confidence, 1e-9)
}

func TestEngine_EmptyInputs(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Evaluate(context.Background(), "LAW", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Mappings)
	assert.Empty(t, res.Unmatched)
	assert.Zero(t, res.Stats.Matched)
}

func TestEngine_Cancelled(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Evaluate(ctx, "LAW",
		[]model.PlannedRecord{{ID: "P1", Identifier: "A", ProjectScope: "LAW"}},
		[]model.ObservedRecord{{ID: "O1", Identifier: "A", ProjectScope: "LAW"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_RequiresScope(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Evaluate(context.Background(), "", nil, nil)
	require.Error(t, err)
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	cfg := testReconcileConfig()
	cfg.RadiusMeters = 0
	_, err := NewEngine(cfg, scorer.DefaultConfidence(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radius_meters")

	for _, radius := range []float64{math.NaN(), math.Inf(1)} {
		cfg := testReconcileConfig()
		cfg.RadiusMeters = radius
		_, err := NewEngine(cfg, scorer.DefaultConfidence(), nil)
		require.Error(t, err, "radius %v", radius)
		assert.Contains(t, err.Error(), "radius_meters")
	}

	table := scorer.DefaultConfidence()
	table.Exact = 0.1
	_, err = NewEngine(testReconcileConfig(), table, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be the highest confidence")
}

func TestClaims_DoubleClaim(t *testing.T) {
	c := newClaims()
	p := model.PlannedRecord{ID: "P1"}
	require.NoError(t, c.add(p, model.MatchCandidate{Strategy: model.MatchExact}))
	err := c.add(p, model.MatchCandidate{Strategy: model.MatchProximity})
	require.Error(t, err)
	assert.Equal(t, 1, c.len())
}
