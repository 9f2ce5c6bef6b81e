// Package report aggregates confirmed mappings into a per-scope reconciliation
// summary. It never writes to storage.
package report

import (
	"sort"

	"github.com/sells-group/asset-reconcile/internal/model"
)

// Options bounds the samples carried in a Report.
type Options struct {
	SampleSize     int
	HighConfidence float64
}

// DefaultOptions returns the sample size and high-confidence threshold used
// when none are configured.
func DefaultOptions() Options {
	return Options{SampleSize: 5, HighConfidence: 0.8}
}

// TypeBreakdown summarizes the mappings produced by one strategy.
type TypeBreakdown struct {
	MatchType     model.MatchType `json:"match_type" yaml:"match_type"`
	Count         int             `json:"count" yaml:"count"`
	AvgConfidence float64         `json:"avg_confidence" yaml:"avg_confidence"`
}

// DistanceStats describes proximity match distances in meters.
type DistanceStats struct {
	Count  int     `json:"count" yaml:"count"`
	Min    float64 `json:"min_meters" yaml:"min_meters"`
	Median float64 `json:"median_meters" yaml:"median_meters"`
	Max    float64 `json:"max_meters" yaml:"max_meters"`
}

// MappingSample is one mapping shown in a report sample.
type MappingSample struct {
	PlannedIdentifier  string          `json:"planned_identifier" yaml:"planned_identifier"`
	ObservedIdentifier string          `json:"observed_identifier" yaml:"observed_identifier"`
	MatchType          model.MatchType `json:"match_type" yaml:"match_type"`
	Confidence         float64         `json:"confidence" yaml:"confidence"`
	DistanceMeters     *float64        `json:"distance_meters,omitempty" yaml:"distance_meters,omitempty"`
}

// UnmatchedSample is one planned record with no field counterpart.
type UnmatchedSample struct {
	ID         string     `json:"id" yaml:"id"`
	Identifier string     `json:"identifier" yaml:"identifier"`
	Kind       model.Kind `json:"kind" yaml:"kind"`
}

// Report is the aggregate view of one scope's reconciliation state.
type Report struct {
	Scope           string            `json:"scope" yaml:"scope"`
	TotalPlanned    int               `json:"total_planned" yaml:"total_planned"`
	Rejected        int               `json:"rejected" yaml:"rejected"`
	Matched         int               `json:"matched" yaml:"matched"`
	MatchedPct      float64           `json:"matched_pct" yaml:"matched_pct"`
	Mappings        int               `json:"mappings" yaml:"mappings"`
	ByType          []TypeBreakdown   `json:"by_type" yaml:"by_type"`
	Proximity       *DistanceStats    `json:"proximity,omitempty" yaml:"proximity,omitempty"`
	HighConfidence  []MappingSample   `json:"high_confidence" yaml:"high_confidence"`
	Unmatched       int               `json:"unmatched" yaml:"unmatched"`
	UnmatchedSample []UnmatchedSample `json:"unmatched_sample" yaml:"unmatched_sample"`
}

// Build aggregates mappings against the planned inventory for scope. Planned
// records from other scopes are ignored; records that could never match are
// counted as rejected rather than planned.
func Build(scope string, planned []model.PlannedRecord, mappings []model.ConfirmedMapping, opts Options) *Report {
	if opts.SampleSize < 0 {
		opts.SampleSize = 0
	}
	r := &Report{
		Scope:           scope,
		ByType:          []TypeBreakdown{},
		HighConfidence:  []MappingSample{},
		UnmatchedSample: []UnmatchedSample{},
	}

	mapped := make(map[string]bool, len(mappings))
	var inScope []model.ConfirmedMapping
	for _, m := range mappings {
		if m.ProjectScope != scope {
			continue
		}
		inScope = append(inScope, m)
		mapped[m.PlannedIdentifier] = true
	}
	r.Mappings = len(inScope)

	var unmatched []model.PlannedRecord
	seen := make(map[string]bool, len(planned))
	for _, p := range planned {
		if p.ProjectScope != scope || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		if p.Validate() != nil {
			r.Rejected++
			continue
		}
		r.TotalPlanned++
		if mapped[p.Key()] {
			r.Matched++
			continue
		}
		unmatched = append(unmatched, p)
	}
	if r.TotalPlanned > 0 {
		r.MatchedPct = float64(r.Matched) / float64(r.TotalPlanned) * 100
	}

	r.ByType = breakdown(inScope)
	r.Proximity = proximityStats(inScope)
	r.HighConfidence = highConfidence(inScope, opts)

	r.Unmatched = len(unmatched)
	sort.Slice(unmatched, func(i, j int) bool { return unmatched[i].ID < unmatched[j].ID })
	for _, p := range unmatched[:min(len(unmatched), opts.SampleSize)] {
		r.UnmatchedSample = append(r.UnmatchedSample, UnmatchedSample{ID: p.ID, Identifier: p.Identifier, Kind: p.Kind})
	}
	return r
}

func breakdown(mappings []model.ConfirmedMapping) []TypeBreakdown {
	counts := make(map[model.MatchType]int)
	sums := make(map[model.MatchType]float64)
	for _, m := range mappings {
		counts[m.MatchType]++
		sums[m.MatchType] += m.Confidence
	}
	out := make([]TypeBreakdown, 0, len(model.Precedence))
	for _, t := range model.Precedence {
		b := TypeBreakdown{MatchType: t, Count: counts[t]}
		if b.Count > 0 {
			b.AvgConfidence = sums[t] / float64(b.Count)
		}
		out = append(out, b)
	}
	return out
}

func proximityStats(mappings []model.ConfirmedMapping) *DistanceStats {
	var d []float64
	for _, m := range mappings {
		if m.MatchType == model.MatchProximity && m.DistanceMeters != nil {
			d = append(d, *m.DistanceMeters)
		}
	}
	if len(d) == 0 {
		return nil
	}
	sort.Float64s(d)
	return &DistanceStats{
		Count:  len(d),
		Min:    d[0],
		Median: median(d),
		Max:    d[len(d)-1],
	}
}

// median expects sorted input.
func median(d []float64) float64 {
	mid := len(d) / 2
	if len(d)%2 == 0 {
		return (d[mid-1] + d[mid]) / 2
	}
	return d[mid]
}

func highConfidence(mappings []model.ConfirmedMapping, opts Options) []MappingSample {
	var hits []model.ConfirmedMapping
	for _, m := range mappings {
		if m.Confidence >= opts.HighConfidence {
			hits = append(hits, m)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Confidence != hits[j].Confidence {
			return hits[i].Confidence > hits[j].Confidence
		}
		di, dj := distanceOrZero(hits[i]), distanceOrZero(hits[j])
		if di != dj {
			return di < dj
		}
		return hits[i].PlannedIdentifier < hits[j].PlannedIdentifier
	})

	out := make([]MappingSample, 0, min(len(hits), opts.SampleSize))
	for _, m := range hits[:min(len(hits), opts.SampleSize)] {
		out = append(out, MappingSample{
			PlannedIdentifier:  m.PlannedIdentifier,
			ObservedIdentifier: m.ObservedIdentifier,
			MatchType:          m.MatchType,
			Confidence:         m.Confidence,
			DistanceMeters:     m.DistanceMeters,
		})
	}
	return out
}

func distanceOrZero(m model.ConfirmedMapping) float64 {
	if m.DistanceMeters == nil {
		return 0
	}
	return *m.DistanceMeters
}

// Totals is the grand total across several scope reports.
type Totals struct {
	Scopes     int     `json:"scopes" yaml:"scopes"`
	Planned    int     `json:"planned" yaml:"planned"`
	Matched    int     `json:"matched" yaml:"matched"`
	MatchedPct float64 `json:"matched_pct" yaml:"matched_pct"`
}

// Summarize adds up scope reports.
func Summarize(reports []*Report) Totals {
	var t Totals
	for _, r := range reports {
		if r == nil {
			continue
		}
		t.Scopes++
		t.Planned += r.TotalPlanned
		t.Matched += r.Matched
	}
	if t.Planned > 0 {
		t.MatchedPct = float64(t.Matched) / float64(t.Planned) * 100
	}
	return t
}
