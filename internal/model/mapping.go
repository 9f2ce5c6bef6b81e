package model

import (
	"time"
)

// MatchType identifies the strategy that produced a correspondence.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchNormalized MatchType = "normalized"
	MatchProximity  MatchType = "proximity"
)

// Precedence is the fixed strategy order. Lower index wins.
var Precedence = []MatchType{MatchExact, MatchNormalized, MatchProximity}

// Evidence records what a strategy compared to produce a candidate.
type Evidence struct {
	PlannedValue  string `json:"planned_value"`
	ObservedValue string `json:"observed_value"`
	// CoordinateGapMeters is the planned/observed distance when both carry
	// coordinates. Identifier strategies use it as a geographic sanity check.
	CoordinateGapMeters *float64 `json:"coordinate_gap_meters,omitempty"`
	// Candidates is how many observed records qualified before the tie-break.
	Candidates int `json:"candidates"`
}

// MatchCandidate is an uncommitted correspondence produced by one strategy.
type MatchCandidate struct {
	PlannedID      string    `json:"planned_id"`
	ObservedID     string    `json:"observed_id"`
	Strategy       MatchType `json:"strategy"`
	DistanceMeters *float64  `json:"distance_meters,omitempty"`
	Evidence       Evidence  `json:"evidence"`
}

// ConfirmedMapping is the persisted planned ↔ observed correspondence.
// Unique on (ProjectScope, PlannedIdentifier, ObservedIdentifier).
type ConfirmedMapping struct {
	ProjectScope       string    `json:"project_scope"`
	PlannedIdentifier  string    `json:"planned_identifier"`
	ObservedIdentifier string    `json:"observed_identifier"`
	PlannedID          string    `json:"planned_id"`
	ObservedID         string    `json:"observed_id"`
	Kind               Kind      `json:"kind"`
	MatchType          MatchType `json:"match_type"`
	Confidence         float64   `json:"confidence"`
	DistanceMeters     *float64  `json:"distance_meters,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MappingKey is the natural key of a ConfirmedMapping.
type MappingKey struct {
	ProjectScope       string
	PlannedIdentifier  string
	ObservedIdentifier string
}

// Key returns the natural key of m.
func (m ConfirmedMapping) Key() MappingKey {
	return MappingKey{
		ProjectScope:       m.ProjectScope,
		PlannedIdentifier:  m.PlannedIdentifier,
		ObservedIdentifier: m.ObservedIdentifier,
	}
}
