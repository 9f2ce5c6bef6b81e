package scorer

import (
	"math"

	"github.com/sells-group/asset-reconcile/internal/config"
	"github.com/sells-group/asset-reconcile/internal/model"
)

// Scorer assigns confidences from a fixed table. Stateless and safe for concurrent use.
type Scorer struct {
	table        config.ConfidenceConfig
	radius       float64
	verifyMeters float64
}

// New creates a Scorer. radiusMeters scales proximity decay; verifyMeters is
// the coordinate gap under which a normalized match counts as verified.
func New(table config.ConfidenceConfig, radiusMeters, verifyMeters float64) *Scorer {
	if verifyMeters <= 0 {
		verifyMeters = DefaultVerifyMeters
	}
	return &Scorer{table: table, radius: radiusMeters, verifyMeters: verifyMeters}
}

// Score returns the confidence for strategy given a distance. For proximity the
// distance is the match distance; for normalized it is the planned/observed
// coordinate gap, nil when either side lacks coordinates. Exact ignores it.
func (s *Scorer) Score(strategy model.MatchType, distanceMeters *float64) float64 {
	switch strategy {
	case model.MatchExact:
		return s.table.Exact
	case model.MatchNormalized:
		if distanceMeters != nil && *distanceMeters <= s.verifyMeters {
			return s.table.NormalizedVerified
		}
		return s.table.NormalizedUnverified
	case model.MatchProximity:
		if distanceMeters == nil || s.radius <= 0 {
			return s.table.ProximityMin
		}
		span := s.table.ProximityMax - s.table.ProximityMin
		c := s.table.ProximityMax - span*(*distanceMeters/s.radius)
		return math.Max(s.table.ProximityMin, math.Min(s.table.ProximityMax, c))
	default:
		return 0
	}
}

// ScoreCandidate scores a candidate using the distance its strategy cares about.
func (s *Scorer) ScoreCandidate(c model.MatchCandidate) float64 {
	if c.Strategy == model.MatchProximity {
		return s.Score(c.Strategy, c.DistanceMeters)
	}
	return s.Score(c.Strategy, c.Evidence.CoordinateGapMeters)
}
