// Package scorer maps a match strategy and its evidence onto a confidence in [0,1].
package scorer

import (
	"github.com/sells-group/asset-reconcile/internal/config"
)

// DefaultConfidence returns the default confidence table.
func DefaultConfidence() config.ConfidenceConfig {
	return config.ConfidenceConfig{
		Exact:                0.95,
		NormalizedVerified:   0.55,
		NormalizedUnverified: 0.40,
		ProximityMax:         0.85,
		ProximityMin:         0.50,
	}
}

// DefaultVerifyMeters is how close identifier matches must sit to count as verified.
const DefaultVerifyMeters = 1000.0
