// Package model defines the inventory, matching, and mapping types shared by the reconciliation engine.
package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Kind classifies a physical network asset.
type Kind string

const (
	KindPole Kind = "pole"
	KindDrop Kind = "drop"
)

// ParseKind maps free-form inventory values onto a Kind. Unknown values
// default to pole, which is what both inventories carry most of.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop", "drops", "service_drop", "service drop":
		return KindDrop
	default:
		return KindPole
	}
}

// ErrInvalidRecord is returned for records that carry neither an identifier
// nor coordinates and therefore cannot be matched by any strategy.
var ErrInvalidRecord = eris.New("model: record has no identifier and no coordinates")

// PlannedRecord is one asset from the engineering design (SOW) inventory.
type PlannedRecord struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Identifier   string   `json:"identifier"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	ProjectScope string   `json:"project_scope"`
}

// HasCoords reports whether both coordinates are present.
func (p PlannedRecord) HasCoords() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Key returns the identifier used in mapping keys, falling back to the opaque ID
// for records that are only locatable by coordinates.
func (p PlannedRecord) Key() string {
	if strings.TrimSpace(p.Identifier) != "" {
		return p.Identifier
	}
	return p.ID
}

// Validate rejects records no strategy could ever match.
func (p PlannedRecord) Validate() error {
	return validate(p.ID, p.Identifier, p.Latitude, p.Longitude)
}

// ObservedRecord is one asset collected in the field survey (OneMap).
type ObservedRecord struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Identifier   string    `json:"identifier"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	ProjectScope string    `json:"project_scope"`
	CollectedAt  time.Time `json:"collected_at"`
}

// HasCoords reports whether both coordinates are present.
func (o ObservedRecord) HasCoords() bool {
	return o.Latitude != nil && o.Longitude != nil
}

// Key returns the identifier used in mapping keys, falling back to the opaque ID.
func (o ObservedRecord) Key() string {
	if strings.TrimSpace(o.Identifier) != "" {
		return o.Identifier
	}
	return o.ID
}

// Validate rejects records no strategy could ever match.
func (o ObservedRecord) Validate() error {
	return validate(o.ID, o.Identifier, o.Latitude, o.Longitude)
}

// Newer reports whether o should win a tie against other: the later field
// visit wins, and equal visit times fall back to the lower ID.
func (o ObservedRecord) Newer(other ObservedRecord) bool {
	if !o.CollectedAt.Equal(other.CollectedAt) {
		return o.CollectedAt.After(other.CollectedAt)
	}
	return o.ID < other.ID
}

func validate(id, identifier string, lat, lon *float64) error {
	if strings.TrimSpace(id) == "" {
		return eris.New("model: record has no id")
	}
	hasCoords := lat != nil && lon != nil
	if strings.TrimSpace(identifier) == "" && !hasCoords {
		return ErrInvalidRecord
	}
	if hasCoords {
		if *lat < -90 || *lat > 90 {
			return eris.Errorf("model: latitude %f out of range", *lat)
		}
		if *lon < -180 || *lon > 180 {
			return eris.Errorf("model: longitude %f out of range", *lon)
		}
	}
	return nil
}

// Float returns a pointer to v. Convenience for optional coordinates.
func Float(v float64) *float64 {
	return &v
}
