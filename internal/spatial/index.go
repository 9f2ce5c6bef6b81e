// Package spatial provides a grid-bucket index over observed asset coordinates
// for fixed-radius neighbour queries.
package spatial

import (
	"math"
	"sort"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/asset-reconcile/internal/model"
)

const (
	// EarthRadiusMeters is the IUGG mean earth radius.
	EarthRadiusMeters = 6371008.8

	metersPerDegreeLat = 111320.0
	maxLat             = 89.0
)

// Neighbour is an observed record found within a query radius.
type Neighbour struct {
	Record         model.ObservedRecord
	DistanceMeters float64
}

type cellKey struct {
	row, col int64
}

type entry struct {
	rec model.ObservedRecord
	pt  *geom.Point
}

// Index buckets observed records into lat/lon grid cells. Immutable after
// Build and safe for concurrent queries. Longitudes are not wrapped at the
// antimeridian.
type Index struct {
	cellMeters float64
	latStep    float64
	lonStep    float64
	cells      map[cellKey][]entry
	bounds     *geom.Bounds
	size       int
}

// Build indexes every observed record that carries coordinates. cellMeters
// is the grid edge; queries with a radius at or below it scan a 3×3 block.
func Build(observed []model.ObservedRecord, cellMeters float64) *Index {
	if cellMeters <= 0 {
		cellMeters = 50
	}
	idx := &Index{
		cellMeters: cellMeters,
		cells:      make(map[cellKey][]entry),
		bounds:     geom.NewBounds(geom.XY),
	}

	maxAbsLat := 0.0
	for _, o := range observed {
		if o.HasCoords() {
			maxAbsLat = math.Max(maxAbsLat, math.Abs(*o.Latitude))
		}
	}
	idx.latStep = cellMeters / metersPerDegreeLat
	// Size longitude cells for the widest-spread latitude so each cell spans
	// at least cellMeters east-west everywhere in the data set.
	idx.lonStep = cellMeters / (metersPerDegreeLat * math.Cos(clampLat(maxAbsLat)*math.Pi/180))

	for _, o := range observed {
		if !o.HasCoords() {
			continue
		}
		pt := geom.NewPointFlat(geom.XY, []float64{*o.Longitude, *o.Latitude})
		k := idx.key(*o.Latitude, *o.Longitude)
		idx.cells[k] = append(idx.cells[k], entry{rec: o, pt: pt})
		idx.bounds.Extend(pt)
		idx.size++
	}
	return idx
}

// Len returns the number of indexed records.
func (idx *Index) Len() int {
	return idx.size
}

// Bounds returns the extent of indexed points (x = longitude, y = latitude).
func (idx *Index) Bounds() *geom.Bounds {
	return idx.bounds
}

// Query returns coarse candidates from the cells covering a radiusMeters box
// around (lat, lon). Callers filter by exact distance; see Within.
func (idx *Index) Query(lat, lon, radiusMeters float64) []model.ObservedRecord {
	entries := idx.candidates(lat, lon, radiusMeters)
	if len(entries) == 0 {
		return nil
	}
	out := make([]model.ObservedRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// Within returns records whose haversine distance to (lat, lon) is at most
// radiusMeters, nearest first. Equal distances order by model.ObservedRecord.Newer.
func (idx *Index) Within(lat, lon, radiusMeters float64) []Neighbour {
	var out []Neighbour
	for _, e := range idx.candidates(lat, lon, radiusMeters) {
		d := Haversine(lat, lon, e.pt.Y(), e.pt.X())
		if d <= radiusMeters {
			out = append(out, Neighbour{Record: e.rec, DistanceMeters: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].Record.Newer(out[j].Record)
	})
	return out
}

func (idx *Index) candidates(lat, lon, radiusMeters float64) []entry {
	if idx.size == 0 || radiusMeters <= 0 {
		return nil
	}

	dLat := radiusMeters / metersPerDegreeLat
	dLon := radiusMeters / (metersPerDegreeLat * math.Cos(clampLat(lat)*math.Pi/180))

	box := geom.NewBounds(geom.XY).Set(lon-dLon, lat-dLat, lon+dLon, lat+dLat)
	if !idx.bounds.Overlaps(geom.XY, box) {
		return nil
	}

	kLat := int64(math.Ceil(dLat / idx.latStep))
	kLon := int64(math.Ceil(dLon / idx.lonStep))
	center := idx.key(lat, lon)

	var out []entry
	for r := center.row - kLat; r <= center.row+kLat; r++ {
		for c := center.col - kLon; c <= center.col+kLon; c++ {
			out = append(out, idx.cells[cellKey{row: r, col: c}]...)
		}
	}
	return out
}

func (idx *Index) key(lat, lon float64) cellKey {
	return cellKey{
		row: int64(math.Floor(lat / idx.latStep)),
		col: int64(math.Floor(lon / idx.lonStep)),
	}
}

func clampLat(lat float64) float64 {
	return math.Min(math.Abs(lat), maxLat)
}

// Haversine returns the great-circle distance in meters between two WGS84 points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Distance returns the meters between two records, or nil unless both carry coordinates.
func Distance(p model.PlannedRecord, o model.ObservedRecord) *float64 {
	if !p.HasCoords() || !o.HasCoords() {
		return nil
	}
	d := Haversine(*p.Latitude, *p.Longitude, *o.Latitude, *o.Longitude)
	return &d
}
