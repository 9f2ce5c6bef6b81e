package spatial

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is WGS84, the reference system of both inventories.
const SRID = 4326

// PointEWKB encodes a lat/lon pair as an EWKB point with SRID 4326.
// Returns nil, nil when either coordinate is missing.
func PointEWKB(lat, lon *float64) ([]byte, error) {
	if lat == nil || lon == nil {
		return nil, nil
	}
	pt := geom.NewPointFlat(geom.XY, []float64{*lon, *lat}).SetSRID(SRID)
	data, err := ewkb.Marshal(pt, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "spatial: encode EWKB")
	}
	return data, nil
}
