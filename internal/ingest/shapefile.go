package ingest

import (
	"context"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// openShapefile exposes a point layer as rows: the DBF attributes followed by
// latitude and longitude taken from each point geometry. Existing coordinate
// attributes are shadowed by the geometry.
func openShapefile(ctx context.Context, path string) ([]string, <-chan []string, <-chan error, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, nil, nil, eris.Wrapf(err, "shapefile: open %s", path)
	}

	fields := reader.Fields()
	header := make([]string, 0, len(fields)+2)
	for _, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		switch normalizeHeader(name) {
		case "latitude", "lat", "longitude", "lng", "lon":
			// Rename so the geometry columns win the header mapping.
			name = "attr_" + name
		}
		header = append(header, name)
	}
	header = append(header, "latitude", "longitude")

	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(rowCh)
		defer func() { _ = reader.Close() }()

		var nonPoint int
		for reader.Next() {
			n, shape := reader.Shape()

			cells := make([]string, 0, len(header))
			for i := range fields {
				cells = append(cells, strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00")))
			}

			lat, lon := "", ""
			if p, ok := shape.(*shp.Point); ok {
				lat = strconv.FormatFloat(p.Y, 'f', -1, 64)
				lon = strconv.FormatFloat(p.X, 'f', -1, 64)
			} else if shape != nil {
				nonPoint++
				zap.L().Debug("shapefile: non-point geometry ignored", zap.Int("record", n))
			}
			cells = append(cells, lat, lon)

			select {
			case rowCh <- cells:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "shapefile: context cancelled")
				return
			}
		}
		if err := reader.Err(); err != nil {
			errCh <- eris.Wrap(err, "shapefile: read records")
			return
		}
		if nonPoint > 0 {
			zap.L().Warn("shapefile: records without point geometry", zap.String("file", path), zap.Int("count", nonPoint))
		}
	}()

	return header, rowCh, errCh, nil
}
