// Package ingest reads planned and observed asset inventories from CSV, XLSX,
// and ESRI shapefile exports.
package ingest

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/asset-reconcile/internal/model"
)

// Format is an inventory file format.
type Format string

const (
	FormatCSV       Format = "csv"
	FormatXLSX      Format = "xlsx"
	FormatShapefile Format = "shp"
)

// DetectFormat infers the format from a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".shp":
		return FormatShapefile, nil
	default:
		return "", eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// Options controls how rows become records.
type Options struct {
	// Scope, when set, overrides any project column in the file.
	Scope string
	// Kind is used for rows without a kind column value.
	Kind model.Kind
	// Sheet selects an XLSX sheet by name; empty means the first sheet.
	Sheet string
}

// Stats counts what a read did with each row.
type Stats struct {
	Rows     int
	Accepted int
	Skipped  int
}

type field int

const (
	fieldID field = iota
	fieldIdentifier
	fieldKind
	fieldLatitude
	fieldLongitude
	fieldScope
	fieldCollectedAt
)

var fieldNames = map[field]string{
	fieldID:          "id",
	fieldIdentifier:  "identifier",
	fieldKind:        "kind",
	fieldLatitude:    "latitude",
	fieldLongitude:   "longitude",
	fieldScope:       "project",
	fieldCollectedAt: "collected_at",
}

// headerAliases maps normalized header names to record fields. First match wins
// when a file carries several aliases for the same field.
var headerAliases = map[string]field{
	"id":           fieldID,
	"pole_id":      fieldID,
	"property_id":  fieldID,
	"identifier":   fieldIdentifier,
	"pole_number":  fieldIdentifier,
	"drop_number":  fieldIdentifier,
	"kind":         fieldKind,
	"type":         fieldKind,
	"latitude":     fieldLatitude,
	"lat":          fieldLatitude,
	"longitude":    fieldLongitude,
	"lng":          fieldLongitude,
	"lon":          fieldLongitude,
	"project":      fieldScope,
	"project_id":   fieldScope,
	"scope":        fieldScope,
	"collected_at": fieldCollectedAt,
	"date":         fieldCollectedAt,
}

var collectedAtLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
}

// columns locates record fields in a header row.
type columns map[field]int

func mapHeader(header []string) columns {
	cols := make(columns)
	for i, h := range header {
		key := normalizeHeader(h)
		f, ok := headerAliases[key]
		if !ok {
			continue
		}
		if _, taken := cols[f]; !taken {
			cols[f] = i
		}
	}
	return cols
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

func (c columns) get(row []string, f field) string {
	i, ok := c[f]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// row is one parsed inventory line before it becomes a typed record.
type row struct {
	id          string
	kind        model.Kind
	identifier  string
	lat, lon    *float64
	scope       string
	collectedAt time.Time
}

func (c columns) parse(cells []string, opts Options) (row, error) {
	r := row{
		id:         c.get(cells, fieldID),
		identifier: c.get(cells, fieldIdentifier),
		scope:      c.get(cells, fieldScope),
	}
	if opts.Scope != "" {
		r.scope = opts.Scope
	}
	if r.scope == "" {
		return r, eris.New("ingest: row has no project scope")
	}
	if r.id == "" {
		r.id = r.identifier
	}

	r.kind = opts.Kind
	if k := c.get(cells, fieldKind); k != "" || r.kind == "" {
		r.kind = model.ParseKind(k)
	}

	lat, err := parseCoord(c.get(cells, fieldLatitude))
	if err != nil {
		return r, eris.Wrap(err, "ingest: latitude")
	}
	lon, err := parseCoord(c.get(cells, fieldLongitude))
	if err != nil {
		return r, eris.Wrap(err, "ingest: longitude")
	}
	if (lat == nil) != (lon == nil) {
		lat, lon = nil, nil
	}
	r.lat, r.lon = lat, lon

	if s := c.get(cells, fieldCollectedAt); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return r, err
		}
		r.collectedAt = t
	}
	return r, nil
}

func parseCoord(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return nil, eris.Wrapf(err, "parse %q", s)
	}
	return &v, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range collectedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("ingest: unrecognized collected_at %q", s)
}

// ReadPlanned reads a planned (design) inventory.
func ReadPlanned(ctx context.Context, path string, opts Options) ([]model.PlannedRecord, Stats, error) {
	var out []model.PlannedRecord
	stats, err := read(ctx, path, opts, func(r row) error {
		p := model.PlannedRecord{
			ID: r.id, Kind: r.kind, Identifier: r.identifier,
			Latitude: r.lat, Longitude: r.lon, ProjectScope: r.scope,
		}
		if err := p.Validate(); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, stats, err
}

// ReadObserved reads an observed (field survey) inventory.
func ReadObserved(ctx context.Context, path string, opts Options) ([]model.ObservedRecord, Stats, error) {
	var out []model.ObservedRecord
	stats, err := read(ctx, path, opts, func(r row) error {
		o := model.ObservedRecord{
			ID: r.id, Kind: r.kind, Identifier: r.identifier,
			Latitude: r.lat, Longitude: r.lon, ProjectScope: r.scope,
			CollectedAt: r.collectedAt,
		}
		if err := o.Validate(); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, stats, err
}

// read streams rows from path and hands each parsed row to accept. Rows that
// fail to parse or that accept rejects are logged and skipped.
func read(ctx context.Context, path string, opts Options, accept func(row) error) (Stats, error) {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("file", filepath.Base(path)))

	format, err := DetectFormat(path)
	if err != nil {
		return Stats{}, err
	}

	// Stops the reader goroutine if we return before draining rows.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	header, rows, errs, err := open(ctx, path, format, opts)
	if err != nil {
		return Stats{}, err
	}
	cols := mapHeader(header)
	if _, ok := cols[fieldIdentifier]; !ok {
		if _, ok := cols[fieldLatitude]; !ok {
			return Stats{}, eris.Errorf("ingest: %s has neither an identifier nor a latitude column (header: %s)",
				filepath.Base(path), strings.Join(header, ", "))
		}
	}
	log.Debug("mapped header", zap.Any("columns", describe(cols)))

	var stats Stats
	line := 1
	for cells := range rows {
		line++
		stats.Rows++
		r, err := cols.parse(cells, opts)
		if err == nil {
			err = accept(r)
		}
		if err != nil {
			stats.Skipped++
			log.Warn("skipping row", zap.Int("row", line), zap.String("id", r.id), zap.Error(err))
			continue
		}
		stats.Accepted++
	}
	if err := <-errs; err != nil {
		return stats, err
	}

	log.Info("inventory read",
		zap.String("format", string(format)),
		zap.Int("rows", stats.Rows),
		zap.Int("accepted", stats.Accepted),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func describe(cols columns) map[string]int {
	out := make(map[string]int, len(cols))
	for f, i := range cols {
		out[fieldNames[f]] = i
	}
	return out
}

// open returns the header and a row stream for path. The error channel yields
// at most one error once the row stream is drained.
func open(ctx context.Context, path string, format Format, opts Options) ([]string, <-chan []string, <-chan error, error) {
	switch format {
	case FormatCSV:
		return openCSV(ctx, path)
	case FormatXLSX:
		return openXLSX(ctx, path, opts.Sheet)
	case FormatShapefile:
		return openShapefile(ctx, path)
	default:
		return nil, nil, nil, eris.Errorf("ingest: unsupported format %q", format)
	}
}
