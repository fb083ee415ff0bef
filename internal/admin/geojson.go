// Package admin moves point data between GeoJSON files and a source.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/data"
	"github.com/dgnsrekt/fieldsync/internal/source"
)

// Column names written by ImportGeoJSON.
const (
	ColumnLongitude          = "Longitude"
	ColumnLatitude           = "Latitude"
	ColumnVerifiedStatus     = "Verified Status"
	ColumnPedestrianMarkings = "Pedestrian Markings"
	ColumnCrossingSignal     = "Crossing Signal"
	ColumnOtherFeatures      = "Other Features"
	ColumnNotes              = "Notes"
)

// Header is the fixed column layout of an imported dataset.
var Header = []string{
	ColumnLongitude,
	ColumnLatitude,
	ColumnVerifiedStatus,
	ColumnPedestrianMarkings,
	ColumnCrossingSignal,
	ColumnOtherFeatures,
	ColumnNotes,
}

const unknown = "unknown"

// Fetcher reads the current dataset.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) (*data.Snapshot, error)
}

// Result counts the features or rows handled by an import or export.
type Result struct {
	Written int `json:"written" yaml:"written"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

// ImportGeoJSON reads a FeatureCollection of points from r and replaces the
// whole contents of dst with it. Features without point geometry are skipped.
// Nothing is written unless the full input parses.
func ImportGeoJSON(ctx context.Context, r io.Reader, dst source.Replacer, logger *zap.Logger) (Result, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("reading geojson: %w", err)
	}

	fc, err := parseFeatureCollection(raw)
	if err != nil {
		return Result{}, err
	}

	var res Result
	rows := make([][]any, 0, len(fc.Features))
	for i, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			res.Skipped++
			logger.Debug("skipping non-point feature", zap.Int("feature", i))
			continue
		}
		rows = append(rows, featureRow(pt, f.Properties))
	}

	if err := dst.ReplaceAll(ctx, Header, rows); err != nil {
		return Result{}, fmt.Errorf("replacing source contents: %w", err)
	}
	res.Written = len(rows)

	logger.Info("imported geojson",
		zap.Int("rows", res.Written),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func parseFeatureCollection(raw []byte) (*geojson.FeatureCollection, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parsing geojson: %w", err)
	}
	if probe.Type != "FeatureCollection" {
		return nil, fmt.Errorf("expected a FeatureCollection of points, got type %q", probe.Type)
	}

	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing feature collection: %w", err)
	}
	return fc, nil
}

func featureRow(pt orb.Point, props geojson.Properties) []any {
	verified := propOr(props, ColumnVerifiedStatus, unknown)
	if verified == unknown {
		verified = propOr(props, "verified", unknown)
	}

	return []any{
		pt.Lon(),
		pt.Lat(),
		verified,
		propOr(props, ColumnPedestrianMarkings, unknown),
		propOr(props, ColumnCrossingSignal, unknown),
		propOr(props, ColumnOtherFeatures, ""),
		propOr(props, ColumnNotes, ""),
	}
}

func propOr(props geojson.Properties, key string, def any) any {
	if v, ok := props[key]; ok && v != nil {
		return v
	}
	return def
}

// ExportGeoJSON writes the current dataset of src to w as an indented
// FeatureCollection. Every column becomes a property; rows whose Longitude or
// Latitude is not numeric are skipped.
func ExportGeoJSON(ctx context.Context, src Fetcher, w io.Writer, logger *zap.Logger) (Result, error) {
	snap, err := src.FetchSnapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetching snapshot: %w", err)
	}

	var res Result
	fc := geojson.NewFeatureCollection()
	for i, rec := range snap.Rows {
		pt, ok := recordPoint(rec)
		if !ok {
			res.Skipped++
			logger.Debug("skipping row without numeric coordinates", zap.Int("row", i))
			continue
		}

		f := geojson.NewFeature(pt)
		for k, v := range rec.Map() {
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	res.Written = len(fc.Features)

	out, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encoding geojson: %w", err)
	}
	if _, err := w.Write(append(out, '\n')); err != nil {
		return Result{}, fmt.Errorf("writing geojson: %w", err)
	}

	logger.Info("exported geojson",
		zap.Int("features", res.Written),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func recordPoint(rec data.Record) (orb.Point, bool) {
	lon, ok := coordinate(rec, ColumnLongitude)
	if !ok {
		return orb.Point{}, false
	}
	lat, ok := coordinate(rec, ColumnLatitude)
	if !ok {
		return orb.Point{}, false
	}
	return orb.Point{lon, lat}, true
}

// coordinate accepts numbers and numeric strings, since sheets may return
// either depending on cell formatting.
func coordinate(rec data.Record, col string) (float64, bool) {
	v, ok := rec.Get(col)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
