// Package scan drives the satellite detection pipeline: it windows an
// arbitrarily large raster into overlapping tiles, runs vegetation-index and
// blob detection per tile, and stitches tile-local results into raster-global
// candidate detections while discarding overlap-margin artifacts.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"orchard-mapper/internal/canopy"
	"orchard-mapper/internal/geo"
	"orchard-mapper/internal/model"
	"orchard-mapper/internal/observe"
	"orchard-mapper/internal/raster"
	"orchard-mapper/internal/vegindex"
	"orchard-mapper/pkg/geometry"
)

// Tile is one scan window plus the inner region whose detections are kept.
// Inner regions tile the base window exactly, so every canopy is evaluated
// with full context by exactly one tile.
type Tile struct {
	Window raster.Window
	Inner  raster.Window
}

// Tiles computes the overlapping tile layout over a base window. Stride is
// tileSize - 2*overlap; inner bounds extend to the base edge on outer tiles.
func Tiles(base raster.Window, tileSize, overlap int) []Tile {
	stride := tileSize - 2*overlap
	if stride < 1 {
		stride = 1
	}
	var tiles []Tile
	for row := base.Row; row < base.Row+base.Height; row += stride {
		for col := base.Col; col < base.Col+base.Width; col += stride {
			w := raster.Window{Col: col, Row: row, Width: tileSize, Height: tileSize}.Intersect(base)
			if w.Empty() {
				continue
			}
			inner := innerBounds(w, base, overlap)
			if inner.Empty() {
				continue
			}
			tiles = append(tiles, Tile{Window: w, Inner: inner})
		}
	}
	return tiles
}

// innerBounds strips the overlap margin shared with a neighboring tile,
// except along outer edges of the base window.
func innerBounds(w, base raster.Window, overlap int) raster.Window {
	x1 := w.Col + overlap
	y1 := w.Row + overlap
	x2 := w.Col + w.Width - overlap
	y2 := w.Row + w.Height - overlap
	if w.Col == base.Col {
		x1 = base.Col
	}
	if w.Row == base.Row {
		y1 = base.Row
	}
	if w.Col+w.Width >= base.Col+base.Width {
		x2 = base.Col + base.Width
	}
	if w.Row+w.Height >= base.Row+base.Height {
		y2 = base.Row + base.Height
	}
	return raster.Window{Col: x1, Row: y1, Width: x2 - x1, Height: y2 - y1}
}

// Scanner runs the tiled satellite detection pipeline for one run.
type Scanner struct {
	Reader raster.Reader
	Field  *model.Field
	Params model.DetectionParams
	RunID  string
	Sink   *observe.Sink
	Log    *slog.Logger
}

// Run scans the raster and returns raw (pre-deduplication) candidate
// detections. A raster read error aborts the whole run: tile I/O failure
// means source corruption, not a per-tile condition. Cancellation is honored
// between tiles and discards all partial results.
func (s *Scanner) Run(ctx context.Context) ([]model.CandidateDetection, error) {
	src := s.Reader.Source()
	resolution := geo.ResolutionMeters(src.Transform, src.CRS, src.Bounds())
	if resolution <= 0 || math.IsNaN(resolution) {
		return nil, fmt.Errorf("raster %s has no usable ground resolution (pixel size %g x %g)",
			src.ID, src.Transform.PixelW, src.Transform.PixelH)
	}
	params := s.Params.WithResolution(resolution)

	base := raster.FullWindow(src)
	var fieldPx []geometry.Point2D
	if s.Field != nil && len(s.Field.Boundary) > 0 {
		var err error
		fieldPx, err = s.boundaryPixels(src)
		if err != nil {
			return nil, err
		}
		bounds := geometry.PolygonBounds(fieldPx)
		base = base.Intersect(raster.Window{
			Col: bounds.X, Row: bounds.Y, Width: bounds.Width, Height: bounds.Height,
		})
		if base.Empty() {
			return nil, fmt.Errorf("field %s does not intersect raster %s", s.Field.ID, src.ID)
		}
	}

	var detections []model.CandidateDetection
	for _, tile := range Tiles(base, params.TileSizePx, params.TileOverlapPx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dets, err := s.processTile(ctx, tile, fieldPx, params)
		if err != nil {
			return nil, fmt.Errorf("tile at (%d,%d): %w", tile.Window.Col, tile.Window.Row, err)
		}
		detections = append(detections, dets...)
	}
	return detections, nil
}

// boundaryPixels projects the WGS84 field boundary into raster pixel space.
func (s *Scanner) boundaryPixels(src model.RasterSource) ([]geometry.Point2D, error) {
	ring := s.Field.Boundary[0]
	pts := make([]orb.Point, len(ring))
	copy(pts, ring)

	if !src.CRS.Geographic() {
		var err error
		pts, err = geo.TransformPoints(pts, geo.EPSGWGS84, src.CRS.EPSG)
		if err != nil {
			return nil, fmt.Errorf("project field boundary: %w", err)
		}
	}
	out := make([]geometry.Point2D, len(pts))
	for i, p := range pts {
		col, row, ok := src.Transform.GeoToPixel(p)
		if !ok {
			return nil, fmt.Errorf("raster %s has a singular geotransform", src.ID)
		}
		out[i] = geometry.Point2D{X: col, Y: row}
	}
	return out, nil
}

func (s *Scanner) processTile(ctx context.Context, tile Tile, fieldPx []geometry.Point2D, params model.DetectionParams) ([]model.CandidateDetection, error) {
	bands, err := s.Reader.ReadWindow(ctx, tile.Window)
	if err != nil {
		return nil, err
	}

	mask := s.geometryMask(bands, fieldPx)
	if mask.CountValid() == 0 {
		if s.Sink != nil {
			s.Sink.TileSkipped()
		}
		return nil, nil
	}

	index, kind := vegindex.Compute(bands)
	shadow := vegindex.BuildShadowMask(bands, params, s.Sink, s.Log)
	shadow.And(mask)

	blobs := canopy.DetectBlobs(index, params)
	if s.Sink != nil {
		s.Sink.TileProcessed()
	}
	if len(blobs) == 0 {
		return nil, nil
	}

	src := s.Reader.Source()
	var kept []canopy.Blob
	var geoPts []orb.Point
	for _, b := range blobs {
		col := int(b.Col)
		row := int(b.Row)
		if col < 0 || col >= tile.Window.Width || row < 0 || row >= tile.Window.Height {
			continue
		}
		if !shadow.At(col, row) {
			continue
		}
		globalCol := float64(tile.Window.Col) + b.Col
		globalRow := float64(tile.Window.Row) + b.Row
		if !tile.Inner.Intersect(raster.Window{
			Col: int(globalCol), Row: int(globalRow), Width: 1, Height: 1,
		}).Empty() {
			kept = append(kept, b)
			// Pixel centers, not corners, for the geocoordinate.
			geoPts = append(geoPts, src.Transform.PixelToGeo(globalCol+0.5, globalRow+0.5))
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	// Reproject once per tile, at the pipeline boundary.
	geoPts = geo.ReprojectToWGS84(geoPts, src.CRS, s.Log)

	dets := make([]model.CandidateDetection, len(kept))
	for i, b := range kept {
		dets[i] = model.CandidateDetection{
			ID:              uuid.NewString(),
			RunID:           s.RunID,
			Sensor:          model.SensorSatellite,
			PixelCol:        float64(tile.Window.Col) + b.Col,
			PixelRow:        float64(tile.Window.Row) + b.Row,
			Location:        geoPts[i],
			CanopyDiameterM: canopy.DiameterM(b.Sigma, params.ResolutionM),
			Confidence:      canopy.Confidence(b.Sigma, params.SigmaMax),
			VegIndex:        index.At(int(b.Col), int(b.Row)),
		}
	}
	if s.Log != nil {
		s.Log.Debug("tile processed",
			"col", tile.Window.Col, "row", tile.Window.Row,
			"index", string(kind), "detections", len(dets))
	}
	return dets, nil
}

// geometryMask combines the field polygon (if any) with the no-data mask.
func (s *Scanner) geometryMask(bands *raster.Bands, fieldPx []geometry.Point2D) *vegindex.Mask {
	w := bands.Window.Width
	h := bands.Window.Height
	mask := vegindex.NewMask(w, h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			valid := bands.Brightness(col, row) > 0
			if valid && len(fieldPx) >= 3 {
				gx := float64(bands.Window.Col+col) + 0.5
				gy := float64(bands.Window.Row+row) + 0.5
				valid = geometry.PointInPolygon(gx, gy, fieldPx)
			}
			mask.Set(col, row, valid)
		}
	}
	return mask
}

// Metrics aggregates a deduplicated detection set into run metrics.
func Metrics(dets []model.CandidateDetection, fieldAreaHa float64) model.RunMetrics {
	m := model.RunMetrics{TreeCount: len(dets)}
	if len(dets) == 0 {
		return m
	}
	var sumDiam, sumArea float64
	for _, d := range dets {
		sumDiam += d.CanopyDiameterM
		r := d.CanopyDiameterM / 2
		sumArea += math.Pi * r * r
	}
	m.MeanCanopyDiameterM = sumDiam / float64(len(dets))
	if fieldAreaHa > 0 {
		m.TreesPerHa = float64(len(dets)) / fieldAreaHa
		m.CanopyCoverFraction = sumArea / (fieldAreaHa * 10000)
		if m.CanopyCoverFraction > 1 {
			m.CanopyCoverFraction = 1
		}
	}
	return m
}
