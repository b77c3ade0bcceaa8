// Package geo provides georeferencing utilities: pixel/geocoordinate affine
// transforms, ground-resolution estimation, CRS reprojection to WGS84 and
// field coverage tests. All coordinates leaving this package are WGS84
// longitude/latitude unless a function says otherwise.
package geo

import (
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"orchard-mapper/pkg/geometry"
)

// metersPerDegreeLat is the approximate length of one degree of latitude.
const metersPerDegreeLat = 111000.0

// defaultLatitude is used when a source carries no usable CRS or bounds.
// Mid-latitude keeps the cos() longitude scaling from degenerating.
const defaultLatitude = 45.0

// EPSGWGS84 is the geographic WGS84 code all exposed coordinates use.
const EPSGWGS84 = 4326

// CRS identifies a coordinate reference system by EPSG code. A zero code
// means the source did not declare one.
type CRS struct {
	EPSG int `json:"epsg"`
}

// Geographic reports whether the CRS is degree-based. Unknown codes are
// assumed projected; a missing code is treated as geographic so degree
// heuristics still apply.
func (c CRS) Geographic() bool {
	switch c.EPSG {
	case 0, 4326, 4258, 4269:
		return true
	default:
		return false
	}
}

// GeoTransform maps pixel (col, row) to source-CRS coordinates using the
// conventional six-parameter affine layout:
//
//	X = OriginX + col*PixelW + row*RotX
//	Y = OriginY + col*RotY + row*PixelH
//
// PixelH is negative for north-up imagery.
type GeoTransform struct {
	OriginX float64 `json:"origin_x"`
	OriginY float64 `json:"origin_y"`
	PixelW  float64 `json:"pixel_w"`
	PixelH  float64 `json:"pixel_h"`
	RotX    float64 `json:"rot_x"`
	RotY    float64 `json:"rot_y"`
}

// PixelToGeo converts a pixel position to source-CRS coordinates. Fractional
// pixel positions are supported; (0, 0) maps to the raster origin corner.
func (t GeoTransform) PixelToGeo(col, row float64) orb.Point {
	return orb.Point{
		t.OriginX + col*t.PixelW + row*t.RotX,
		t.OriginY + col*t.RotY + row*t.PixelH,
	}
}

// GeoToPixel converts source-CRS coordinates back to a pixel position.
// Returns false if the transform is singular.
func (t GeoTransform) GeoToPixel(p orb.Point) (col, row float64, ok bool) {
	affine := geometry.AffineTransform{
		A: t.PixelW, B: t.RotX, TX: t.OriginX,
		C: t.RotY, D: t.PixelH, TY: t.OriginY,
	}
	inv, ok := affine.Inverse()
	if !ok {
		return 0, 0, false
	}
	px := inv.Apply(geometry.Point2D{X: p[0], Y: p[1]})
	return px.X, px.Y, true
}

// Shift returns the transform translated by (dcol, drow) pixels, used to
// derive per-tile transforms from the raster transform.
func (t GeoTransform) Shift(dcol, drow int) GeoTransform {
	origin := t.PixelToGeo(float64(dcol), float64(drow))
	t.OriginX = origin[0]
	t.OriginY = origin[1]
	return t
}

// MetersPerDegree returns the approximate ground length of one degree of
// latitude and longitude at the given latitude.
func MetersPerDegree(lat float64) (mLat, mLon float64) {
	mLat = metersPerDegreeLat
	mLon = metersPerDegreeLat * math.Cos(lat*math.Pi/180)
	if mLon < 1 {
		mLon = 1
	}
	return mLat, mLon
}

// ResolutionMeters estimates the ground pixel size in meters for a raster.
// Projected CRS units are assumed to be meters and the two axis sizes are
// averaged. Degree-based CRS sizes are converted using the mean latitude of
// the bounds; a missing CRS or empty bounds falls back to defaultLatitude
// rather than failing.
func ResolutionMeters(t GeoTransform, crs CRS, bounds orb.Bound) float64 {
	resX := math.Abs(t.PixelW)
	resY := math.Abs(t.PixelH)
	if !crs.Geographic() {
		return (resX + resY) / 2
	}

	lat := defaultLatitude
	// The zero-value bound is not IsEmpty (Min == Max), so an absent extent
	// is recognized by its all-zero latitudes.
	if !bounds.IsEmpty() && (bounds.Min[1] != 0 || bounds.Max[1] != 0) {
		lat = (bounds.Min[1] + bounds.Max[1]) / 2
	}
	mLat, mLon := MetersPerDegree(lat)
	return (resX*mLon + resY*mLat) / 2
}

// DistanceMeters returns the approximate ground distance between two WGS84
// points using a local equirectangular approximation. Adequate at field
// scale (well under a degree of extent).
func DistanceMeters(a, b orb.Point) float64 {
	mLat, mLon := MetersPerDegree((a[1] + b[1]) / 2)
	dx := (a[0] - b[0]) * mLon
	dy := (a[1] - b[1]) * mLat
	return math.Sqrt(dx*dx + dy*dy)
}

// CoversField reports whether the source bounds spatially contain the field
// boundary. An unusable boundary downgrades to a warning and reports true:
// a detection run on a partially covered field is recoverable, a rejected
// run is not.
func CoversField(sourceBounds orb.Bound, field orb.Polygon, log *slog.Logger) bool {
	if len(field) == 0 || len(field[0]) == 0 {
		if log != nil {
			log.Warn("field boundary empty, skipping coverage check")
		}
		return true
	}
	fieldBound := field.Bound()
	return sourceBounds.Contains(fieldBound.Min) && sourceBounds.Contains(fieldBound.Max)
}

// FieldAreaHa returns the field boundary area in hectares, computed on a
// local meter projection around the field centroid.
func FieldAreaHa(field orb.Polygon) float64 {
	if len(field) == 0 || len(field[0]) == 0 {
		return 0
	}
	centroid, _ := planar.CentroidArea(field)
	mLat, mLon := MetersPerDegree(centroid[1])

	projected := make(orb.Polygon, len(field))
	for i, ring := range field {
		pr := make(orb.Ring, len(ring))
		for j, p := range ring {
			pr[j] = orb.Point{p[0] * mLon, p[1] * mLat}
		}
		projected[i] = pr
	}
	return math.Abs(planar.Area(projected)) / 10000
}
