package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelGeoRoundTrip(t *testing.T) {
	tr := GeoTransform{
		OriginX: 500000, OriginY: 4650000,
		PixelW: 0.5, PixelH: -0.5,
	}

	p := tr.PixelToGeo(100, 200)
	assert.InDelta(t, 500050.0, p[0], 1e-9)
	assert.InDelta(t, 4649900.0, p[1], 1e-9)

	col, row, ok := tr.GeoToPixel(p)
	require.True(t, ok)
	assert.InDelta(t, 100.0, col, 1e-9)
	assert.InDelta(t, 200.0, row, 1e-9)
}

func TestGeoToPixelSingular(t *testing.T) {
	_, _, ok := GeoTransform{}.GeoToPixel(orb.Point{1, 1})
	assert.False(t, ok)
}

func TestShift(t *testing.T) {
	tr := GeoTransform{OriginX: 100, OriginY: 200, PixelW: 2, PixelH: -2}
	shifted := tr.Shift(10, 5)
	assert.InDelta(t, 120.0, shifted.OriginX, 1e-12)
	assert.InDelta(t, 190.0, shifted.OriginY, 1e-12)

	// A pixel in the shifted frame maps to the same ground point.
	a := tr.PixelToGeo(12, 7)
	b := shifted.PixelToGeo(2, 2)
	assert.InDelta(t, a[0], b[0], 1e-9)
	assert.InDelta(t, a[1], b[1], 1e-9)
}

func TestResolutionMetersProjected(t *testing.T) {
	tr := GeoTransform{PixelW: 0.5, PixelH: -0.5}
	res := ResolutionMeters(tr, CRS{EPSG: 32633}, orb.Bound{})
	assert.InDelta(t, 0.5, res, 1e-12)
}

func TestResolutionMetersGeographic(t *testing.T) {
	// One-arcsecond-ish pixels at the equator: ~1.1 m per 1e-5 degree.
	tr := GeoTransform{PixelW: 1e-5, PixelH: -1e-5}
	bounds := orb.Bound{Min: orb.Point{13, -0.01}, Max: orb.Point{13.01, 0.01}}
	res := ResolutionMeters(tr, CRS{EPSG: 4326}, bounds)
	assert.InDelta(t, 1.11, res, 0.02)

	// Same pixel size at 60°N: longitude meters halve, latitude ones don't.
	north := orb.Bound{Min: orb.Point{13, 59.99}, Max: orb.Point{13.01, 60.01}}
	resNorth := ResolutionMeters(tr, CRS{EPSG: 4326}, north)
	assert.Less(t, resNorth, res)
	assert.Greater(t, resNorth, res/2)
}

func TestResolutionMetersDefaultLatitude(t *testing.T) {
	// No declared CRS and no usable extent: the mid-latitude default
	// applies, not equator scaling.
	tr := GeoTransform{PixelW: 1e-5, PixelH: -1e-5}
	res := ResolutionMeters(tr, CRS{}, orb.Bound{})
	mLat, mLon := MetersPerDegree(45)
	assert.InDelta(t, 1e-5*(mLat+mLon)/2, res, 1e-9)

	// A bound straddling the equator is real data, not a missing extent.
	equator := orb.Bound{Min: orb.Point{13, -0.01}, Max: orb.Point{13.01, 0.01}}
	assert.InDelta(t, 1.11, ResolutionMeters(tr, CRS{}, equator), 0.02)
}

func TestDistanceMeters(t *testing.T) {
	a := orb.Point{13.0, 45.0}
	b := orb.Point{13.0, 45.0 + 1.0/111000.0*10} // ~10 m north
	assert.InDelta(t, 10.0, DistanceMeters(a, b), 0.1)
	assert.Zero(t, DistanceMeters(a, a))
}

func TestReprojectRoundTrip(t *testing.T) {
	utm33 := CRS{EPSG: 32633}
	orig := []orb.Point{{15.0, 45.0}, {15.01, 45.01}}

	projected, err := TransformPoints(orig, EPSGWGS84, utm33.EPSG)
	require.NoError(t, err)
	require.Len(t, projected, 2)
	// UTM 33N coordinates are in the hundreds of kilometers.
	assert.Greater(t, projected[0][0], 100000.0)

	back := ReprojectToWGS84(projected, utm33, nil)
	for i := range orig {
		assert.InDelta(t, orig[i][0], back[i][0], 1e-6)
		assert.InDelta(t, orig[i][1], back[i][1], 1e-6)
	}
}

func TestReprojectGeographicPassthrough(t *testing.T) {
	pts := []orb.Point{{13.5, 46.5}}
	got := ReprojectToWGS84(pts, CRS{EPSG: 4326}, nil)
	assert.Equal(t, pts, got)
}

func TestReprojectUnknownCRSFailSoft(t *testing.T) {
	pts := []orb.Point{{1, 2}}
	got := ReprojectToWGS84(pts, CRS{EPSG: 999999}, nil)
	assert.Equal(t, pts, got)
}

func TestTransformPointsUnknownCRS(t *testing.T) {
	_, err := TransformPoints([]orb.Point{{1, 2}}, 999999, EPSGWGS84)
	assert.Error(t, err)
}

func TestCoversField(t *testing.T) {
	field := orb.Polygon{{{13.0, 45.0}, {13.01, 45.0}, {13.01, 45.01}, {13.0, 45.01}, {13.0, 45.0}}}

	inside := orb.Bound{Min: orb.Point{12.99, 44.99}, Max: orb.Point{13.02, 45.02}}
	assert.True(t, CoversField(inside, field, nil))

	partial := orb.Bound{Min: orb.Point{13.005, 44.99}, Max: orb.Point{13.02, 45.02}}
	assert.False(t, CoversField(partial, field, nil))

	// Unusable boundary downgrades to coverage.
	assert.True(t, CoversField(partial, orb.Polygon{}, nil))
}

func TestFieldAreaHa(t *testing.T) {
	// ~100 m x ~100 m square at latitude 45 is about one hectare.
	dLat := 100.0 / 111000.0
	dLon := 100.0 / (111000.0 * math.Cos(45*math.Pi/180))
	field := orb.Polygon{{
		{13, 45}, {13 + dLon, 45}, {13 + dLon, 45 + dLat}, {13, 45 + dLat}, {13, 45},
	}}
	assert.InDelta(t, 1.0, FieldAreaHa(field), 0.05)
	assert.Zero(t, FieldAreaHa(orb.Polygon{}))
}
