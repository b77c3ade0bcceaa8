// Package vegindex computes per-pixel spectral vegetation indices and the
// permissive shadow/quality mask applied before blob detection. NDVI is used
// whenever a near-infrared band exists; Excess Green is the RGB-only
// fallback. All index surfaces are remapped to [0, 1].
package vegindex

import (
	"orchard-mapper/internal/grid"
	"orchard-mapper/internal/raster"
)

// IndexKind names the index that was computed for a tile.
type IndexKind string

const (
	IndexNDVI IndexKind = "ndvi"
	IndexExG  IndexKind = "exg"
)

// ComputeNDVI returns (NIR-Red)/(NIR+Red) remapped from [-1, 1] to [0, 1].
// A zero denominator substitutes 1 so bare no-data pixels come out mid-range
// instead of poisoning the surface with NaN.
func ComputeNDVI(nir, red *grid.Grid) *grid.Grid {
	out := grid.New(nir.Width, nir.Height)
	for i := range out.Data {
		n := nir.Data[i]
		r := red.Data[i]
		denom := n + r
		if denom == 0 {
			denom = 1
		}
		ndvi := (n - r) / denom
		out.Data[i] = (ndvi + 1) / 2
	}
	return out
}

// ComputeExcessGreen returns 2G - R - B with each band min-max normalized
// first and the result normalized again. A flat result is returned as-is;
// the detector treats zero dynamic range as "no detections".
func ComputeExcessGreen(blue, green, red *grid.Grid) *grid.Grid {
	b := blue.Clone()
	g := green.Clone()
	r := red.Clone()
	b.Normalize()
	g.Normalize()
	r.Normalize()

	out := grid.New(g.Width, g.Height)
	for i := range out.Data {
		out.Data[i] = 2*g.Data[i] - r.Data[i] - b.Data[i]
	}
	out.Normalize()
	return out
}

// Compute picks NDVI when the tile carries a NIR plane, Excess Green
// otherwise.
func Compute(bands *raster.Bands) (*grid.Grid, IndexKind) {
	if nir := bands.Plane(raster.BandNIR); nir != nil {
		return ComputeNDVI(nir, bands.Plane(raster.BandRed)), IndexNDVI
	}
	return ComputeExcessGreen(
		bands.Plane(raster.BandBlue),
		bands.Plane(raster.BandGreen),
		bands.Plane(raster.BandRed),
	), IndexExG
}
