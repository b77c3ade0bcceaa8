package geo

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"github.com/wroge/wgs84"
)

// transformer builds a point transform between two EPSG codes. Identity when
// both codes are geographic WGS84-family codes.
func transformer(fromEPSG, toEPSG int) (wgs84.Func, error) {
	from := wgs84.EPSG().Code(fromEPSG)
	if from == nil {
		return nil, fmt.Errorf("unknown source EPSG code %d", fromEPSG)
	}
	to := wgs84.EPSG().Code(toEPSG)
	if to == nil {
		return nil, fmt.Errorf("unknown target EPSG code %d", toEPSG)
	}
	return wgs84.Transform(from, to), nil
}

// ReprojectToWGS84 converts points from the source CRS to WGS84 lon/lat.
// A geographic source is returned unchanged. Reprojection failure is
// fail-soft: the input is returned as-is with a warning, because downstream
// consumers tolerate an unprojected coordinate better than a dead pipeline.
func ReprojectToWGS84(points []orb.Point, source CRS, log *slog.Logger) []orb.Point {
	if source.Geographic() || len(points) == 0 {
		return points
	}
	tf, err := transformer(source.EPSG, EPSGWGS84)
	if err != nil {
		if log != nil {
			log.Warn("reprojection unavailable, returning source coordinates",
				"source_epsg", source.EPSG, "error", err)
		}
		return points
	}

	out := make([]orb.Point, len(points))
	for i, p := range points {
		lon, lat, _ := tf(p[0], p[1], 0)
		if math.IsNaN(lon) || math.IsNaN(lat) {
			if log != nil {
				log.Warn("reprojection produced NaN, returning source coordinates",
					"source_epsg", source.EPSG)
			}
			return points
		}
		out[i] = orb.Point{lon, lat}
	}
	return out
}

// TransformPoints converts points between two EPSG codes. Unlike
// ReprojectToWGS84 this is strict: callers that clip point clouds by a
// reprojected boundary must know when the transform failed.
func TransformPoints(points []orb.Point, fromEPSG, toEPSG int) ([]orb.Point, error) {
	if fromEPSG == toEPSG {
		return points, nil
	}
	tf, err := transformer(fromEPSG, toEPSG)
	if err != nil {
		return nil, err
	}
	out := make([]orb.Point, len(points))
	for i, p := range points {
		x, y, _ := tf(p[0], p[1], 0)
		if math.IsNaN(x) || math.IsNaN(y) {
			return nil, fmt.Errorf("transform %d->%d produced NaN for point %v", fromEPSG, toEPSG, p)
		}
		out[i] = orb.Point{x, y}
	}
	return out, nil
}
