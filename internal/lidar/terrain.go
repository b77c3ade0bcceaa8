package lidar

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"orchard-mapper/internal/grid"
	"orchard-mapper/internal/model"
)

// Slope class upper bounds in percent for the summary histogram.
var slopeBucketBounds = [4]float64{2, 5, 10, 15}

var aspectLabels = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// frostSlopeMaxPct marks "nearly flat" ground where cold air pools.
const frostSlopeMaxPct = 2.0

// lowSpotMarginM is how far below every neighbor a cell must sit to count
// as a ponding candidate.
const lowSpotMarginM = 0.15

// SummarizeTerrain computes the per-field terrain statistics from the
// terrain model: elevation range, slope distribution, dominant aspect,
// frost-risk zoning, drainage direction and low-spot count. This is run
// metadata, independent of individual tree detections.
func SummarizeTerrain(s *Surfaces) *model.TerrainSummary {
	dtm := s.DTM
	out := &model.TerrainSummary{}

	elev := make([]float64, len(dtm.Data))
	copy(elev, dtm.Data)
	out.MeanElevationM = stat.Mean(elev, nil)
	sort.Float64s(elev)
	out.MinElevationM = elev[0]
	out.MaxElevationM = elev[len(elev)-1]
	lowDecile := stat.Quantile(0.1, stat.Empirical, elev, nil)

	var slopes []float64
	aspectCount := [8]float64{}
	drainWeight := [8]float64{}
	frostCells := 0
	interior := 0

	for row := 1; row < dtm.Height-1; row++ {
		for col := 1; col < dtm.Width-1; col++ {
			// Central differences; row 0 is the north edge.
			dzdE := (dtm.At(col+1, row) - dtm.At(col-1, row)) / (2 * s.CellSizeM)
			dzdN := (dtm.At(col, row-1) - dtm.At(col, row+1)) / (2 * s.CellSizeM)

			slopePct := math.Sqrt(dzdE*dzdE+dzdN*dzdN) * 100
			slopes = append(slopes, slopePct)
			interior++

			if slopePct > 0.01 {
				// Downhill bearing: opposite of the gradient.
				bearing := math.Atan2(-dzdE, -dzdN) * 180 / math.Pi
				sector := aspectSector(bearing)
				aspectCount[sector]++
				drainWeight[sector] += slopePct
			}

			if dtm.At(col, row) <= lowDecile && slopePct < frostSlopeMaxPct {
				frostCells++
			}
			if isLowSpot(dtm, col, row) {
				out.LowSpotCount++
			}
		}
	}

	if len(slopes) > 0 {
		out.MeanSlopePct = stat.Mean(slopes, nil)
		maxSlope := slopes[0]
		for _, v := range slopes[1:] {
			if v > maxSlope {
				maxSlope = v
			}
		}
		out.MaxSlopePct = maxSlope

		for _, v := range slopes {
			out.SlopeBuckets[slopeBucket(v)] += 1 / float64(len(slopes))
		}
	}
	if interior > 0 {
		out.FrostRiskFraction = float64(frostCells) / float64(interior)
	}
	out.DominantAspect = dominantSector(aspectCount)
	out.DrainageDirection = dominantSector(drainWeight)
	return out
}

func slopeBucket(slopePct float64) int {
	for i, bound := range slopeBucketBounds {
		if slopePct < bound {
			return i
		}
	}
	return len(slopeBucketBounds)
}

// aspectSector maps a compass bearing in degrees (-180..180, 0 = north) to
// one of eight 45-degree sectors.
func aspectSector(bearing float64) int {
	if bearing < 0 {
		bearing += 360
	}
	sector := int(math.Floor((bearing+22.5)/45)) % 8
	return sector
}

func dominantSector(weights [8]float64) string {
	best := 0
	for i := 1; i < 8; i++ {
		if weights[i] > weights[best] {
			best = i
		}
	}
	if weights[best] == 0 {
		return "flat"
	}
	return aspectLabels[best]
}

func isLowSpot(dtm *grid.Grid, col, row int) bool {
	center := dtm.At(col, row)
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			if dtm.At(col+dc, row+dr)-center < lowSpotMarginM {
				return false
			}
		}
	}
	return true
}
