package lidar

import (
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"orchard-mapper/internal/canopy"
	"orchard-mapper/internal/geo"
	"orchard-mapper/internal/grid"
	"orchard-mapper/internal/model"
)

// DetectTreeTops finds tree tops as local maxima of the smoothed canopy
// height model, the same smoothing + peak-spacing strategy the satellite
// path uses, but on height instead of a vegetation index. Crown extent is
// estimated by flood-filling the contiguous CHM region that stays above a
// fraction of the peak height.
func DetectTreeTops(s *Surfaces, params model.DetectionParams, runID string, log *slog.Logger) []model.CandidateDetection {
	p := params.WithResolution(s.CellSizeM)

	smoothed := s.CHM.Smooth(p.SmoothingSigma)
	spacing := int(math.Round(p.MinSpacingPx()))
	if spacing < 1 {
		spacing = 1
	}
	peaks := smoothed.LocalMaxima(spacing, p.MinTreeHeightM)
	if len(peaks) == 0 {
		return nil
	}

	maxCrownRadiusCells := (p.MaxCanopyDiameterM / 2) / s.CellSizeM

	var geoPts []orb.Point
	var kept []struct {
		peak     grid.Peak
		height   float64
		diameter float64
		area     float64
	}
	for _, peak := range peaks {
		height := s.CHM.At(peak.Col, peak.Row)
		if height < p.MinTreeHeightM {
			continue
		}
		area := crownArea(s.CHM, peak, height*p.CrownFraction, maxCrownRadiusCells)
		areaM2 := area * s.CellSizeM * s.CellSizeM
		diameter := 2 * math.Sqrt(areaM2/math.Pi)
		if diameter < p.MinCanopyDiameterM {
			continue
		}
		if diameter > p.MaxCanopyDiameterM {
			diameter = p.MaxCanopyDiameterM
		}
		kept = append(kept, struct {
			peak     grid.Peak
			height   float64
			diameter float64
			area     float64
		}{peak, height, diameter, areaM2})
		geoPts = append(geoPts, s.Transform.PixelToGeo(float64(peak.Col)+0.5, float64(peak.Row)+0.5))
	}
	if len(kept) == 0 {
		return nil
	}

	geoPts = geo.ReprojectToWGS84(geoPts, s.CRS, log)

	dets := make([]model.CandidateDetection, len(kept))
	for i, k := range kept {
		sigma := (k.diameter / 2 / s.CellSizeM) / math.Sqrt2
		dets[i] = model.CandidateDetection{
			ID:              uuid.NewString(),
			RunID:           runID,
			Sensor:          model.SensorLidar,
			PixelCol:        float64(k.peak.Col),
			PixelRow:        float64(k.peak.Row),
			Location:        geoPts[i],
			CanopyDiameterM: k.diameter,
			CanopyAreaM2:    k.area,
			Confidence:      canopy.Confidence(sigma, p.SigmaMax),
			HeightM:         k.height,
			GroundElevM:     s.DTM.At(k.peak.Col, k.peak.Row),
		}
	}
	if log != nil {
		log.Debug("tree tops extracted", "peaks", len(peaks), "kept", len(dets))
	}
	return dets
}

// crownArea flood-fills the contiguous CHM region around a peak that stays
// above the height floor, bounded by the maximum plausible crown radius.
// Returns the region size in cells.
func crownArea(chm *grid.Grid, peak grid.Peak, floor, maxRadiusCells float64) float64 {
	type cell struct{ col, row int }
	visited := map[cell]bool{}
	queue := []cell{{peak.Col, peak.Row}}
	visited[cell{peak.Col, peak.Row}] = true
	count := 0

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		count++

		for _, d := range [4]cell{{0, 1}, {0, -1}, {1, 0}, {-1, 0}} {
			n := cell{c.col + d.col, c.row + d.row}
			if n.col < 0 || n.col >= chm.Width || n.row < 0 || n.row >= chm.Height {
				continue
			}
			if visited[n] {
				continue
			}
			dc := float64(n.col - peak.Col)
			dr := float64(n.row - peak.Row)
			if dc*dc+dr*dr > maxRadiusCells*maxRadiusCells {
				continue
			}
			if chm.At(n.col, n.row) < floor {
				continue
			}
			visited[n] = true
			queue = append(queue, n)
		}
	}
	return float64(count)
}
