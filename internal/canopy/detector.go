// Package canopy detects tree canopies in a smoothed vegetation-index tile
// using a multi-scale Difference-of-Gaussian blob search constrained to a
// physically plausible canopy-diameter range.
package canopy

import (
	"math"
	"sort"

	"orchard-mapper/internal/grid"
	"orchard-mapper/internal/model"
)

// sigmaRatio is the scale step between adjacent Gaussian levels. 1.6 closely
// approximates the Laplacian-of-Gaussian response while staying cheap.
const sigmaRatio = 1.6

// Blob is one scale-space maximum in tile-local pixel coordinates.
type Blob struct {
	Col   float64
	Row   float64
	Sigma float64
	Value float64
}

// RadiusPx returns the blob radius implied by its scale.
func (b Blob) RadiusPx() float64 { return b.Sigma * math.Sqrt2 }

// sigmaLevels builds the geometric sigma ladder covering the configured
// canopy size range, always at least three levels so every usable scale has
// a neighbor on both sides. An unusable scale range (unset resolution)
// yields no levels.
func sigmaLevels(p model.DetectionParams) []float64 {
	if p.SigmaMin <= 0 || p.SigmaMax < p.SigmaMin {
		return nil
	}
	var levels []float64
	for s := p.SigmaMin; s < p.SigmaMax*sigmaRatio; s *= sigmaRatio {
		levels = append(levels, s)
	}
	for len(levels) < 3 {
		levels = append(levels, levels[len(levels)-1]*sigmaRatio)
	}
	return levels
}

// DetectBlobs runs the DoG blob search over a vegetation-index (or canopy
// height) tile. The tile is min-max normalized and pre-smoothed first; a
// tile with no dynamic range yields zero blobs rather than dividing by zero.
func DetectBlobs(index *grid.Grid, p model.DetectionParams) []Blob {
	work := index.Clone()
	if !work.Normalize() {
		return nil
	}
	work = work.Smooth(p.SmoothingSigma)

	levels := sigmaLevels(p)
	if len(levels) == 0 {
		return nil
	}

	// Gaussian pyramid at full resolution; tiles are small enough that the
	// repeated blurs dominate memory use, not the stack.
	blurred := make([]*grid.Grid, len(levels))
	for i, sigma := range levels {
		blurred[i] = work.Smooth(sigma)
	}

	// Scale-normalized DoG planes.
	dogs := make([]*grid.Grid, len(levels)-1)
	for i := range dogs {
		dogs[i] = blurred[i].Sub(blurred[i+1]).Scale(levels[i] / (levels[i+1] - levels[i]))
	}

	var blobs []Blob
	for i, dog := range dogs {
		sigma := levels[i]
		if sigma > p.SigmaMax {
			break
		}
		neighborhood := int(math.Round(sigma))
		if neighborhood < 1 {
			neighborhood = 1
		}
		for _, peak := range dog.LocalMaxima(neighborhood, p.BlobThreshold) {
			if !scaleMaximum(dogs, i, peak) {
				continue
			}
			blobs = append(blobs, Blob{
				Col:   float64(peak.Col),
				Row:   float64(peak.Row),
				Sigma: sigma,
				Value: peak.Value,
			})
		}
	}

	return pruneOverlaps(blobs, p.BlobOverlap)
}

// scaleMaximum requires the peak to dominate the same pixel in the adjacent
// scale planes, so each canopy is reported at its best-fitting size only.
func scaleMaximum(dogs []*grid.Grid, i int, peak grid.Peak) bool {
	if i > 0 && dogs[i-1].At(peak.Col, peak.Row) > peak.Value {
		return false
	}
	if i < len(dogs)-1 && dogs[i+1].At(peak.Col, peak.Row) > peak.Value {
		return false
	}
	return true
}

// pruneOverlaps suppresses weaker blobs whose centers sit inside the overlap
// tolerance of a stronger one. Sorting is strength-descending with a
// deterministic position tie-break, the same greedy shape as the tile-seam
// deduplicator.
func pruneOverlaps(blobs []Blob, overlap float64) []Blob {
	if len(blobs) <= 1 {
		return blobs
	}
	sort.Slice(blobs, func(i, j int) bool {
		if blobs[i].Value != blobs[j].Value {
			return blobs[i].Value > blobs[j].Value
		}
		if blobs[i].Row != blobs[j].Row {
			return blobs[i].Row < blobs[j].Row
		}
		return blobs[i].Col < blobs[j].Col
	})

	var kept []Blob
	for _, b := range blobs {
		dup := false
		for _, k := range kept {
			dx := b.Col - k.Col
			dy := b.Row - k.Row
			limit := overlap * (b.RadiusPx() + k.RadiusPx())
			if dx*dx+dy*dy < limit*limit {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, b)
		}
	}
	return kept
}

// Confidence maps a blob's scale to a detection confidence: stronger/larger
// responses score higher, capped at 1. The floor keeps even the smallest
// accepted canopy from being scored as noise.
func Confidence(sigma, sigmaMax float64) float64 {
	if sigmaMax <= 0 {
		return 0
	}
	c := 0.4 + 0.6*(sigma/sigmaMax)
	if c > 1 {
		c = 1
	}
	return c
}

// DiameterM converts a blob scale back to a ground canopy diameter.
func DiameterM(sigma, resolutionM float64) float64 {
	return sigma * math.Sqrt2 * 2 * resolutionM
}
