package canopy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchard-mapper/internal/grid"
	"orchard-mapper/internal/model"
)

// gaussianBump renders a canopy-like intensity bump of the given spatial
// sigma (pixels) onto the grid.
func gaussianBump(g *grid.Grid, cx, cy, sigma, amplitude float64) {
	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			dx := float64(col) - cx
			dy := float64(row) - cy
			v := amplitude * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			g.Set(col, row, g.At(col, row)+v)
		}
	}
}

func testParams() model.DetectionParams {
	// 0.5 m/px ground resolution over the default 1.5-8 m canopy range.
	return model.DefaultDetectionParams().WithResolution(0.5)
}

func TestDetectBlobsFlatTile(t *testing.T) {
	flat := grid.New(32, 32)
	assert.Nil(t, DetectBlobs(flat, testParams()))
}

func TestDetectBlobsUnresolvedScale(t *testing.T) {
	// Parameters that never went through WithResolution leave the sigma
	// range at zero; the detector must report nothing rather than panic.
	index := grid.New(32, 32)
	gaussianBump(index, 16, 16, 3, 1)
	assert.Nil(t, DetectBlobs(index, model.DefaultDetectionParams()))
	assert.Nil(t, sigmaLevels(model.DefaultDetectionParams()))
}

func TestDetectBlobsSingleCanopy(t *testing.T) {
	p := testParams()
	index := grid.New(64, 64)
	// A 4 m canopy at 0.5 m/px is a 4 px radius, sigma = 4/sqrt(2).
	gaussianBump(index, 32, 32, 4/math.Sqrt2, 1)

	blobs := DetectBlobs(index, p)
	require.NotEmpty(t, blobs)

	best := blobs[0]
	for _, b := range blobs[1:] {
		if b.Value > best.Value {
			best = b
		}
	}
	assert.InDelta(t, 32.0, best.Col, 1.5)
	assert.InDelta(t, 32.0, best.Row, 1.5)

	diameter := DiameterM(best.Sigma, p.ResolutionM)
	assert.InDelta(t, 4.0, diameter, 4.0*0.25, "diameter from scale within tolerance")
}

func TestDetectBlobsSeparatesNeighbors(t *testing.T) {
	p := testParams()
	index := grid.New(96, 48)
	gaussianBump(index, 24, 24, 4/math.Sqrt2, 1)
	gaussianBump(index, 70, 24, 4/math.Sqrt2, 0.9)

	blobs := DetectBlobs(index, p)
	require.GreaterOrEqual(t, len(blobs), 2)

	var nearA, nearB bool
	for _, b := range blobs {
		if math.Abs(b.Col-24) <= 2 && math.Abs(b.Row-24) <= 2 {
			nearA = true
		}
		if math.Abs(b.Col-70) <= 2 && math.Abs(b.Row-24) <= 2 {
			nearB = true
		}
	}
	assert.True(t, nearA, "first canopy found")
	assert.True(t, nearB, "second canopy found")
}

func TestPruneOverlaps(t *testing.T) {
	blobs := []Blob{
		{Col: 10, Row: 10, Sigma: 2, Value: 0.9},
		{Col: 11, Row: 10, Sigma: 2, Value: 0.5}, // same canopy, weaker
		{Col: 40, Row: 10, Sigma: 2, Value: 0.7},
	}
	kept := pruneOverlaps(blobs, 0.5)
	require.Len(t, kept, 2)
	assert.Equal(t, 0.9, kept[0].Value, "strongest survives")
	assert.Equal(t, 0.7, kept[1].Value)
}

func TestPruneOverlapsDeterministicTieBreak(t *testing.T) {
	// Equal values: position tie-break keeps the same winner every time.
	blobs := []Blob{
		{Col: 12, Row: 10, Sigma: 2, Value: 0.5},
		{Col: 10, Row: 10, Sigma: 2, Value: 0.5},
	}
	a := pruneOverlaps(append([]Blob(nil), blobs...), 0.5)
	b := pruneOverlaps([]Blob{blobs[1], blobs[0]}, 0.5)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0], b[0])
}

func TestConfidenceMonotonic(t *testing.T) {
	p := testParams()
	small := Confidence(p.SigmaMin, p.SigmaMax)
	large := Confidence(p.SigmaMax, p.SigmaMax)

	assert.Greater(t, large, small)
	assert.LessOrEqual(t, large, 1.0)
	assert.GreaterOrEqual(t, small, 0.4, "accepted canopies never score as noise")
	assert.Zero(t, Confidence(1, 0))
}

func TestDiameterRoundTrip(t *testing.T) {
	p := testParams()
	// radius_px -> sigma -> diameter recovers the physical size.
	sigma := (4.0 / 2 / p.ResolutionM) / math.Sqrt2
	assert.InDelta(t, 4.0, DiameterM(sigma, p.ResolutionM), 1e-9)
}

func TestSigmaLevelsCoverRange(t *testing.T) {
	p := testParams()
	levels := sigmaLevels(p)
	require.GreaterOrEqual(t, len(levels), 3)
	assert.InDelta(t, p.SigmaMin, levels[0], 1e-9)
	assert.GreaterOrEqual(t, levels[len(levels)-1], p.SigmaMax)
}
