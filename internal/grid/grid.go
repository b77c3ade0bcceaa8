// Package grid provides a dense float64 raster grid and the image operations
// the detection pipelines share: Gaussian smoothing, min-max normalization
// and dilation-based local-maximum search. Heavy kernels run through OpenCV
// (gocv); everything else is plain slices.
package grid

import "math"

// Grid is a row-major dense raster of float64 samples.
type Grid struct {
	Width  int
	Height int
	Data   []float64
}

// New creates a zero-filled grid.
func New(width, height int) *Grid {
	return &Grid{Width: width, Height: height, Data: make([]float64, width*height)}
}

// At returns the sample at (col, row). No bounds checking; callers own it.
func (g *Grid) At(col, row int) float64 {
	return g.Data[row*g.Width+col]
}

// Set writes the sample at (col, row).
func (g *Grid) Set(col, row int, v float64) {
	g.Data[row*g.Width+col] = v
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	out := New(g.Width, g.Height)
	copy(out.Data, g.Data)
	return out
}

// MinMax returns the smallest and largest finite samples. NaN samples are
// ignored; an all-NaN grid returns (0, 0, false).
func (g *Grid) MinMax() (minV, maxV float64, ok bool) {
	minV = math.Inf(1)
	maxV = math.Inf(-1)
	for _, v := range g.Data {
		if math.IsNaN(v) {
			continue
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if minV > maxV {
		return 0, 0, false
	}
	return minV, maxV, true
}

// Normalize rescales samples to [0, 1] in place. Returns false without
// modifying the grid when there is no dynamic range (max == min); flat
// inputs must produce zero detections, not a divide-by-zero.
func (g *Grid) Normalize() bool {
	minV, maxV, ok := g.MinMax()
	if !ok || maxV == minV {
		return false
	}
	span := maxV - minV
	for i, v := range g.Data {
		g.Data[i] = (v - minV) / span
	}
	return true
}

// Sub returns g - other as a new grid. Grids must have identical shape.
func (g *Grid) Sub(other *Grid) *Grid {
	out := New(g.Width, g.Height)
	for i := range g.Data {
		out.Data[i] = g.Data[i] - other.Data[i]
	}
	return out
}

// Scale multiplies every sample in place.
func (g *Grid) Scale(factor float64) *Grid {
	for i := range g.Data {
		g.Data[i] *= factor
	}
	return g
}

// Peak is a local maximum found by LocalMaxima.
type Peak struct {
	Col   int
	Row   int
	Value float64
}
