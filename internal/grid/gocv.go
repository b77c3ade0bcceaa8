package grid

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// toMat converts the grid to a single-channel float32 Mat.
func (g *Grid) toMat() gocv.Mat {
	mat := gocv.NewMatWithSize(g.Height, g.Width, gocv.MatTypeCV32F)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			mat.SetFloatAt(y, x, float32(g.At(x, y)))
		}
	}
	return mat
}

// fromMat copies a single-channel float32 Mat into a new grid.
func fromMat(mat gocv.Mat) *Grid {
	out := New(mat.Cols(), mat.Rows())
	for y := 0; y < mat.Rows(); y++ {
		for x := 0; x < mat.Cols(); x++ {
			out.Set(x, y, float64(mat.GetFloatAt(y, x)))
		}
	}
	return out
}

// kernelForSigma returns an odd kernel size covering three standard
// deviations, the usual truncation for a Gaussian kernel.
func kernelForSigma(sigma float64) int {
	k := 2*int(math.Ceil(3*sigma)) + 1
	if k < 3 {
		k = 3
	}
	return k
}

// Smooth returns a Gaussian-blurred copy of the grid. A sigma <= 0 returns
// an unmodified copy.
func (g *Grid) Smooth(sigma float64) *Grid {
	if sigma <= 0 {
		return g.Clone()
	}
	src := g.toMat()
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	k := kernelForSigma(sigma)
	gocv.GaussianBlur(src, &dst, image.Point{X: k, Y: k}, sigma, sigma, gocv.BorderDefault)
	return fromMat(dst)
}

// LocalMaxima finds samples that are the maximum within a circular
// neighborhood of minDistance pixels and exceed minValue. The neighborhood
// test uses morphological dilation: a pixel is a peak iff its value equals
// the dilated value, the same trick the distance-transform peak search uses
// for circular feature detection.
func (g *Grid) LocalMaxima(minDistance int, minValue float64) []Peak {
	if minDistance < 1 {
		minDistance = 1
	}
	src := g.toMat()
	defer src.Close()

	kernelSize := 2*minDistance + 1
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: kernelSize, Y: kernelSize})
	defer kernel.Close()

	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(src, &dilated, kernel)

	var peaks []Peak
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			v := g.At(x, y)
			if v < minValue || math.IsNaN(v) {
				continue
			}
			if float32(v) < dilated.GetFloatAt(y, x) {
				continue
			}
			peaks = append(peaks, Peak{Col: x, Row: y, Value: v})
		}
	}
	return peaks
}
