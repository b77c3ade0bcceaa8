package vegindex

import (
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/stat"

	"orchard-mapper/internal/model"
	"orchard-mapper/internal/observe"
	"orchard-mapper/internal/raster"
)

// Mask flags which pixels of a tile are usable for detection.
type Mask struct {
	Width  int
	Height int
	Valid  []bool
}

// NewMask returns a mask with every pixel valid.
func NewMask(width, height int) *Mask {
	m := &Mask{Width: width, Height: height, Valid: make([]bool, width*height)}
	for i := range m.Valid {
		m.Valid[i] = true
	}
	return m
}

// At reports whether (col, row) is valid.
func (m *Mask) At(col, row int) bool { return m.Valid[row*m.Width+col] }

// Set marks (col, row).
func (m *Mask) Set(col, row int, valid bool) { m.Valid[row*m.Width+col] = valid }

// And intersects another mask in place.
func (m *Mask) And(other *Mask) {
	for i := range m.Valid {
		m.Valid[i] = m.Valid[i] && other.Valid[i]
	}
}

// CountValid returns the number of usable pixels.
func (m *Mask) CountValid() int {
	n := 0
	for _, v := range m.Valid {
		if v {
			n++
		}
	}
	return n
}

// BuildShadowMask marks pixels usable when their RGB brightness exceeds the
// 5th-percentile (configurable) of non-zero brightness, OR, when NIR exists,
// their NIR reflectance exceeds the minimum threshold. The OR-combination is
// deliberate: requiring both over-rejects vegetation in partial shade. The
// rejected fraction goes to the sink for observability.
func BuildShadowMask(bands *raster.Bands, params model.DetectionParams, sink *observe.Sink, log *slog.Logger) *Mask {
	w := bands.Window.Width
	h := bands.Window.Height
	mask := NewMask(w, h)

	var nonZero []float64
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			if v := bands.Brightness(col, row); v > 0 {
				nonZero = append(nonZero, v)
			}
		}
	}
	if len(nonZero) == 0 {
		// All-dark tile; nothing passes, scanner skips it as empty.
		for i := range mask.Valid {
			mask.Valid[i] = false
		}
		return mask
	}
	sort.Float64s(nonZero)
	floor := stat.Quantile(params.ShadowBrightnessPercentile, stat.Empirical, nonZero, nil)

	nir := bands.Plane(raster.BandNIR)
	rejected := 0
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			valid := bands.Brightness(col, row) > floor
			if !valid && nir != nil {
				valid = nir.At(col, row) > params.ShadowMinNIR
			}
			mask.Set(col, row, valid)
			if !valid {
				rejected++
			}
		}
	}

	if sink != nil {
		sink.AddRejectedPixels(rejected)
	}
	if log != nil && w*h > 0 {
		log.Debug("shadow mask built",
			"rejected_fraction", float64(rejected)/float64(w*h),
			"brightness_floor", floor)
	}
	return mask
}
