// Package raster provides windowed, banded access to multispectral imagery.
// Readers expose fixed windows so the tile scanner never needs a full-raster
// allocation in the processing path; band values are normalized reflectance
// in [0, 1].
package raster

import (
	"context"
	"fmt"

	"orchard-mapper/internal/grid"
	"orchard-mapper/internal/model"
)

// Band indexes into Bands.Planes. Canonical order is blue, green, red, NIR,
// matching the ingestion convention for multispectral composites.
type Band int

const (
	BandBlue Band = iota
	BandGreen
	BandRed
	BandNIR
)

// Window is a pixel-aligned read region in raster coordinates.
type Window struct {
	Col    int `json:"col"`
	Row    int `json:"row"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the window has no area.
func (w Window) Empty() bool { return w.Width <= 0 || w.Height <= 0 }

// Intersect clips the window against another.
func (w Window) Intersect(other Window) Window {
	x1 := maxInt(w.Col, other.Col)
	y1 := maxInt(w.Row, other.Row)
	x2 := minInt(w.Col+w.Width, other.Col+other.Width)
	y2 := minInt(w.Row+w.Height, other.Row+other.Height)
	return Window{Col: x1, Row: y1, Width: x2 - x1, Height: y2 - y1}
}

// Bands is the pixel data of one window, one plane per band.
type Bands struct {
	Window Window
	Planes []*grid.Grid
	HasNIR bool
}

// Plane returns the grid for a band, or nil when the band is absent.
func (b *Bands) Plane(band Band) *grid.Grid {
	if int(band) >= len(b.Planes) {
		return nil
	}
	if band == BandNIR && !b.HasNIR {
		return nil
	}
	return b.Planes[band]
}

// Brightness returns mean RGB reflectance at (col, row) within the window.
func (b *Bands) Brightness(col, row int) float64 {
	sum := 0.0
	n := 0
	for _, band := range []Band{BandBlue, BandGreen, BandRed} {
		if p := b.Plane(band); p != nil {
			sum += p.At(col, row)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Reader provides windowed access to one raster source.
type Reader interface {
	// Source returns the immutable source metadata.
	Source() model.RasterSource
	// ReadWindow reads one window of band data. The returned planes are
	// owned by the caller. Reading outside the raster is an error.
	ReadWindow(ctx context.Context, w Window) (*Bands, error)
	Close() error
}

// FullWindow returns the window covering the whole source.
func FullWindow(src model.RasterSource) Window {
	return Window{Width: src.Width, Height: src.Height}
}

func checkWindow(src model.RasterSource, w Window) error {
	if w.Empty() {
		return fmt.Errorf("empty read window %+v", w)
	}
	if w.Col < 0 || w.Row < 0 || w.Col+w.Width > src.Width || w.Row+w.Height > src.Height {
		return fmt.Errorf("window %+v outside raster %dx%d", w, src.Width, src.Height)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
