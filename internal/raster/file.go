package raster

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/tiff"

	"orchard-mapper/internal/grid"
	"orchard-mapper/internal/model"
)

// fileReader serves windows from a decoded image. The decode happens once at
// open; windows are sliced out of the decoded planes so the per-tile working
// set stays bounded regardless of tile order. Sources too large to decode at
// once plug in behind the Reader interface instead.
type fileReader struct {
	src    model.RasterSource
	img    image.Image
	closed bool
}

// OpenFile opens a raster file (TIFF, PNG or JPEG) described by src. When
// src.HasNIR is set the alpha plane of a 4-channel composite is read as the
// near-infrared band.
func OpenFile(src model.RasterSource) (Reader, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("open raster %s: %w", src.Path, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode raster %s: %w", src.Path, err)
	}
	bounds := img.Bounds()
	if src.Width == 0 && src.Height == 0 {
		src.Width = bounds.Dx()
		src.Height = bounds.Dy()
	}
	if bounds.Dx() != src.Width || bounds.Dy() != src.Height {
		return nil, fmt.Errorf("raster %s is %dx%d, source record says %dx%d (format %s)",
			src.Path, bounds.Dx(), bounds.Dy(), src.Width, src.Height, format)
	}
	return &fileReader{src: src, img: img}, nil
}

func (r *fileReader) Source() model.RasterSource { return r.src }

func (r *fileReader) ReadWindow(ctx context.Context, w Window) (*Bands, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.closed {
		return nil, fmt.Errorf("read on closed raster %s", r.src.Path)
	}
	if err := checkWindow(r.src, w); err != nil {
		return nil, err
	}

	planes := []*grid.Grid{
		grid.New(w.Width, w.Height),
		grid.New(w.Width, w.Height),
		grid.New(w.Width, w.Height),
	}
	if r.src.HasNIR {
		planes = append(planes, grid.New(w.Width, w.Height))
	}

	min := r.img.Bounds().Min
	for y := 0; y < w.Height; y++ {
		for x := 0; x < w.Width; x++ {
			cr, cg, cb, ca := sample(r.img, min.X+w.Col+x, min.Y+w.Row+y)
			planes[BandBlue].Set(x, y, cb)
			planes[BandGreen].Set(x, y, cg)
			planes[BandRed].Set(x, y, cr)
			if r.src.HasNIR {
				planes[BandNIR].Set(x, y, ca)
			}
		}
	}
	return &Bands{Window: w, Planes: planes, HasNIR: r.src.HasNIR}, nil
}

// sample returns the four channels of one pixel as reflectance in [0, 1].
// Color.RGBA() premultiplies color by alpha; with near-infrared riding the
// alpha plane that would scale every color band by NIR, so non-premultiplied
// image types are read through their raw accessors.
func sample(img image.Image, x, y int) (r, g, b, a float64) {
	switch im := img.(type) {
	case *image.NRGBA:
		c := im.NRGBAAt(x, y)
		return float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255, float64(c.A) / 255
	case *image.NRGBA64:
		c := im.NRGBA64At(x, y)
		return float64(c.R) / 65535, float64(c.G) / 65535, float64(c.B) / 65535, float64(c.A) / 65535
	default:
		cr, cg, cb, ca := img.At(x, y).RGBA()
		return float64(cr) / 65535, float64(cg) / 65535, float64(cb) / 65535, float64(ca) / 65535
	}
}

func (r *fileReader) Close() error {
	r.closed = true
	r.img = nil
	return nil
}

// MemoryReader serves windows from in-memory band planes. Used by tests and
// by ingestion paths that already hold decoded data.
type MemoryReader struct {
	Src    model.RasterSource
	Bands  []*grid.Grid
	HasNIR bool
}

func (r *MemoryReader) Source() model.RasterSource { return r.Src }

func (r *MemoryReader) ReadWindow(ctx context.Context, w Window) (*Bands, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkWindow(r.Src, w); err != nil {
		return nil, err
	}
	planes := make([]*grid.Grid, len(r.Bands))
	for i, full := range r.Bands {
		p := grid.New(w.Width, w.Height)
		for y := 0; y < w.Height; y++ {
			for x := 0; x < w.Width; x++ {
				p.Set(x, y, full.At(w.Col+x, w.Row+y))
			}
		}
		planes[i] = p
	}
	return &Bands{Window: w, Planes: planes, HasNIR: r.HasNIR}, nil
}

func (r *MemoryReader) Close() error { return nil }
