package scan

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchard-mapper/internal/dedup"
	"orchard-mapper/internal/geo"
	"orchard-mapper/internal/grid"
	"orchard-mapper/internal/model"
	"orchard-mapper/internal/observe"
	"orchard-mapper/internal/raster"
)

func TestTilesPartitionInnerRegions(t *testing.T) {
	base := raster.Window{Width: 128, Height: 128}
	tiles := Tiles(base, 80, 16)
	require.GreaterOrEqual(t, len(tiles), 4, "raster must split into multiple tiles")

	// Every pixel of the base window belongs to exactly one inner region.
	owners := make([]int, base.Width*base.Height)
	for _, tile := range tiles {
		in := tile.Inner
		for row := in.Row; row < in.Row+in.Height; row++ {
			for col := in.Col; col < in.Col+in.Width; col++ {
				owners[row*base.Width+col]++
			}
		}
		// The inner region never exceeds its window.
		assert.Equal(t, in, in.Intersect(tile.Window))
	}
	for i, n := range owners {
		require.Equal(t, 1, n, "pixel %d owned by %d inner regions", i, n)
	}
}

func TestTilesOffsetBase(t *testing.T) {
	base := raster.Window{Col: 40, Row: 60, Width: 100, Height: 50}
	tiles := Tiles(base, 64, 8)
	require.NotEmpty(t, tiles)
	for _, tile := range tiles {
		assert.Equal(t, tile.Window, tile.Window.Intersect(base))
	}
	first := tiles[0]
	assert.Equal(t, 40, first.Window.Col)
	assert.Equal(t, 60, first.Window.Row)
	assert.Equal(t, 40, first.Inner.Col, "outer edge keeps the margin")
}

// syntheticOrchard builds a 4-band 128x128 raster at 0.5 m/px with three
// Gaussian canopy bumps of 4 m diameter at known pixel centers.
func syntheticOrchard(t *testing.T) (*raster.MemoryReader, [][2]float64) {
	t.Helper()
	const size = 128
	centers := [][2]float64{{30, 30}, {75, 40}, {40, 90}}

	flat := func(v float64) *grid.Grid {
		g := grid.New(size, size)
		for i := range g.Data {
			g.Data[i] = v
		}
		return g
	}
	blue, green, red := flat(0.2), flat(0.25), flat(0.2)

	// NIR: base reflectance above the shadow floor plus canopy bumps.
	nir := flat(0.15)
	sigma := 4.0 / 2 / 0.5 / math.Sqrt2 // 4 m diameter at 0.5 m/px
	for _, c := range centers {
		for row := 0; row < size; row++ {
			for col := 0; col < size; col++ {
				dx := float64(col) - c[0]
				dy := float64(row) - c[1]
				v := 0.8 * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
				nir.Set(col, row, nir.At(col, row)+v)
			}
		}
	}

	src := model.RasterSource{
		ID:        "raster-1",
		Width:     size,
		Height:    size,
		BandCount: 4,
		HasNIR:    true,
		Transform: geo.GeoTransform{
			OriginX: 500000, OriginY: 4650000,
			PixelW: 0.5, PixelH: -0.5,
		},
		CRS: geo.CRS{EPSG: 32633},
	}
	return &raster.MemoryReader{
		Src:    src,
		Bands:  []*grid.Grid{blue, green, red, nir},
		HasNIR: true,
	}, centers
}

func runScan(t *testing.T, reader *raster.MemoryReader, tileSize, overlap int) []model.CandidateDetection {
	t.Helper()
	params := model.DefaultDetectionParams()
	params.TileSizePx = tileSize
	params.TileOverlapPx = overlap

	s := &Scanner{
		Reader: reader,
		Params: params,
		RunID:  "run-1",
		Sink:   observe.NewSink(nil),
		Log:    observe.Logger("test"),
	}
	dets, err := s.Run(context.Background())
	require.NoError(t, err)

	spacingPx := params.WithResolution(0.5).MinSpacingPx()
	return dedup.Suppress(dets, spacingPx, nil)
}

func TestScannerFindsThreeCanopies(t *testing.T) {
	reader, centers := syntheticOrchard(t)
	dets := runScan(t, reader, 80, 16)
	require.Len(t, dets, 3, "exactly one detection per canopy")

	for _, c := range centers {
		var hit *model.CandidateDetection
		for i := range dets {
			if math.Abs(dets[i].PixelCol-c[0]) <= 1 && math.Abs(dets[i].PixelRow-c[1]) <= 1 {
				hit = &dets[i]
				break
			}
		}
		require.NotNil(t, hit, "no detection within 1 px of center %v", c)
		assert.InDelta(t, 4.0, hit.CanopyDiameterM, 4.0*0.2, "diameter within 20%%")
		assert.Equal(t, model.SensorSatellite, hit.Sensor)
		assert.Greater(t, hit.Confidence, 0.0)
		assert.Greater(t, hit.VegIndex, 0.5, "canopy pixels are strongly vegetated")
	}

	// Detections are reprojected to WGS84 at the pipeline boundary.
	for _, d := range dets {
		assert.InDelta(t, 15.0, d.Location.Lon(), 3.0)
		assert.InDelta(t, 42.0, d.Location.Lat(), 3.0)
	}
}

func TestScannerTileLayoutInvariance(t *testing.T) {
	reader, _ := syntheticOrchard(t)

	a := runScan(t, reader, 80, 16)
	b := runScan(t, reader, 64, 8)
	require.Equal(t, len(a), len(b), "detection count must not depend on tiling")

	key := func(dets []model.CandidateDetection) [][2]float64 {
		out := make([][2]float64, len(dets))
		for i, d := range dets {
			out[i] = [2]float64{d.PixelCol, d.PixelRow}
		}
		sort.Slice(out, func(x, y int) bool {
			if out[x][0] != out[y][0] {
				return out[x][0] < out[y][0]
			}
			return out[x][1] < out[y][1]
		})
		return out
	}
	ka, kb := key(a), key(b)
	for i := range ka {
		assert.InDelta(t, ka[i][0], kb[i][0], 1.0)
		assert.InDelta(t, ka[i][1], kb[i][1], 1.0)
	}
}

func TestScannerRejectsZeroResolution(t *testing.T) {
	reader, _ := syntheticOrchard(t)
	reader.Src.Transform.PixelW = 0
	reader.Src.Transform.PixelH = 0

	s := &Scanner{
		Reader: reader,
		Params: model.DefaultDetectionParams(),
		RunID:  "run-1",
		Log:    observe.Logger("test"),
	}
	dets, err := s.Run(context.Background())
	require.Error(t, err, "an unmeasurable pixel size fails the run")
	assert.Contains(t, err.Error(), "ground resolution")
	assert.Nil(t, dets)
}

func TestScannerOrderIndependence(t *testing.T) {
	// The deduplicated detection set must not depend on the order tile
	// results were collected in.
	reader, _ := syntheticOrchard(t)
	params := model.DefaultDetectionParams()
	params.TileSizePx = 80
	params.TileOverlapPx = 16

	s := &Scanner{
		Reader: reader,
		Params: params,
		RunID:  "run-1",
		Log:    observe.Logger("test"),
	}
	raw, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(raw), 1)

	spacingPx := params.WithResolution(0.5).MinSpacingPx()
	baseline := dedup.Suppress(append([]model.CandidateDetection(nil), raw...), spacingPx, nil)

	shuffled := append([]model.CandidateDetection(nil), raw...)
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	permuted := dedup.Suppress(shuffled, spacingPx, nil)

	key := func(dets []model.CandidateDetection) []string {
		out := make([]string, len(dets))
		for i, d := range dets {
			out[i] = d.ID
		}
		sort.Strings(out)
		return out
	}
	assert.Equal(t, key(baseline), key(permuted))
}

func TestScannerCancellation(t *testing.T) {
	reader, _ := syntheticOrchard(t)
	s := &Scanner{
		Reader: reader,
		Params: model.DefaultDetectionParams(),
		RunID:  "run-1",
		Log:    observe.Logger("test"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dets, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, dets, "partial results discarded on cancellation")
}

func TestMetrics(t *testing.T) {
	dets := []model.CandidateDetection{
		{CanopyDiameterM: 4},
		{CanopyDiameterM: 6},
	}
	m := Metrics(dets, 2.0)
	assert.Equal(t, 2, m.TreeCount)
	assert.InDelta(t, 1.0, m.TreesPerHa, 1e-9)
	assert.InDelta(t, 5.0, m.MeanCanopyDiameterM, 1e-9)

	wantCover := (math.Pi*4 + math.Pi*9) / 20000
	assert.InDelta(t, wantCover, m.CanopyCoverFraction, 1e-9)

	empty := Metrics(nil, 2.0)
	assert.Zero(t, empty.TreeCount)
}
