package lidar

import (
	"fmt"
	"math"

	"orchard-mapper/internal/geo"
	"orchard-mapper/internal/grid"
)

// Surfaces holds the three height models over a regular grid: terrain (DTM),
// surface (DSM) and canopy height (CHM = DSM - DTM, clamped at zero). The
// Transform maps grid (col, row) to cloud-CRS coordinates, north-up.
type Surfaces struct {
	DTM *grid.Grid
	DSM *grid.Grid
	CHM *grid.Grid

	CellSizeM float64
	Transform geo.GeoTransform
	CRS       geo.CRS
}

// BuildSurfaces grids a classified point cloud into the three height models.
// A cloud with no points after clipping, or without ground classification,
// is a hard run failure: there is nothing meaningful to segment and a silent
// empty result would be indistinguishable from "no trees".
func BuildSurfaces(cloud *Cloud, cellSizeM float64) (*Surfaces, error) {
	if cloud == nil || len(cloud.Points) == 0 {
		return nil, fmt.Errorf("point cloud is empty after field clipping")
	}
	if !cloud.HasClassification {
		return nil, fmt.Errorf("point cloud has no ground classification")
	}
	if cellSizeM <= 0 {
		return nil, fmt.Errorf("grid cell size must be positive, got %.2f", cellSizeM)
	}

	minX, minY := cloud.Points[0].X, cloud.Points[0].Y
	maxX, maxY := minX, minY
	groundPoints := 0
	for _, p := range cloud.Points {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
		if p.Ground() {
			groundPoints++
		}
	}
	if groundPoints == 0 {
		return nil, fmt.Errorf("point cloud has classification but no ground returns")
	}

	cols := int(math.Ceil((maxX-minX)/cellSizeM)) + 1
	rows := int(math.Ceil((maxY-minY)/cellSizeM)) + 1

	s := &Surfaces{
		DTM:       grid.New(cols, rows),
		DSM:       grid.New(cols, rows),
		CHM:       grid.New(cols, rows),
		CellSizeM: cellSizeM,
		CRS:       cloud.CRS,
		Transform: geo.GeoTransform{
			OriginX: minX,
			OriginY: maxY,
			PixelW:  cellSizeM,
			PixelH:  -cellSizeM,
		},
	}

	groundSum := make([]float64, cols*rows)
	groundN := make([]int, cols*rows)
	dsmSet := make([]bool, cols*rows)
	for i := range s.DSM.Data {
		s.DSM.Data[i] = math.Inf(-1)
	}

	for _, p := range cloud.Points {
		col := int((p.X - minX) / cellSizeM)
		row := int((maxY - p.Y) / cellSizeM)
		if col < 0 || col >= cols || row < 0 || row >= rows {
			continue
		}
		i := row*cols + col
		if p.Ground() {
			groundSum[i] += p.Z
			groundN[i]++
		}
		if p.Z > s.DSM.Data[i] {
			s.DSM.Data[i] = p.Z
			dsmSet[i] = true
		}
	}

	// Terrain: mean ground elevation per cell, NaN where no ground return
	// landed, then filled from neighbors.
	for i := range groundSum {
		if groundN[i] > 0 {
			s.DTM.Data[i] = groundSum[i] / float64(groundN[i])
		} else {
			s.DTM.Data[i] = math.NaN()
		}
	}
	fillHoles(s.DTM)

	// Cells with no returns at all get surface = terrain, i.e. zero canopy.
	for i := range s.DSM.Data {
		if !dsmSet[i] {
			s.DSM.Data[i] = s.DTM.Data[i]
		}
	}

	for i := range s.CHM.Data {
		h := s.DSM.Data[i] - s.DTM.Data[i]
		if h < 0 || math.IsNaN(h) {
			h = 0
		}
		s.CHM.Data[i] = h
	}
	return s, nil
}

// fillHoles replaces NaN cells with the mean of their non-NaN neighbors,
// iterating until the grid is dense. Interpolation sweeps inward from hole
// edges, which is adequate for the small gaps a field-scale ground grid has.
func fillHoles(g *grid.Grid) {
	const maxPasses = 64
	for pass := 0; pass < maxPasses; pass++ {
		filledAny := false
		next := g.Clone()
		for row := 0; row < g.Height; row++ {
			for col := 0; col < g.Width; col++ {
				if !math.IsNaN(g.At(col, row)) {
					continue
				}
				sum := 0.0
				n := 0
				for dr := -1; dr <= 1; dr++ {
					for dc := -1; dc <= 1; dc++ {
						c, r := col+dc, row+dr
						if c < 0 || c >= g.Width || r < 0 || r >= g.Height {
							continue
						}
						if v := g.At(c, r); !math.IsNaN(v) {
							sum += v
							n++
						}
					}
				}
				if n > 0 {
					next.Set(col, row, sum/float64(n))
					filledAny = true
				}
			}
		}
		copy(g.Data, next.Data)
		if !filledAny {
			break
		}
		dense := true
		for _, v := range g.Data {
			if math.IsNaN(v) {
				dense = false
				break
			}
		}
		if dense {
			break
		}
	}
	// A fully empty grid cannot be filled; zero it so downstream math stays
	// finite. BuildSurfaces guarantees at least one ground return.
	for i, v := range g.Data {
		if math.IsNaN(v) {
			g.Data[i] = 0
		}
	}
}
