// Package lidar implements the point-cloud canopy segmentation pipeline:
// ground/canopy separation into terrain and surface height models, tree-top
// extraction from the canopy height model, crown estimation and per-field
// terrain statistics.
package lidar

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"orchard-mapper/internal/geo"
)

// ASPRS ground classification code.
const classGround = 2

// Point is one LiDAR return in the cloud's projected CRS.
type Point struct {
	X     float64
	Y     float64
	Z     float64
	Class uint8
}

// Ground reports whether the point carries the ground classification.
func (p Point) Ground() bool { return p.Class == classGround }

// Cloud is a classified point cloud covering one field.
type Cloud struct {
	Points            []Point
	CRS               geo.CRS
	HasClassification bool
}

// OpenXYZC reads a whitespace- or comma-separated "x y z class" text export.
// Classification is taken from the fourth column when present.
func OpenXYZC(path string, crs geo.CRS) (*Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open point cloud %s: %w", path, err)
	}
	defer f.Close()

	cloud := &Cloud{CRS: crs}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(strings.ReplaceAll(scanner.Text(), ",", " "))
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 3 {
			return nil, fmt.Errorf("point cloud %s line %d: want at least x y z, got %q", path, line, text)
		}
		var p Point
		if p.X, err = strconv.ParseFloat(fields[0], 64); err != nil {
			return nil, fmt.Errorf("point cloud %s line %d: %w", path, line, err)
		}
		if p.Y, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return nil, fmt.Errorf("point cloud %s line %d: %w", path, line, err)
		}
		if p.Z, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return nil, fmt.Errorf("point cloud %s line %d: %w", path, line, err)
		}
		if len(fields) >= 4 {
			cls, err := strconv.Atoi(fields[3])
			if err != nil {
				return nil, fmt.Errorf("point cloud %s line %d: %w", path, line, err)
			}
			p.Class = uint8(cls)
			cloud.HasClassification = true
		}
		cloud.Points = append(cloud.Points, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read point cloud %s: %w", path, err)
	}
	return cloud, nil
}

// Clip returns the subset of points inside the WGS84 field boundary. The
// boundary is projected into the cloud CRS once; the points stay untouched.
func (c *Cloud) Clip(field orb.Polygon) (*Cloud, error) {
	if len(field) == 0 || len(field[0]) == 0 {
		return c, nil
	}
	ring := make([]orb.Point, len(field[0]))
	copy(ring, field[0])

	if !c.CRS.Geographic() {
		var err error
		ring, err = geo.TransformPoints(ring, geo.EPSGWGS84, c.CRS.EPSG)
		if err != nil {
			return nil, fmt.Errorf("project field boundary into cloud CRS: %w", err)
		}
	}
	poly := orb.Polygon{orb.Ring(ring)}

	out := &Cloud{CRS: c.CRS, HasClassification: c.HasClassification}
	for _, p := range c.Points {
		if planar.PolygonContains(poly, orb.Point{p.X, p.Y}) {
			out.Points = append(out.Points, p)
		}
	}
	return out, nil
}

// Density returns points per square meter over the cloud's bounding box.
func (c *Cloud) Density() float64 {
	if len(c.Points) == 0 {
		return 0
	}
	minX, minY := c.Points[0].X, c.Points[0].Y
	maxX, maxY := minX, minY
	for _, p := range c.Points[1:] {
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
	}
	area := (maxX - minX) * (maxY - minY)
	if area <= 0 {
		return 0
	}
	return float64(len(c.Points)) / area
}
