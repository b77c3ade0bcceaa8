package geometry

// PointInPolygon uses the ray casting algorithm to test whether (x, y) lies
// inside the polygon. Used to rasterize field boundaries into pixel masks.
func PointInPolygon(x, y float64, polygon []Point2D) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := polygon[i].X, polygon[i].Y
		xj, yj := polygon[j].X, polygon[j].Y
		if ((yi > y) != (yj > y)) && (x < (xj-xi)*(y-yi)/(yj-yi)+xi) {
			inside = !inside
		}
		j = i
	}
	return inside
}

// PolygonBounds returns the axis-aligned bounding rectangle of the polygon
// in pixel coordinates, expanded to whole pixels.
func PolygonBounds(polygon []Point2D) RectInt {
	if len(polygon) == 0 {
		return RectInt{}
	}
	minX, minY := polygon[0].X, polygon[0].Y
	maxX, maxY := minX, minY
	for _, p := range polygon[1:] {
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
	x := int(minX)
	y := int(minY)
	return RectInt{
		X:      x,
		Y:      y,
		Width:  int(maxX+1) - x,
		Height: int(maxY+1) - y,
	}
}
