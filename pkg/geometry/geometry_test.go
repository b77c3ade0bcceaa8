package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointDistance(t *testing.T) {
	a := Point2D{X: 0, Y: 0}
	b := Point2D{X: 3, Y: 4}
	assert.InDelta(t, 5.0, a.Distance(b), 1e-12)
	assert.InDelta(t, 5.0, b.Distance(a), 1e-12)
}

func TestRectIntersect(t *testing.T) {
	a := RectInt{X: 0, Y: 0, Width: 10, Height: 10}
	b := RectInt{X: 5, Y: 5, Width: 10, Height: 10}

	got := a.Intersect(b)
	assert.Equal(t, RectInt{X: 5, Y: 5, Width: 5, Height: 5}, got)

	disjoint := RectInt{X: 20, Y: 20, Width: 5, Height: 5}
	assert.True(t, a.Intersect(disjoint).Empty())
}

func TestRectInset(t *testing.T) {
	r := RectInt{X: 0, Y: 0, Width: 10, Height: 10}
	assert.Equal(t, RectInt{X: 2, Y: 2, Width: 6, Height: 6}, r.Inset(2))
	assert.True(t, r.Inset(6).Empty())
}

func TestAffineRoundTrip(t *testing.T) {
	tr := AffineTransform{A: 0.5, B: 0, TX: 100, C: 0, D: -0.5, TY: 200}
	inv, ok := tr.Inverse()
	require.True(t, ok)

	p := Point2D{X: 12.5, Y: -7.25}
	got := inv.Apply(tr.Apply(p))
	assert.InDelta(t, p.X, got.X, 1e-9)
	assert.InDelta(t, p.Y, got.Y, 1e-9)
}

func TestAffineSingular(t *testing.T) {
	_, ok := AffineTransform{}.Inverse()
	assert.False(t, ok)
}

func TestPointInPolygon(t *testing.T) {
	square := []Point2D{{0, 0}, {10, 0}, {10, 10}, {0, 10}}

	assert.True(t, PointInPolygon(5, 5, square))
	assert.False(t, PointInPolygon(15, 5, square))
	assert.False(t, PointInPolygon(-1, -1, square))

	// Degenerate polygons contain nothing.
	assert.False(t, PointInPolygon(5, 5, square[:2]))
}

func TestPolygonBounds(t *testing.T) {
	tri := []Point2D{{2.5, 1.5}, {8.2, 3.0}, {4.0, 9.9}}
	b := PolygonBounds(tri)
	assert.Equal(t, 2, b.X)
	assert.Equal(t, 1, b.Y)
	assert.True(t, b.Contains(8.2, 3.0))
	assert.True(t, b.Contains(4.0, 9.9))
}
