// Package dedup removes duplicate detections arising from tile overlap using
// greedy, confidence-ranked non-maximum suppression over a k-d tree. A
// duplicate at a tile seam is dropped in favor of its higher-confidence
// twin, never averaged.
package dedup

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"orchard-mapper/internal/model"
	"orchard-mapper/internal/observe"
)

// candidate is a detection's planar position plus its index in the input.
type candidate struct {
	x, y float64
	idx  int
}

func (c candidate) Compare(other kdtree.Comparable, d kdtree.Dim) float64 {
	q := other.(candidate)
	switch d {
	case 0:
		return c.x - q.x
	default:
		return c.y - q.y
	}
}

func (c candidate) Dims() int { return 2 }

// Distance returns the squared Euclidean distance, the same contract as
// kdtree.Point; radius queries pass squared radii.
func (c candidate) Distance(other kdtree.Comparable) float64 {
	q := other.(candidate)
	dx := c.x - q.x
	dy := c.y - q.y
	return dx*dx + dy*dy
}

type candidates []candidate

func (c candidates) Index(i int) kdtree.Comparable         { return c[i] }
func (c candidates) Len() int                              { return len(c) }
func (c candidates) Pivot(d kdtree.Dim) int                { return plane{candidates: c, Dim: d}.Pivot() }
func (c candidates) Slice(start, end int) kdtree.Interface { return c[start:end] }

// plane is the kdtree.SortSlicer over one splitting dimension.
type plane struct {
	candidates
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.candidates[i].x < p.candidates[j].x
	default:
		return p.candidates[i].y < p.candidates[j].y
	}
}

func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.candidates = p.candidates[start:end]
	return p
}

func (p plane) Swap(i, j int) {
	p.candidates[i], p.candidates[j] = p.candidates[j], p.candidates[i]
}

// Suppress applies non-maximum suppression with the given minimum separation,
// in the same units as the detections' pixel coordinates. Candidates are
// processed in descending confidence order with ties broken by position and
// then ID. The tie-break uses only intrinsic detection attributes, so the
// kept set does not depend on the order tiles were collected in, and the
// operation is idempotent: running it on its own output suppresses nothing
// further.
func Suppress(dets []model.CandidateDetection, minDistance float64, sink *observe.Sink) []model.CandidateDetection {
	if len(dets) <= 1 || minDistance <= 0 {
		return dets
	}

	pts := make(candidates, len(dets))
	for i, d := range dets {
		pts[i] = candidate{x: d.PixelCol, y: d.PixelRow, idx: i}
	}
	// kdtree.New sorts its input; build the tree from a copy so pts keeps
	// input order for the greedy pass.
	treeData := make(candidates, len(pts))
	copy(treeData, pts)
	tree := kdtree.New(treeData, false)

	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		da, db := dets[order[a]], dets[order[b]]
		if da.Confidence != db.Confidence {
			return da.Confidence > db.Confidence
		}
		if da.PixelRow != db.PixelRow {
			return da.PixelRow < db.PixelRow
		}
		if da.PixelCol != db.PixelCol {
			return da.PixelCol < db.PixelCol
		}
		return da.ID < db.ID
	})

	suppressed := make([]bool, len(dets))
	var kept []model.CandidateDetection
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])

		keeper := kdtree.NewDistKeeper(minDistance * minDistance)
		tree.NearestSet(keeper, pts[i])
		for _, c := range keeper.Heap {
			if c.Comparable == nil {
				continue
			}
			n := c.Comparable.(candidate)
			if n.idx != i {
				suppressed[n.idx] = true
			}
		}
	}

	if sink != nil {
		sink.AddSuppressedDuplicates(len(dets) - len(kept))
	}
	return kept
}
