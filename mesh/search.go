package mesh

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// NeighborSearcher answers nearest-neighbor queries against a fixed target.
// ok is false when no neighbor exists (empty target, non-finite query).
type NeighborSearcher interface {
	Nearest(q r3.Vector) (idx int, distSq float64, ok bool)
}

// SearcherFactory builds a searcher over a target cloud.
type SearcherFactory func(target Vec3RandomAccessor) NeighborSearcher

// SearcherByName maps config names to searcher factories.
func SearcherByName(name string) (SearcherFactory, bool) {
	switch name {
	case "", "kdtree":
		return func(t Vec3RandomAccessor) NeighborSearcher { return NewKDTreeSearcher(t) }, true
	case "brute":
		return func(t Vec3RandomAccessor) NeighborSearcher { return NewBruteForceSearcher(t) }, true
	}
	return nil, false
}

// kdPoint is a tree node payload. The tree reorders its input, so the
// cloud index travels with the position.
type kdPoint struct {
	pos   r3.Vector
	index int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	switch d {
	case 0:
		return p.pos.X - q.pos.X
	case 1:
		return p.pos.Y - q.pos.Y
	case 2:
		return p.pos.Z - q.pos.Z
	default:
		panic("illegal dimension")
	}
}

func (p kdPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	return p.pos.Sub(q.pos).Norm2()
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(kdPlane{kdPoints: p, Dim: d}, kdtree.MedianOfMedians(kdPlane{kdPoints: p, Dim: d}))
}

// kdPlane sorts points along one dimension for partitioning.
type kdPlane struct {
	kdPoints
	kdtree.Dim
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].Compare(p.kdPoints[j], p.Dim) < 0
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	return kdPlane{kdPoints: p.kdPoints[start:end], Dim: p.Dim}
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

// KDTreeSearcher indexes a target cloud in a k-d tree.
type KDTreeSearcher struct {
	tree *kdtree.Tree
	size int
}

// NewKDTreeSearcher builds the tree once; the target must not change afterwards.
func NewKDTreeSearcher(target Vec3RandomAccessor) *KDTreeSearcher {
	n := target.Len()
	if n == 0 {
		return &KDTreeSearcher{}
	}
	pts := make(kdPoints, n)
	for i := 0; i < n; i++ {
		pts[i] = kdPoint{pos: target.Vec3At(i), index: i}
	}
	return &KDTreeSearcher{tree: kdtree.New(pts, false), size: n}
}

// Nearest implements NeighborSearcher.
func (s *KDTreeSearcher) Nearest(q r3.Vector) (int, float64, bool) {
	if s.tree == nil || s.size == 0 || !finite(q) {
		return -1, 0, false
	}
	c, d := s.tree.Nearest(kdPoint{pos: q})
	if c == nil || math.IsInf(d, 0) || math.IsNaN(d) {
		return -1, 0, false
	}
	return c.(kdPoint).index, d, true
}

// BruteForceSearcher scans every target point. Ties go to the lowest index.
type BruteForceSearcher struct {
	target Vec3RandomAccessor
}

func NewBruteForceSearcher(target Vec3RandomAccessor) *BruteForceSearcher {
	return &BruteForceSearcher{target: target}
}

// Nearest implements NeighborSearcher.
func (s *BruteForceSearcher) Nearest(q r3.Vector) (int, float64, bool) {
	if s.target == nil || s.target.Len() == 0 || !finite(q) {
		return -1, 0, false
	}
	best, bestD := -1, math.Inf(1)
	for i := 0; i < s.target.Len(); i++ {
		d := q.Sub(s.target.Vec3At(i)).Norm2()
		if d < bestD {
			best, bestD = i, d
		}
	}
	if best < 0 {
		return -1, 0, false
	}
	return best, bestD, true
}

func finite(v r3.Vector) bool {
	for _, f := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
