// Package kdtree implements a static k-d tree for Euclidean nearest-neighbour
// queries over fixed-length feature vectors.
package kdtree

import (
	"errors"
	"fmt"
	"slices"
)

// ErrEmpty reports a tree built without points.
var ErrEmpty = errors.New("kdtree: no points")

// leafSize is the largest node scanned linearly.
const leafSize = 16

// Tree indexes a set of points. Points are referenced, not copied, and must
// not be modified while the tree is in use.
type Tree struct {
	points [][]float64
	dim    int
	order  []int
	root   *node
}

type node struct {
	lo, hi      int // range of order covered by this node
	axis        int
	split       float64
	left, right *node
}

// Build constructs a tree over points, which must all have the same length.
func Build(points [][]float64) (*Tree, error) {
	if len(points) == 0 {
		return nil, ErrEmpty
	}
	dim := len(points[0])
	for i, p := range points {
		if len(p) != dim {
			return nil, fmt.Errorf("kdtree: point %d has dimension %d, want %d", i, len(p), dim)
		}
	}
	t := &Tree{points: points, dim: dim, order: make([]int, len(points))}
	for i := range t.order {
		t.order[i] = i
	}
	t.root = t.build(0, len(points))
	return t, nil
}

// Len returns the number of indexed points.
func (t *Tree) Len() int {
	return len(t.points)
}

func (t *Tree) build(lo, hi int) *node {
	n := &node{lo: lo, hi: hi, axis: -1}
	if hi-lo <= leafSize || t.dim == 0 {
		return n
	}

	// Split on the axis of widest spread.
	bestSpread := -1.0
	for a := 0; a < t.dim; a++ {
		mn, mx := t.points[t.order[lo]][a], t.points[t.order[lo]][a]
		for _, idx := range t.order[lo+1 : hi] {
			v := t.points[idx][a]
			mn, mx = min(mn, v), max(mx, v)
		}
		if mx-mn > bestSpread {
			bestSpread, n.axis = mx-mn, a
		}
	}
	if bestSpread <= 0 {
		n.axis = -1
		return n
	}

	axis := n.axis
	slices.SortFunc(t.order[lo:hi], func(i, j int) int {
		switch {
		case t.points[i][axis] < t.points[j][axis]:
			return -1
		case t.points[i][axis] > t.points[j][axis]:
			return 1
		}
		return i - j
	})
	mid := (lo + hi) / 2
	n.split = t.points[t.order[mid]][axis]
	n.left = t.build(lo, mid)
	n.right = t.build(mid, hi)
	return n
}

// Nearest returns the index of the point closest to q and its squared
// distance. Ties go to the lowest index.
func (t *Tree) Nearest(q []float64) (int, float64, error) {
	if len(q) != t.dim {
		return 0, 0, fmt.Errorf("kdtree: query has dimension %d, want %d", len(q), t.dim)
	}
	s := search{t: t, q: q, best: -1}
	s.visit(t.root)
	return s.best, s.dist, nil
}

type search struct {
	t    *Tree
	q    []float64
	best int
	dist float64
}

func (s *search) visit(n *node) {
	if n.axis < 0 {
		for _, idx := range s.t.order[n.lo:n.hi] {
			s.offer(idx)
		}
		return
	}
	diff := s.q[n.axis] - n.split
	near, far := n.left, n.right
	if diff >= 0 {
		near, far = n.right, n.left
	}
	s.visit(near)
	if s.best < 0 || diff*diff <= s.dist {
		s.visit(far)
	}
}

func (s *search) offer(idx int) {
	d := sqDist(s.q, s.t.points[idx], s.dist, s.best >= 0)
	if s.best < 0 || d < s.dist || (d == s.dist && idx < s.best) {
		s.best, s.dist = idx, d
	}
}

// sqDist returns the squared distance, stopping early once it exceeds bound.
func sqDist(a, b []float64, bound float64, bounded bool) float64 {
	var d float64
	for i := range a {
		x := a[i] - b[i]
		d += x * x
		if bounded && d > bound {
			return d
		}
	}
	return d
}
