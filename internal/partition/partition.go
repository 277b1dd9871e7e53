// Package partition splits light-curve segments into footprint-balanced folds.
package partition

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/rewired-gh/peerless/internal/models"
)

// Split assigns every segment to one of models.NumFolds disjoint folds.
//
// Segments are grouped by quarter and quarters are visited in ascending
// order, so a fixed rng seed always gives the same folds. Groups of three or
// fewer segments place each member in a distinct fold. Larger groups are
// shuffled and cut into three contiguous runs at the points where the
// cumulative footprint fraction is nearest 1/3 and 2/3.
func Split(segments []*models.Segment, rng *rand.Rand) [models.NumFolds]models.Fold {
	var folds [models.NumFolds]models.Fold
	for i := range folds {
		folds[i].ID = i
		folds[i].Indices = []int{}
	}

	groups := make(map[int][]int)
	for i, s := range segments {
		groups[s.Meta.Quarter] = append(groups[s.Meta.Quarter], i)
	}
	quarters := make([]int, 0, len(groups))
	for q := range groups {
		quarters = append(quarters, q)
	}
	slices.Sort(quarters)

	assign := func(fold, idx int) {
		folds[fold].Indices = append(folds[fold].Indices, idx)
		folds[fold].Footprint += segments[idx].Footprint()
	}

	for _, q := range quarters {
		members := groups[q]
		n := len(members)

		if n < models.NumFolds {
			for k, f := range rng.Perm(models.NumFolds)[:n] {
				assign(f, members[k])
			}
			continue
		}

		rng.Shuffle(n, func(i, j int) { members[i], members[j] = members[j], members[i] })
		if n == models.NumFolds {
			for f, idx := range members {
				assign(f, idx)
			}
			continue
		}

		a, b := cuts(segments, members)
		for k, idx := range members {
			switch {
			case k <= a:
				assign(0, idx)
			case k <= b:
				assign(1, idx)
			default:
				assign(2, idx)
			}
		}
	}

	for i := range folds {
		slices.Sort(folds[i].Indices)
	}
	return folds
}

// cuts returns the last positions of the first and second runs of members.
func cuts(segments []*models.Segment, members []int) (int, int) {
	cs := make([]float64, len(members))
	total := 0.0
	for k, idx := range members {
		total += segments[idx].Footprint()
		cs[k] = total
	}
	if total > 0 {
		for k := range cs {
			cs[k] /= total
		}
	} else {
		for k := range cs {
			cs[k] = float64(k+1) / float64(len(cs))
		}
	}
	return nearest(cs, 1.0/3), nearest(cs, 2.0/3)
}

func nearest(cs []float64, target float64) int {
	best, bestDist := 0, math.Inf(1)
	for k, c := range cs {
		if d := math.Abs(c - target); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}
