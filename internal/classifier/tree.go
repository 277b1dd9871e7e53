package classifier

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
)

// tree is a CART tree stored as flat arrays. Leaves have Feature == -1;
// Value holds the fraction of positive (bootstrap) samples at each node.
type tree struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"left"`
	Right     []int     `json:"right"`
	Value     []float64 `json:"value"`
}

func (t *tree) push(value float64) int {
	t.Feature = append(t.Feature, -1)
	t.Threshold = append(t.Threshold, 0)
	t.Left = append(t.Left, -1)
	t.Right = append(t.Right, -1)
	t.Value = append(t.Value, value)
	return len(t.Feature) - 1
}

func (t *tree) predict(row []float64) float64 {
	i := 0
	for t.Feature[i] >= 0 {
		if row[t.Feature[i]] <= t.Threshold[i] {
			i = t.Left[i]
		} else {
			i = t.Right[i]
		}
	}
	return t.Value[i]
}

type treeBuilder struct {
	x        [][]float64
	y        []int
	minLeaf  int
	maxDepth int
	mtry     int
	rng      *rand.Rand
	t        *tree
}

// buildTree grows one tree on a bootstrap sample of the rows.
func buildTree(x [][]float64, y []int, minLeaf, maxDepth, mtry int, rng *rand.Rand) *tree {
	n := len(y)
	samples := make([]int, n)
	for i := range samples {
		samples[i] = rng.IntN(n)
	}
	b := &treeBuilder{x: x, y: y, minLeaf: minLeaf, maxDepth: maxDepth, mtry: mtry, rng: rng, t: &tree{}}
	b.grow(samples, 0)
	return b.t
}

func (b *treeBuilder) grow(samples []int, depth int) int {
	n := len(samples)
	pos := 0
	for _, s := range samples {
		pos += b.y[s]
	}
	idx := b.t.push(float64(pos) / float64(n))

	if pos == 0 || pos == n || n < 2*b.minLeaf || (b.maxDepth > 0 && depth >= b.maxDepth) {
		return idx
	}

	feature, threshold, ok := b.bestSplit(samples, pos)
	if !ok {
		return idx
	}

	var left, right []int
	for _, s := range samples {
		if b.x[s][feature] <= threshold {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	b.t.Feature[idx] = feature
	b.t.Threshold[idx] = threshold
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.t.Left[idx] = l
	b.t.Right[idx] = r
	return idx
}

// bestSplit searches mtry random features for the cut minimising the
// weighted Gini impurity of the children.
func (b *treeBuilder) bestSplit(samples []int, pos int) (int, float64, bool) {
	n := len(samples)
	d := len(b.x[samples[0]])
	features := b.rng.Perm(d)
	if b.mtry < d {
		features = features[:b.mtry]
	}

	sorted := make([]int, n)
	best := math.Inf(1)
	bestFeature, bestThreshold := -1, 0.0

	for _, f := range features {
		copy(sorted, samples)
		slices.SortFunc(sorted, func(a, c int) int {
			return cmp.Compare(b.x[a][f], b.x[c][f])
		})

		lp := 0
		for i := 0; i < n-1; i++ {
			lp += b.y[sorted[i]]
			nl := i + 1
			nr := n - nl
			if nl < b.minLeaf {
				continue
			}
			if nr < b.minLeaf {
				break
			}
			lo, hi := b.x[sorted[i]][f], b.x[sorted[i+1]][f]
			if !(lo < hi) {
				continue
			}
			rp := pos - lp
			score := float64(lp*(nl-lp))/float64(nl) + float64(rp*(nr-rp))/float64(nr)
			if score < best {
				best = score
				bestFeature = f
				bestThreshold = lo + (hi-lo)/2
				if bestThreshold >= hi {
					bestThreshold = lo
				}
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}
