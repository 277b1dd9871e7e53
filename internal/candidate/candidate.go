// Package candidate corroborates real-window detections across fold models
// and collapses nearby detections into single events.
package candidate

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/rewired-gh/peerless/internal/kdtree"
	"github.com/rewired-gh/peerless/internal/models"
	"github.com/rewired-gh/peerless/internal/normalize"
)

// MinPairs is the number of distinct fold pairs that must flag a time.
const MinPairs = 2

// minThreshold keeps confidence factors finite for zero thresholds.
const minThreshold = 1e-9

// Input is everything the aggregator reads. Datasets and Segments must be
// the ones the models were trained and tested on.
type Input struct {
	Models     [models.NumFolds]*models.FoldModel
	Datasets   [models.NumFolds]*models.Dataset
	Segments   []*models.Segment
	Normalizer *normalize.Normalizer
}

// Key discretises a sample time so that equal times on the native grid
// collide and different samples do not.
func Key(t float64) int64 {
	return int64(math.Round(t * 1e6))
}

type accumulator struct {
	time     float64
	sectID   int
	factors  []float64
	pairs    map[[2]int]struct{}
	neighbor models.InjectionRecord
}

// Aggregate collects every test prediction above its fold pair's threshold
// and returns the times flagged by at least MinPairs fold pairs, sorted by
// time. Each candidate is annotated with the nearest synthetic example drawn
// from the folds other than the one whose segment was scored.
func Aggregate(in Input) ([]models.Candidate, error) {
	for i, m := range in.Models {
		if m == nil {
			return nil, fmt.Errorf("%w: fold %d", models.ErrModelNotReady, i)
		}
	}
	if in.Normalizer == nil {
		return nil, fmt.Errorf("%w: normalizer must not be nil", models.ErrConfiguration)
	}

	nn := neighbors{in: in}
	acc := make(map[int64]*accumulator)
	var order []int64

	for s, m := range in.Models {
		for _, c := range models.Complements(s) {
			test, ok := m.TestFor(c)
			if !ok {
				return nil, fmt.Errorf("split %d: missing test result for fold %d", s, c)
			}
			valid, ok := m.ValidationFor(c)
			if !ok {
				return nil, fmt.Errorf("split %d: missing validation result for fold %d", s, c)
			}
			thr := valid.Threshold
			for _, p := range test.Predictions {
				if !(p.Prob > thr) {
					continue
				}
				k := Key(p.Time)
				a, seen := acc[k]
				if !seen {
					rec, err := nn.lookup(c, p)
					if err != nil {
						return nil, err
					}
					a = &accumulator{time: p.Time, sectID: p.SectID, pairs: make(map[[2]int]struct{}), neighbor: rec}
					acc[k] = a
					order = append(order, k)
				}
				a.factors = append(a.factors, p.Prob/math.Max(thr, minThreshold))
				a.pairs[[2]int{s, c}] = struct{}{}
			}
		}
	}

	out := make([]models.Candidate, 0, len(order))
	for _, k := range order {
		a := acc[k]
		if len(a.pairs) < MinPairs {
			continue
		}
		sum := 0.0
		for _, f := range a.factors {
			sum += f
		}
		out = append(out, models.Candidate{
			Time:       a.time,
			SectID:     a.sectID,
			MeanFactor: sum / float64(len(a.factors)),
			Factors:    a.factors,
			Meta:       in.Segments[a.sectID].Meta,
			Neighbor:   a.neighbor,
		})
	}
	slices.SortStableFunc(out, byTime)
	return out, nil
}

// neighbors lazily builds one k-d tree per scored fold over the synthetic
// examples of the two other folds.
type neighbors struct {
	in      Input
	trees   [models.NumFolds]*kdtree.Tree
	records [models.NumFolds][]models.InjectionRecord
}

func (n *neighbors) tree(c int) (*kdtree.Tree, []models.InjectionRecord, error) {
	if n.trees[c] != nil {
		return n.trees[c], n.records[c], nil
	}
	var points [][]float64
	var records []models.InjectionRecord
	for f, ds := range n.in.Datasets {
		if f == c {
			continue
		}
		if ds == nil {
			return nil, nil, fmt.Errorf("%w: dataset for fold %d is missing", models.ErrModelNotReady, f)
		}
		points = append(points, ds.Features...)
		records = append(records, ds.Records...)
	}
	t, err := kdtree.Build(points)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build neighbour index for fold %d: %w", c, err)
	}
	n.trees[c], n.records[c] = t, records
	return t, records, nil
}

func (n *neighbors) lookup(c int, p models.Prediction) (models.InjectionRecord, error) {
	if p.SectID < 0 || p.SectID >= len(n.in.Segments) {
		return models.InjectionRecord{}, fmt.Errorf("prediction references unknown segment %d", p.SectID)
	}
	seg := n.in.Segments[p.SectID]
	hw := n.in.Normalizer.HalfWidth()
	if seg.Len() <= 2*hw {
		return models.InjectionRecord{}, fmt.Errorf("segment %d is too short for half width %d: %w", seg.ID, hw, models.ErrInsufficientData)
	}
	idx := min(max(seg.NearestIndex(p.Time), hw), seg.Len()-hw-1)

	w := [][]float64{normalize.Window(seg, idx, hw)}
	if err := n.in.Normalizer.Normalize(w); err != nil {
		return models.InjectionRecord{}, err
	}
	t, records, err := n.tree(c)
	if err != nil {
		return models.InjectionRecord{}, err
	}
	i, _, err := t.Nearest(w[0])
	if err != nil {
		return models.InjectionRecord{}, err
	}
	return records[i], nil
}

// Deduplicate greedily keeps the strongest candidate, absorbs every
// candidate within window of it and repeats until none are left. NumPoints
// of a kept candidate counts the candidates it absorbed, itself included.
// The result is sorted by time.
func Deduplicate(cands []models.Candidate, window float64) ([]models.Candidate, error) {
	if !(window > 0) {
		return nil, fmt.Errorf("%w: deduplication window must be positive, got %v", models.ErrConfiguration, window)
	}
	resolved := make([]bool, len(cands))
	var out []models.Candidate
	for {
		best := -1
		for i, c := range cands {
			if !resolved[i] && (best < 0 || c.MeanFactor > cands[best].MeanFactor) {
				best = i
			}
		}
		if best < 0 {
			break
		}
		kept := cands[best]
		kept.NumPoints = 0
		for i, c := range cands {
			if math.Abs(c.Time-kept.Time) < window {
				kept.NumPoints++
				resolved[i] = true
			}
		}
		out = append(out, kept)
	}
	slices.SortStableFunc(out, byTime)
	return out, nil
}

func byTime(a, b models.Candidate) int {
	return cmp.Compare(a.Time, b.Time)
}
