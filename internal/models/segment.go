// Package models defines the core domain entities: light-curve segments,
// folds, synthetic training data, trained fold results and candidates.
package models

import (
	"errors"
	"fmt"
	"math"
)

// Meta holds the observational metadata attached to a segment.
type Meta struct {
	Channel  int `json:"channel"`
	SkyGroup int `json:"skygroup"`
	Module   int `json:"module"`
	Output   int `json:"output"`
	Quarter  int `json:"quarter"`
	Season   int `json:"season"`
}

// Segment is a gap-free stretch of a light curve, already detrended,
// quality-masked and normalised to unit median by the loader.
// Flux may contain NaN for isolated missing samples.
type Segment struct {
	ID      int       `json:"id"`
	Time    []float64 `json:"time"`
	Flux    []float64 `json:"flux"`
	FluxErr float64   `json:"flux_err"`
	Meta    Meta      `json:"meta"`
	Texp    float64   `json:"texp"`
}

// Len returns the number of samples.
func (s *Segment) Len() int {
	return len(s.Time)
}

// Footprint returns the time span covered by the segment.
func (s *Segment) Footprint() float64 {
	if len(s.Time) == 0 {
		return 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, t := range s.Time {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}
	return hi - lo
}

// Validate checks segment field constraints.
func (s *Segment) Validate() error {
	if len(s.Time) == 0 {
		return errors.New("segment must contain at least one sample")
	}
	if len(s.Flux) != len(s.Time) {
		return fmt.Errorf("segment %d: flux length %d does not match time length %d", s.ID, len(s.Flux), len(s.Time))
	}
	for i := 1; i < len(s.Time); i++ {
		if !(s.Time[i] > s.Time[i-1]) {
			return fmt.Errorf("segment %d: time must be strictly increasing at sample %d", s.ID, i)
		}
	}
	if s.Texp <= 0 {
		return fmt.Errorf("segment %d: exposure time must be positive", s.ID)
	}
	return nil
}

// NearestIndex returns the index of the sample closest in time to t.
func (s *Segment) NearestIndex(t float64) int {
	lo, hi := 0, len(s.Time)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if s.Time[mid] < t {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 && math.Abs(s.Time[lo-1]-t) <= math.Abs(s.Time[lo]-t) {
		return lo - 1
	}
	return lo
}

// Fold is one of the three disjoint partitions of the eligible segments.
type Fold struct {
	ID        int     `json:"id"`
	Indices   []int   `json:"indices"`
	Footprint float64 `json:"footprint"`
}

// NumFolds is the number of partitions used for training and cross-validation.
const NumFolds = 3

// Complements returns the ids of the two folds other than split, ascending.
func Complements(split int) []int {
	out := make([]int, 0, NumFolds-1)
	for i := 0; i < NumFolds; i++ {
		if i != split {
			out = append(out, i)
		}
	}
	return out
}
