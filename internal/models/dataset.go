package models

import (
	"math"
	"math/rand/v2"
)

// InjectionRecord describes one synthetic training window. For negatives the
// physical parameters (Q1 through Pomega) are NaN.
type InjectionRecord struct {
	SectID      int     `json:"sect_id"`
	NTT         int     `json:"ntt"`
	TransitTime float64 `json:"transit_time"`
	Q1          float64 `json:"q1"`
	Q2          float64 `json:"q2"`
	Period      float64 `json:"period"`
	T0          float64 `json:"t0"`
	Rp          float64 `json:"rp"`
	B           float64 `json:"b"`
	E           float64 `json:"e"`
	Pomega      float64 `json:"pomega"`
	Meta        Meta    `json:"meta"`
}

// NegativeRecord returns a record with every injected parameter missing.
func NegativeRecord(sectID, ntt int, transitTime float64, meta Meta) InjectionRecord {
	nan := math.NaN()
	return InjectionRecord{
		SectID: sectID, NTT: ntt, TransitTime: transitTime,
		Q1: nan, Q2: nan, Period: nan, T0: nan, Rp: nan, B: nan, E: nan, Pomega: nan,
		Meta: meta,
	}
}

// Injected reports whether the record carries a synthetic signal.
func (r InjectionRecord) Injected() bool {
	return !math.IsNaN(r.Rp)
}

// TrainingWindow is a single labeled, normalised flux window.
type TrainingWindow struct {
	Features []float64
	Label    int
	Record   InjectionRecord
}

// Dataset is the synthetic training set of one fold. Rows of Features,
// Labels and Records are aligned.
type Dataset struct {
	Fold     int
	Features [][]float64
	Labels   []int
	Records  []InjectionRecord
}

// Append adds a window to the dataset.
func (d *Dataset) Append(w TrainingWindow) {
	d.Features = append(d.Features, w.Features)
	d.Labels = append(d.Labels, w.Label)
	d.Records = append(d.Records, w.Record)
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Shuffle permutes all rows with the same permutation.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(d.Len(), func(i, j int) {
		d.Features[i], d.Features[j] = d.Features[j], d.Features[i]
		d.Labels[i], d.Labels[j] = d.Labels[j], d.Labels[i]
		d.Records[i], d.Records[j] = d.Records[j], d.Records[i]
	})
}

// Head returns a view of the first n rows, or the whole dataset when it is
// shorter than n.
func (d *Dataset) Head(n int) *Dataset {
	if n < 0 || n >= d.Len() {
		return d
	}
	return &Dataset{
		Fold:     d.Fold,
		Features: d.Features[:n],
		Labels:   d.Labels[:n],
		Records:  d.Records[:n],
	}
}
