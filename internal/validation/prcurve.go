// Package validation computes precision/recall curves and operating
// thresholds for fold models scored on synthetic validation sets.
package validation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rewired-gh/peerless/internal/models"
)

// ErrNoPositives reports a validation set without a positive label.
var ErrNoPositives = errors.New("validation set contains no positive examples")

// PrecisionRecallCurve returns the curve in ascending threshold order. Only
// thresholds down to the first one reaching full recall are kept; the curve
// ends with precision 1 and recall 0 at threshold 1.
func PrecisionRecallCurve(labels []int, scores []float64) ([]models.PRPoint, error) {
	if len(labels) != len(scores) {
		return nil, fmt.Errorf("labels and scores differ in length: %d != %d", len(labels), len(scores))
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	// Cumulative true/false positives at each distinct score, descending.
	var tps, fps, thresholds []float64
	tp, fp := 0.0, 0.0
	for k, i := range order {
		if labels[i] == 1 {
			tp++
		} else {
			fp++
		}
		if k == len(order)-1 || scores[order[k+1]] != scores[i] {
			tps = append(tps, tp)
			fps = append(fps, fp)
			thresholds = append(thresholds, scores[i])
		}
	}
	if tp == 0 {
		return nil, ErrNoPositives
	}

	last := sort.SearchFloat64s(tps, tp)
	curve := make([]models.PRPoint, 0, last+2)
	for k := last; k >= 0; k-- {
		curve = append(curve, models.PRPoint{
			Precision: tps[k] / (tps[k] + fps[k]),
			Recall:    tps[k] / tp,
			Threshold: thresholds[k],
		})
	}
	curve = append(curve, models.PRPoint{Precision: 1, Recall: 0, Threshold: 1})
	return curve, nil
}

// AUC returns the trapezoidal area under precision as a function of recall.
func AUC(curve []models.PRPoint) float64 {
	var area float64
	for i := 1; i < len(curve); i++ {
		dx := curve[i].Recall - curve[i-1].Recall
		area += dx * (curve[i].Precision + curve[i-1].Precision) / 2
	}
	return math.Abs(area)
}

// OperatingThreshold returns the highest curve threshold whose precision is
// below the required precision, so that scores strictly above it fall in the
// region meeting the requirement. When no point is below the requirement the
// lowest threshold is returned.
func OperatingThreshold(curve []models.PRPoint, required float64) float64 {
	if len(curve) == 0 {
		return math.NaN()
	}
	threshold, found := 0.0, false
	for _, p := range curve {
		if p.Precision < required {
			threshold, found = p.Threshold, true
		}
	}
	if !found {
		return curve[0].Threshold
	}
	return threshold
}

// Evaluate scores a validation set into a ValidationResult for fold.
func Evaluate(fold int, labels []int, scores []float64, required float64) (models.ValidationResult, error) {
	curve, err := PrecisionRecallCurve(labels, scores)
	if err != nil {
		return models.ValidationResult{}, fmt.Errorf("fold %d: %w", fold, err)
	}
	return models.ValidationResult{
		Fold:              fold,
		Threshold:         OperatingThreshold(curve, required),
		PrecisionRequired: required,
		Curve:             curve,
		AUC:               AUC(curve),
		Predictions:       scores,
		Labels:            labels,
	}, nil
}
