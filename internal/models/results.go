package models

import (
	"fmt"

	"github.com/rewired-gh/peerless/internal/classifier"
)

// PRPoint is one point of a precision/recall/threshold curve.
type PRPoint struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	Threshold float64 `json:"threshold"`
}

// ValidationResult summarises a fold model scored on the synthetic dataset of
// one complementary fold.
type ValidationResult struct {
	Fold              int       `json:"fold"`
	Threshold         float64   `json:"threshold"`
	PrecisionRequired float64   `json:"prec_req"`
	Curve             []PRPoint `json:"precision_recall_curve"`
	AUC               float64   `json:"area_under_the_prc"`
	Predictions       []float64 `json:"validation_pred"`
	Labels            []int     `json:"validation_labels"`
}

// Prediction is the positive-class probability for the window centred on one
// real sample.
type Prediction struct {
	SectID int     `json:"sect_id"`
	Time   float64 `json:"time"`
	Prob   float64 `json:"predict_prob"`
}

// TestResult holds predictions over the real windows of one complementary
// fold's segments.
type TestResult struct {
	Fold        int          `json:"fold"`
	Predictions []Prediction `json:"prediction"`
}

// FoldModel is a classifier trained on one fold together with its
// validation and test results against the two complementary folds.
type FoldModel struct {
	Split      int
	Classifier classifier.Classifier
	Validation []ValidationResult
	Test       []TestResult
}

// ValidationFor returns the validation result against complementary fold c.
func (m *FoldModel) ValidationFor(c int) (*ValidationResult, bool) {
	for i := range m.Validation {
		if m.Validation[i].Fold == c {
			return &m.Validation[i], true
		}
	}
	return nil, false
}

// TestFor returns the test predictions on complementary fold c.
func (m *FoldModel) TestFor(c int) (*TestResult, bool) {
	for i := range m.Test {
		if m.Test[i].Fold == c {
			return &m.Test[i], true
		}
	}
	return nil, false
}

// Validate checks that the model carries exactly one validation and one test
// result for each complementary fold.
func (m *FoldModel) Validate() error {
	if m.Split < 0 || m.Split >= NumFolds {
		return fmt.Errorf("%w: %d", ErrInvalidSplit, m.Split)
	}
	if m.Classifier == nil {
		return fmt.Errorf("split %d: classifier must not be nil", m.Split)
	}
	comps := Complements(m.Split)
	if len(m.Validation) != len(comps) || len(m.Test) != len(comps) {
		return fmt.Errorf("split %d: expected %d validation and test results, got %d and %d",
			m.Split, len(comps), len(m.Validation), len(m.Test))
	}
	for _, c := range comps {
		v, ok := m.ValidationFor(c)
		if !ok {
			return fmt.Errorf("split %d: missing validation result for fold %d", m.Split, c)
		}
		if len(v.Curve) == 0 {
			return fmt.Errorf("split %d: empty precision/recall curve for fold %d", m.Split, c)
		}
		if len(v.Labels) != 0 && len(v.Labels) != len(v.Predictions) {
			return fmt.Errorf("split %d: validation labels and predictions differ in length for fold %d", m.Split, c)
		}
		if _, ok := m.TestFor(c); !ok {
			return fmt.Errorf("split %d: missing test result for fold %d", m.Split, c)
		}
	}
	return nil
}
