// Package classifier defines the probabilistic binary classifier contract used
// by the fold ensemble and provides a random-forest implementation.
package classifier

import "errors"

// Classifier is a probabilistic binary classifier whose trained state can be
// exported as an opaque blob and imported again.
type Classifier interface {
	// Fit trains on a feature matrix and 0/1 labels.
	Fit(x [][]float64, y []int) error
	// PredictProba returns the positive-class probability for each row.
	PredictProba(x [][]float64) ([]float64, error)
	// Export serialises the trained state.
	Export() ([]byte, error)
	// Import restores a state produced by Export.
	Import(state []byte) error
}

// Factory builds an untrained classifier seeded for one fold.
type Factory func(seed uint64) (Classifier, error)

var (
	// ErrNotFitted reports a prediction or export before Fit or Import.
	ErrNotFitted = errors.New("classifier is not fitted")
	// ErrInvalidInput reports empty, ragged or mislabelled training data.
	ErrInvalidInput = errors.New("invalid training input")
	// ErrFeatureLength reports rows whose width differs from the training rows.
	ErrFeatureLength = errors.New("feature length does not match the fitted model")
)
