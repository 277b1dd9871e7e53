package models

import "errors"

var (
	// ErrConfiguration reports an unsupported or inconsistent feature transform.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidSplit reports a fold id outside [0, NumFolds).
	ErrInvalidSplit = errors.New("invalid split ID")

	// ErrModelNotReady reports a candidate search before every fold is trained.
	ErrModelNotReady = errors.New("all fold models must be trained first")

	// ErrInsufficientData tags non-fatal shortages of data in log output.
	ErrInsufficientData = errors.New("insufficient data")
)
