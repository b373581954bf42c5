package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the ensemble pipeline. Wrap these with fmt.Errorf("%w")
// so callers can classify failures with errors.Is.
var (
	// ErrMethodUnavailable marks a single-cell adapter failure. It never
	// propagates past the scenario fan-out; the cell is zeroed instead.
	ErrMethodUnavailable = errors.New("valuation method unavailable")

	// ErrInsufficientData means too few samples for aggregation or training.
	// Aggregation degrades to a flagged low-confidence result; training
	// aborts with no deployment.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrStorage marks a weight-store backend failure. Reads recover via
	// hard-coded defaults; writes fail the calling operation.
	ErrStorage = errors.New("weight store unavailable")

	// ErrTrainingDiverged means the training loop produced no loss
	// improvement. The job aborts and production weights are untouched.
	ErrTrainingDiverged = errors.New("training diverged")

	// ErrSignificanceNotMet means the A/B comparison was inconclusive.
	// Treated as "do not deploy", not as a fatal pipeline error.
	ErrSignificanceNotMet = errors.New("significance test not met")
)

// ValidationError is a client-input problem (bad scenario or method name).
// It maps to a client error at the boundary and is rejected immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a named input field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
