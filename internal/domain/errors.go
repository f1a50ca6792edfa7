package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the calculation path. Callers distinguish "no evidence
// for this outcome" (recoverable: the outcome is skipped) from "the store is
// unreachable" (fatal for the whole request).
var (
	// ErrNoBaselineEvidence means no pooled or raw baseline exists for an
	// outcome in any fallback context. The outcome is excluded from the
	// summary, never surfaced as a request failure.
	ErrNoBaselineEvidence = errors.New("no baseline evidence in any fallback context")

	// ErrNoEvidence means a pooling request had no usable raw estimates.
	ErrNoEvidence = errors.New("no usable evidence estimates")

	// ErrStoreUnavailable means the evidence store cannot be read at all.
	ErrStoreUnavailable = errors.New("evidence store unavailable")

	// ErrUnknownOutcome means a requested outcome token is not in the catalog.
	ErrUnknownOutcome = errors.New("unknown outcome token")
)

// InvalidEvidenceError marks a resolved value outside its sanity band. It is
// a data-quality defect: logged with provenance and excluded, never silently
// clamped into range.
type InvalidEvidenceError struct {
	Field   string
	Value   float64
	Band    [2]float64
	Sources []string
}

func (e *InvalidEvidenceError) Error() string {
	return fmt.Sprintf("invalid evidence value for %s: %g outside [%g, %g] (sources: %v)",
		e.Field, e.Value, e.Band[0], e.Band[1], e.Sources)
}

// NewInvalidEvidenceError builds an InvalidEvidenceError with full provenance.
func NewInvalidEvidenceError(field string, value, lo, hi float64, sources []string) *InvalidEvidenceError {
	return &InvalidEvidenceError{Field: field, Value: value, Band: [2]float64{lo, hi}, Sources: sources}
}

// ValidationError represents a construction-time input validation failure.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: message, Value: value}
}

// IsStoreUnavailable reports whether err indicates the evidence store itself
// is unreachable, as opposed to a miss for a specific key.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
