// Package errs holds the error taxonomy shared by the scoring engine. Callers
// compare with errors.Is; producers wrap with fmt.Errorf("...: %w", errs.ErrX).
package errs

import "errors"

var (
	// ErrValidation marks caller input that can never succeed as given.
	ErrValidation = errors.New("validation error")
	// ErrScoringUnavailable marks a transient oracle failure.
	ErrScoringUnavailable = errors.New("scoring unavailable")
	// ErrForbidden marks an operation by a principal that does not own the target.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound marks a missing entity or score record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a write that lost the last-writer-wins race.
	ErrConflict = errors.New("conflict")
)
