package oracle

import (
	"fmt"

	"github.com/garnizeh/volunteer-match/internal/errs"
)

// Kind classifies why a scoring call failed. Every kind is transient from
// the caller's point of view and unwraps to errs.ErrScoringUnavailable.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindMalformed   Kind = "malformed"
	KindRateLimited Kind = "rate_limited"
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("oracle %s", e.Kind)
	}
	return fmt.Sprintf("oracle %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{errs.ErrScoringUnavailable, e.Err}
}

func transport(err error) *Error { return &Error{Kind: KindTransport, Err: err} }

func malformed(format string, args ...any) *Error {
	return &Error{Kind: KindMalformed, Err: fmt.Errorf(format, args...)}
}

// RateLimited wraps a backend quota or throttling error.
func RateLimited(err error) *Error { return &Error{Kind: KindRateLimited, Err: err} }
