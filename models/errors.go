package models

import (
	"context"
	"errors"
)

var (
	ErrTransient      = errors.New("transient failure")
	ErrRateLimited    = errors.New("rate limited")
	ErrBlocked        = errors.New("blocked by anti-bot challenge")
	ErrNotFound       = errors.New("product not found")
	ErrTimeout        = errors.New("timed out")
	ErrParse          = errors.New("unparsable response")
	ErrDataValidation = errors.New("invalid data")
	ErrPersistence    = errors.New("persistence failure")
	ErrConfiguration  = errors.New("invalid configuration")
)

// OutcomeForError maps an error chain onto a fetch outcome. Unknown errors are
// treated as timeouts since they are retried and escalated the same way.
func OutcomeForError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrBlocked):
		return OutcomeBlocked
	case errors.Is(err, ErrParse), errors.Is(err, ErrDataValidation):
		return OutcomeParseError
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	}
	return OutcomeTimeout
}
