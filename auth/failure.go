package auth

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures of token exchanges.
type Kind int

const (
	// Fatal failures indicate misconfiguration, e.g. an unknown client ID.
	// They are never retried.
	Fatal Kind = iota
	// InvalidGrant failures indicate that the identity service rejected the
	// presented credential or refresh token.
	InvalidGrant
	// Transient failures are network errors, timeouts, and server errors.
	// They are safe to retry.
	Transient
)

func (k Kind) String() string {
	switch k {
	case Fatal:
		return "fatal"
	case InvalidGrant:
		return "invalid_grant"
	case Transient:
		return "transient"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinel errors for each failure kind. Errors returned by this package can
// be checked against them using [errors.Is].
var (
	ErrFatal        = errors.New("fatal token failure")
	ErrInvalidGrant = errors.New("invalid grant")
	ErrTransient    = errors.New("transient token failure")
)

// Failure is a classified failure of a token exchange.
type Failure struct {
	// Kind is the classification of the failure.
	Kind Kind
	// Code is the OAuth2 error code reported by the identity service, if any.
	Code string
	// Description is the error description reported by the identity service
	// or a description of the local failure.
	Description string
	// Status is the HTTP status of the response, or 0 if there was none.
	Status int
	// Err is the underlying error, if any.
	Err error
}

func (f *Failure) Error() string {
	var s string
	switch {
	case f.Code != "" && f.Description != "":
		s = fmt.Sprintf("%s: %s", f.Code, f.Description)
	case f.Code != "":
		s = f.Code
	default:
		s = f.Description
	}
	if f.Status != 0 {
		s = fmt.Sprintf("%s (status %d)", s, f.Status)
	}
	if f.Err != nil {
		s = fmt.Sprintf("%s: %v", s, f.Err)
	}
	return fmt.Sprintf("%v token failure: %s", f.Kind, s)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is reports whether target is the sentinel error for f's kind.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrFatal:
		return f.Kind == Fatal
	case ErrInvalidGrant:
		return f.Kind == InvalidGrant
	case ErrTransient:
		return f.Kind == Transient
	}
	return false
}

// KindOf classifies an arbitrary error from an exchange.
// Timeouts count as transient. Errors which carry no classification are
// treated as fatal so that unknown failures are never retried.
func KindOf(err error) Kind {
	var f *Failure
	switch {
	case errors.As(err, &f):
		return f.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return Transient
	case errors.Is(err, ErrInvalidGrant):
		return InvalidGrant
	case errors.Is(err, ErrTransient):
		return Transient
	default:
		return Fatal
	}
}

// IsTemporary returns whether err indicates a condition likely to clear up,
// so that retrying the whole operation later is worthwhile. Otherwise, the
// credentials or identity service configuration need attention.
func IsTemporary(err error) bool {
	return err != nil && KindOf(err) == Transient
}
