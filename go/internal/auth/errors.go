package auth

import "errors"

// Failure kinds of an authorization attempt. Match with errors.Is.
var (
	ErrInvalidState        = errors.New("authorization state mismatch")
	ErrMissingCode         = errors.New("authorization code missing from callback")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrUserFetchFailed     = errors.New("failed to fetch authorized user")
	ErrTimeout             = errors.New("authorization timed out")
)

// Configuration errors, returned before any browser tab or port is opened.
var (
	ErrMissingClientSecret = errors.New("client secret is not configured")
	ErrInvalidRedirectURI  = errors.New("invalid redirect uri")
	ErrMissingClientID     = errors.New("client id is not configured")
)

// ErrSessionInvalid is returned by Restore when the cached token was rejected.
var ErrSessionInvalid = errors.New("cached session is no longer valid")

// Error is a failed authorization attempt.
type Error struct {
	Kind error
	Err  error
}

func newError(kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
