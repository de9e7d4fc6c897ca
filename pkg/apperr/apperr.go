// Package apperr defines the error taxonomy shared by the bridge layers.
package apperr

import (
	"errors"
	"fmt"
)

// Class groups error codes by how callers should react to them.
type Class string

const (
	ClassAuth       Class = "auth"
	ClassValidation Class = "validation"
	ClassConflict   Class = "conflict"
	ClassNotFound   Class = "not_found"
	ClassUpstream   Class = "upstream"
	ClassInternal   Class = "internal"
)

// Error is a classified failure. Two errors match under errors.Is when
// their codes are equal, so coded variants still match their sentinel.
type Error struct {
	Class   Class
	Code    string
	Message string
	Detail  string
	// ProviderCode is set for provider rejections.
	ProviderCode string
	Err          error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy carrying a human-readable detail.
func (e *Error) WithDetail(format string, args ...any) *Error {
	cp := *e
	cp.Detail = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy that wraps cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

func newErr(class Class, code, msg string) *Error {
	return &Error{Class: class, Code: code, Message: msg}
}

var (
	ErrInvalidCredentials = newErr(ClassAuth, "INVALID_CREDENTIALS", "invalid username or password")
	ErrAccountLocked      = newErr(ClassAuth, "ACCOUNT_LOCKED", "account locked")
	ErrTokenExpired       = newErr(ClassAuth, "TOKEN_EXPIRED", "token expired")
	ErrTokenInvalid       = newErr(ClassAuth, "TOKEN_INVALID", "invalid token")
	ErrForbidden          = newErr(ClassAuth, "FORBIDDEN", "insufficient scope")

	ErrDecryptionFailed    = newErr(ClassValidation, "DECRYPTION_FAILED", "payload decryption failed")
	ErrProviderRejected    = newErr(ClassValidation, "PROVIDER_REJECTED", "provider rejected credentials")
	ErrProviderRateLimited = newErr(ClassValidation, "PROVIDER_RATE_LIMITED", "provider rate limited")
	ErrInvalidRequest      = newErr(ClassValidation, "INVALID_REQUEST", "invalid request")

	ErrAlreadyRunning = newErr(ClassConflict, "ALREADY_RUNNING", "engine already running")
	ErrNotRunning     = newErr(ClassConflict, "NOT_RUNNING", "engine not running")
	ErrUserExists     = newErr(ClassConflict, "USER_EXISTS", "user already exists")

	ErrUnknownTrade  = newErr(ClassNotFound, "UNKNOWN_TRADE", "trade not found")
	ErrUnknownSymbol = newErr(ClassNotFound, "UNKNOWN_SYMBOL", "no position for symbol")
	ErrUnknownUser   = newErr(ClassNotFound, "UNKNOWN_USER", "user not found")

	ErrEngineUnreachable   = newErr(ClassUpstream, "ENGINE_UNREACHABLE", "engine unreachable")
	ErrDatabaseUnavailable = newErr(ClassUpstream, "DATABASE_UNAVAILABLE", "database unavailable")
	ErrProviderUnreachable = newErr(ClassUpstream, "PROVIDER_UNREACHABLE", "provider unreachable")
	ErrTimeout             = newErr(ClassUpstream, "TIMEOUT", "upstream timeout")

	ErrInternal = newErr(ClassInternal, "INTERNAL_ERROR", "internal error")
)

// ErrNoData reports that a source answered but holds nothing for the query.
// It is not a failure.
var ErrNoData = errors.New("no data")

// ProviderRejected builds a rejection carrying the provider's own code.
func ProviderRejected(code, msg string) *Error {
	e := *ErrProviderRejected
	e.ProviderCode = code
	if msg != "" {
		e.Detail = msg
	}
	return &e
}

// From extracts the classified error, defaulting to ErrInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal.Wrap(err)
}

// IsClass reports whether err is classified under c.
func IsClass(err error, c Class) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == c
}
