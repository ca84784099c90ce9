package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized     = errors.New("not authorized")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrInvalidCode      = errors.New("invalid code")
	ErrCodeExpired      = errors.New("code expired")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrStreamClosed     = errors.New("stream closed")
)

// Error is a classified platform failure. Code is the platform's own error
// code when there is one (e.g. FLOOD_WAIT, CHANNEL_PRIVATE).
type Error struct {
	Op         string
	Code       string
	Temporary  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary builds a retryable error.
func Temporary(op, code string, retryAfter time.Duration, err error) *Error {
	return &Error{Op: op, Code: code, Temporary: true, RetryAfter: retryAfter, Err: err}
}

// Permanent builds an error that must not be retried.
func Permanent(op, code string, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// IsTemporary reports whether err is worth retrying. Unclassified errors are
// treated as network failures and retried; context errors never are.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Temporary
	}
	return true
}

// RetryAfter returns the platform-mandated wait carried by err, if any.
func RetryAfter(err error) time.Duration {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.RetryAfter
	}
	return 0
}

// CodeOf returns the platform error code carried by err, if any.
func CodeOf(err error) string {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ""
}

// Describe renders err for journals and logs.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if code := CodeOf(err); code != "" {
		return fmt.Sprintf("%s (%v)", code, err)
	}
	return err.Error()
}
