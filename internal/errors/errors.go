package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a courier error code.
type ErrorCode string

const (
	// Auth
	ErrInvalidPhone        ErrorCode = "INVALID_PHONE"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrInvalidCode         ErrorCode = "INVALID_CODE"
	ErrCodeExpired         ErrorCode = "CODE_EXPIRED"
	ErrInvalidPassword     ErrorCode = "INVALID_PASSWORD"
	ErrTooManyAttempts     ErrorCode = "TOO_MANY_ATTEMPTS"
	ErrInvalidSessionState ErrorCode = "INVALID_SESSION_STATE"

	// Validation
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrInvalidPattern      ErrorCode = "INVALID_PATTERN"
	ErrSelfReferentialRule ErrorCode = "SELF_REFERENTIAL_RULE"

	// Not found
	ErrRuleNotFound ErrorCode = "RULE_NOT_FOUND"
	ErrPeerNotFound ErrorCode = "PEER_NOT_FOUND"

	// Transport
	ErrTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrTransportRejected    ErrorCode = "TRANSPORT_REJECTED"
	ErrBusy                 ErrorCode = "BUSY"

	// State
	ErrNotAuthorized ErrorCode = "NOT_AUTHORIZED"

	ErrInternal ErrorCode = "INTERNAL"
)

// Category groups error codes for callers that only care about the kind of failure.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryNotFound   Category = "not_found"
	CategoryTransport  Category = "transport"
	CategoryState      Category = "state"
	CategoryInternal   Category = "internal"
)

// Category returns the taxonomy bucket for the code.
func (c ErrorCode) Category() Category {
	switch c {
	case ErrInvalidPhone, ErrRateLimited, ErrInvalidCode, ErrCodeExpired,
		ErrInvalidPassword, ErrTooManyAttempts, ErrInvalidSessionState:
		return CategoryAuth
	case ErrInvalidRequest, ErrInvalidPattern, ErrSelfReferentialRule:
		return CategoryValidation
	case ErrRuleNotFound, ErrPeerNotFound:
		return CategoryNotFound
	case ErrTransportUnavailable, ErrTransportRejected, ErrBusy:
		return CategoryTransport
	case ErrNotAuthorized:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// JSON-RPC error codes. Application errors live in the -32000..-32099 server range.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternal       = -32603

	RPCAuth       = -32001
	RPCValidation = -32002
	RPCNotFound   = -32004
	RPCTransport  = -32010
	RPCBusy       = -32011
	RPCState      = -32020
)

// CourierError represents a structured error with code, RPC code, and details.
type CourierError struct {
	Code    ErrorCode
	RPCCode int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *CourierError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code ErrorCode, rpcCode int, msg string) *CourierError {
	return &CourierError{Code: code, RPCCode: rpcCode, Message: msg}
}

// NewInvalidPhone is returned when the platform rejects the phone number.
func NewInvalidPhone(phone string) *CourierError {
	return newError(ErrInvalidPhone, RPCAuth, fmt.Sprintf("phone number rejected: %s", phone))
}

// NewRateLimited carries the platform-imposed cooldown in Details.
func NewRateLimited(wait time.Duration) *CourierError {
	secs := int(wait.Round(time.Second) / time.Second)
	e := newError(ErrRateLimited, RPCAuth, fmt.Sprintf("rate limited, retry in %ds", secs))
	e.Details = map[string]any{"retry_after_seconds": secs}
	return e
}

func NewInvalidCode() *CourierError {
	return newError(ErrInvalidCode, RPCAuth, "invalid verification code")
}

// NewCodeExpired signals that a fresh code must be requested.
func NewCodeExpired() *CourierError {
	return newError(ErrCodeExpired, RPCAuth, "verification code expired, request a new code")
}

func NewInvalidPassword() *CourierError {
	return newError(ErrInvalidPassword, RPCAuth, "invalid password")
}

// NewTooManyAttempts reports a platform lockout; wait may be zero when unknown.
func NewTooManyAttempts(wait time.Duration) *CourierError {
	e := newError(ErrTooManyAttempts, RPCAuth, "too many attempts")
	if wait > 0 {
		secs := int(wait.Round(time.Second) / time.Second)
		e.Message = fmt.Sprintf("too many attempts, retry in %ds", secs)
		e.Details = map[string]any{"retry_after_seconds": secs}
	}
	return e
}

// NewInvalidSessionState is returned when an auth call is made from the wrong state.
func NewInvalidSessionState(op, state string) *CourierError {
	e := newError(ErrInvalidSessionState, RPCAuth, fmt.Sprintf("%s not allowed in state %s", op, state))
	e.Details = map[string]any{"operation": op, "state": state}
	return e
}

// NewInvalidRequest creates a validation error for bad request parameters.
func NewInvalidRequest(msg string) *CourierError {
	return newError(ErrInvalidRequest, RPCValidation, msg)
}

// NewInvalidPattern wraps a regular expression compile failure.
func NewInvalidPattern(pattern string, cause error) *CourierError {
	msg := fmt.Sprintf("invalid match_pattern %q", pattern)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	e := newError(ErrInvalidPattern, RPCValidation, msg)
	e.Details = map[string]any{"pattern": pattern}
	return e
}

func NewSelfReferentialRule(peerID int64) *CourierError {
	e := newError(ErrSelfReferentialRule, RPCValidation, "source and target must be different conversations")
	e.Details = map[string]any{"peer_id": peerID}
	return e
}

func NewRuleNotFound(id int64) *CourierError {
	e := newError(ErrRuleNotFound, RPCNotFound, fmt.Sprintf("rule not found: %d", id))
	e.Details = map[string]any{"id": id}
	return e
}

func NewPeerNotFound(id int64) *CourierError {
	e := newError(ErrPeerNotFound, RPCNotFound, fmt.Sprintf("peer not found: %d", id))
	e.Details = map[string]any{"peer_id": id}
	return e
}

// NewTransportUnavailable reports a transient platform failure.
func NewTransportUnavailable(err error) *CourierError {
	msg := "messaging platform unavailable"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return newError(ErrTransportUnavailable, RPCTransport, msg)
}

// NewTransportRejected reports a permanent platform rejection.
func NewTransportRejected(err error) *CourierError {
	msg := "rejected by messaging platform"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return newError(ErrTransportRejected, RPCTransport, msg)
}

// NewBusy is returned for low-priority work deferred while the relay queue is saturated.
func NewBusy(what string) *CourierError {
	return newError(ErrBusy, RPCBusy, fmt.Sprintf("%s deferred: relay queue is saturated", what))
}

func NewNotAuthorized() *CourierError {
	return newError(ErrNotAuthorized, RPCState, "not authorized: log in first")
}

// NewInternal creates an error for unexpected internal failures.
func NewInternal(err error) *CourierError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return newError(ErrInternal, RPCInternal, msg)
}

// As extracts a CourierError from err's chain.
func As(err error) (*CourierError, bool) {
	var cErr *CourierError
	if stderrors.As(err, &cErr) {
		return cErr, true
	}
	return nil, false
}

// Is checks if an error is a CourierError with the given code.
func Is(err error, code ErrorCode) bool {
	if cErr, ok := As(err); ok {
		return cErr.Code == code
	}
	return false
}
