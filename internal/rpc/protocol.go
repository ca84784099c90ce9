// Package rpc serves the method table as JSON-RPC 2.0 over HTTP and provides
// the matching client used by the CLI.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/hpungsan/courier/internal/errors"
)

// Version is the only supported protocol version.
const Version = "2.0"

// Protocol error codes reserved by JSON-RPC 2.0.
const (
	CodeParseError     = errors.RPCParseError
	CodeInvalidRequest = errors.RPCInvalidRequest
	CodeMethodNotFound = errors.RPCMethodNotFound
	CodeInvalidParams  = errors.RPCInvalidParams
	CodeInternal       = errors.RPCInternal
)

// Request is a JSON-RPC request. A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the application error code.
type ErrorData struct {
	ErrorCode string         `json:"error_code"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.ErrorCode(), e.Message)
}

// ErrorCode returns the application error code, or a protocol code name when
// the error carries none.
func (e *Error) ErrorCode() string {
	if e.Data != nil && e.Data.ErrorCode != "" {
		return e.Data.ErrorCode
	}
	switch e.Code {
	case CodeParseError:
		return "PARSE_ERROR"
	case CodeInvalidRequest:
		return "INVALID_REQUEST"
	case CodeMethodNotFound:
		return "METHOD_NOT_FOUND"
	case CodeInvalidParams:
		return "INVALID_PARAMS"
	}
	return string(errors.ErrInternal)
}

// Unwrap exposes the application error as a *errors.CourierError so callers
// can match codes the same way in and out of process.
func (e *Error) Unwrap() error {
	if e.Data == nil || e.Data.ErrorCode == "" {
		return nil
	}
	return &errors.CourierError{
		Code:    errors.ErrorCode(e.Data.ErrorCode),
		RPCCode: e.Code,
		Message: e.Message,
		Details: e.Data.Details,
	}
}

var nullID = json.RawMessage("null")
