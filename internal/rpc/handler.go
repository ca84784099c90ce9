package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hpungsan/courier/internal/api"
	"github.com/hpungsan/courier/internal/errors"
)

// maxBodyBytes bounds a request body, batches included.
const maxBodyBytes = 1 << 20

// Caller runs one method. *api.Service satisfies it.
type Caller interface {
	Call(ctx context.Context, name string, params json.RawMessage) (any, error)
}

// Handler serves POST /api/rpc.
type Handler struct {
	svc Caller
	log *slog.Logger
}

// NewHandler returns a JSON-RPC handler over svc.
func NewHandler(svc Caller, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log.With("component", "rpc")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse(nullID, &Error{Code: CodeInvalidRequest, Message: "request body too large"}))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse(nullID, &Error{Code: CodeParseError, Message: "failed to read request body"}))
		return
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		h.serveBatch(r.Context(), w, body)
		return
	}

	resp := h.handle(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) serveBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(nullID, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()}))
		return
	}
	if len(batch) == 0 {
		writeJSON(w, http.StatusOK, errorResponse(nullID, &Error{Code: CodeInvalidRequest, Message: "empty batch"}))
		return
	}

	out := make([]*Response, 0, len(batch))
	for _, raw := range batch {
		if resp := h.handle(ctx, raw); resp != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handle runs one request. It returns nil for notifications.
func (h *Handler) handle(ctx context.Context, raw json.RawMessage) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		var syntaxErr *json.SyntaxError
		if stderrors.As(err, &syntaxErr) {
			return errorResponse(nullID, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()})
		}
		return errorResponse(nullID, &Error{Code: CodeInvalidRequest, Message: "invalid request: " + err.Error()})
	}
	id := req.ID
	if id == nil {
		id = nullID
	}
	if req.JSONRPC != Version {
		return errorResponse(id, &Error{Code: CodeInvalidRequest, Message: `jsonrpc must be "2.0"`})
	}
	if req.Method == "" {
		return errorResponse(id, &Error{Code: CodeInvalidRequest, Message: "method is required"})
	}

	result, err := h.svc.Call(ctx, req.Method, req.Params)
	if req.ID == nil {
		if err != nil {
			h.log.Debug("notification failed", "method", req.Method, "error", err)
		}
		return nil
	}
	if err != nil {
		return errorResponse(id, h.toError(req.Method, err))
	}

	b, err := json.Marshal(result)
	if err != nil {
		h.log.Error("encode result", "method", req.Method, "error", err)
		return errorResponse(id, internalError())
	}
	return &Response{JSONRPC: Version, Result: b, ID: id}
}

// toError maps a method error onto the JSON-RPC error object. Uncoded and
// INTERNAL errors are reported without their cause.
func (h *Handler) toError(method string, err error) *Error {
	if stderrors.Is(err, api.ErrMethodNotFound) {
		return &Error{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}
	var pErr *api.ParamsError
	if stderrors.As(err, &pErr) {
		return &Error{
			Code:    CodeInvalidParams,
			Message: pErr.Error(),
			Data:    &ErrorData{ErrorCode: string(errors.ErrInvalidRequest)},
		}
	}
	if cErr, ok := errors.As(err); ok && cErr.Code != errors.ErrInternal {
		return &Error{
			Code:    cErr.RPCCode,
			Message: cErr.Message,
			Data:    &ErrorData{ErrorCode: string(cErr.Code), Details: cErr.Details},
		}
	}
	h.log.Error("internal error", "method", method, "error", err)
	return internalError()
}

func internalError() *Error {
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Data:    &ErrorData{ErrorCode: string(errors.ErrInternal)},
	}
}

func errorResponse(id json.RawMessage, e *Error) *Response {
	return &Response{JSONRPC: Version, Error: e, ID: id}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
