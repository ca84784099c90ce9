package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/courier/internal/api"
	"github.com/hpungsan/courier/internal/errors"
)

func handler(caller Caller, method string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := arguments(req)
		if err != nil {
			return errorResult(&api.ParamsError{Err: err}), nil
		}
		result, err := caller.Call(ctx, method, params)
		if err != nil {
			return errorResult(err), nil
		}
		return successResult(result)
	}
}

// arguments re-encodes the tool arguments as method params.
func arguments(req mcp.CallToolRequest) (json.RawMessage, error) {
	args := req.GetArguments()
	if len(args) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	return b, nil
}

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var errorObj map[string]any

	var pErr *api.ParamsError
	cErr, coded := errors.As(err)
	switch {
	case stderrors.As(err, &pErr):
		errorObj = map[string]any{
			"code":    string(errors.ErrInvalidRequest),
			"message": pErr.Error(),
		}
	case stderrors.Is(err, api.ErrMethodNotFound):
		errorObj = map[string]any{
			"code":    "METHOD_NOT_FOUND",
			"message": err.Error(),
		}
	case coded && cErr.Code != errors.ErrInternal:
		errorObj = map[string]any{
			"code":    string(cErr.Code),
			"message": cErr.Message,
		}
		if cErr.Details != nil {
			errorObj["details"] = cErr.Details
		}
	default:
		errorObj = map[string]any{
			"code":    string(errors.ErrInternal),
			"message": "an internal error occurred",
		}
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
