package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/courier/internal/api"
)

// Caller runs one method of the method table. *api.Service satisfies it; the
// stdio proxy uses an RPC-backed implementation.
type Caller interface {
	Call(ctx context.Context, name string, params json.RawMessage) (any, error)
}

// Options configure NewServer.
type Options struct {
	Version string
	// DisabledTools are tool names excluded from registration.
	DisabledTools []string
}

// ToolName maps a method name onto its tool name ("rules.create" → "rules_create").
func ToolName(method string) string {
	return strings.ReplaceAll(method, ".", "_")
}

// AllToolNames returns the tool names for methods, sorted.
func AllToolNames(methods []*api.Method) []string {
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, ToolName(m.Name))
	}
	slices.Sort(names)
	return names
}

// ValidateDisabledTools returns the names that match no tool.
func ValidateDisabledTools(methods []*api.Method, names []string) []string {
	known := make(map[string]bool, len(methods))
	for _, m := range methods {
		known[ToolName(m.Name)] = true
	}
	unknown := make([]string, 0)
	for _, name := range names {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server exposing one tool per method. Tools listed
// in opts.DisabledTools are excluded from registration.
func NewServer(methods []*api.Method, caller Caller, opts Options) *server.MCPServer {
	s := server.NewMCPServer(
		"courier",
		opts.Version,
		server.WithToolCapabilities(true),
	)

	disabled := make(map[string]bool, len(opts.DisabledTools))
	for _, name := range opts.DisabledTools {
		disabled[name] = true
	}

	for _, m := range methods {
		name := ToolName(m.Name)
		if disabled[name] {
			continue
		}
		s.AddTool(toolDef(name, m), handler(caller, m.Name))
	}
	return s
}

// Handler returns the streamable HTTP transport for s.
func Handler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s)
}

// ServeStdio serves s over stdin/stdout until EOF.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func toolDef(name string, m *api.Method) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(m.Description)}
	for _, p := range m.Params {
		propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		switch p.Type {
		case "number":
			opts = append(opts, mcp.WithNumber(p.Name, propOpts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(p.Name, propOpts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, propOpts...))
		}
	}
	return mcp.NewTool(name, opts...)
}
