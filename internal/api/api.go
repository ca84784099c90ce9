// Package api is the operator-facing method table. The JSON-RPC server, the
// MCP tool surface and the CLI all call through it, so authorization gating,
// parameter decoding and wire shapes live in one place.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/hpungsan/courier/internal/directory"
	"github.com/hpungsan/courier/internal/dispatch"
	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/rules"
	"github.com/hpungsan/courier/internal/session"
)

// ErrMethodNotFound is returned by Call for an unknown method name.
var ErrMethodNotFound = stderrors.New("method not found")

// ParamsError wraps a params decoding failure.
type ParamsError struct {
	Err error
}

func (e *ParamsError) Error() string { return "invalid params: " + e.Err.Error() }
func (e *ParamsError) Unwrap() error { return e.Err }

// Param describes one method parameter for tool surfaces and help output.
type Param struct {
	Name        string
	Type        string // string, number, boolean
	Required    bool
	Description string
}

// Method is one entry of the method table.
type Method struct {
	Name        string
	Description string
	Params      []Param
	// Public methods may be called before the session is authorized.
	Public bool
	Call   func(ctx context.Context, params json.RawMessage) (any, error)
}

// Deps are the components the methods drive.
type Deps struct {
	Session   *session.Manager
	Directory *directory.Directory
	Rules     *rules.Store
	Engine    *dispatch.Engine
	DB        *sql.DB
	Logger    *slog.Logger
	// DialogsLimit is the default page size of dialogs.list.
	DialogsLimit int
}

// Service holds the method table.
type Service struct {
	Deps
	log     *slog.Logger
	methods map[string]*Method
}

// New builds the method table.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DialogsLimit <= 0 {
		deps.DialogsLimit = 100
	}
	s := &Service{
		Deps:    deps,
		log:     deps.Logger.With("component", "api"),
		methods: make(map[string]*Method),
	}
	for _, m := range s.authMethods() {
		s.register(m)
	}
	for _, m := range s.peerMethods() {
		s.register(m)
	}
	for _, m := range s.ruleMethods() {
		s.register(m)
	}
	for _, m := range s.engineMethods() {
		s.register(m)
	}
	return s
}

func (s *Service) register(m *Method) {
	if _, dup := s.methods[m.Name]; dup {
		panic("api: duplicate method " + m.Name)
	}
	s.methods[m.Name] = m
}

// Methods returns the method table sorted by name.
func (s *Service) Methods() []*Method {
	out := make([]*Method, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Method) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Lookup returns the method called name.
func (s *Service) Lookup(name string) (*Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// Call runs a method. Non-public methods fail with NOT_AUTHORIZED until the
// session is authorized.
func (s *Service) Call(ctx context.Context, name string, params json.RawMessage) (any, error) {
	m, ok := s.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
	}
	if !m.Public {
		if err := s.Session.RequireAuthorized(); err != nil {
			return nil, err
		}
	}
	result, err := m.Call(ctx, params)
	if err != nil {
		if _, coded := errors.As(err); !coded {
			var pErr *ParamsError
			if !stderrors.As(err, &pErr) {
				s.log.Error("method failed", "method", name, "error", err)
			}
		}
		return nil, err
	}
	return result, nil
}

// decode unmarshals params into T. Absent or null params decode to the zero value.
func decode[T any](params json.RawMessage) (T, error) {
	var v T
	trimmed := strings.TrimSpace(string(params))
	if trimmed == "" || trimmed == "null" {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, &ParamsError{Err: err}
	}
	return v, nil
}

type empty struct{}
