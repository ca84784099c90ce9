// Package session owns the account's authentication state machine. It is the
// only component that drives the transport's auth calls.
package session

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/platform"
)

// State is a session state.
type State string

const (
	StateUnauthenticated  State = "unauthenticated"
	StateCodeRequested    State = "code_requested"
	StatePasswordRequired State = "password_required"
	StateAuthorized       State = "authorized"
)

// Status is a point-in-time view of the session.
type Status struct {
	State State
	User  *platform.User
}

// Authorized reports whether the status is StateAuthorized.
func (s Status) Authorized() bool { return s.State == StateAuthorized }

// VerifyResult is returned by SubmitCode.
type VerifyResult struct {
	Authorized     bool
	PasswordNeeded bool
}

// Manager is the session context object. Create one per process with New and
// pass it to the components that need to gate on authorization.
type Manager struct {
	auth platform.Authenticator
	db   *sql.DB
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	state    State
	phone    string
	codeHash string
	user     *platform.User
	inFlight bool
	// authorized is closed while the state is Authorized and replaced when it leaves.
	authorized chan struct{}
	// revoked is open while the state is Authorized and closed when it leaves.
	revoked chan struct{}
}

// New returns a manager in StateUnauthenticated.
func New(auth platform.Authenticator, database *sql.DB, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	revoked := make(chan struct{})
	close(revoked)
	return &Manager{
		auth:       auth,
		db:         database,
		log:        log.With("component", "session"),
		now:        time.Now,
		state:      StateUnauthenticated,
		authorized: make(chan struct{}),
		revoked:    revoked,
	}
}

// Status returns the current state and, when authorized, the identity.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state}
	if m.state == StateAuthorized && m.user != nil {
		u := *m.user
		st.User = &u
	}
	return st
}

// Deauthorized returns a channel that is closed once the current authorized
// session ends. Outside StateAuthorized it is already closed.
func (m *Manager) Deauthorized() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked
}

// RequireAuthorized returns NOT_AUTHORIZED unless the session is authorized.
func (m *Manager) RequireAuthorized() error {
	if !m.Status().Authorized() {
		return errors.NewNotAuthorized()
	}
	return nil
}

// WaitAuthorized blocks until the session is authorized or ctx ends.
func (m *Manager) WaitAuthorized(ctx context.Context) error {
	m.mu.Lock()
	ch := m.authorized
	m.mu.Unlock()
	select {
	case <-ch:
		return nil
	default:
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin claims the single auth flow slot if the session is in one of want.
func (m *Manager) begin(op string, want ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return errors.NewInvalidSessionState(op, string(m.state)+" (another auth call is in progress)")
	}
	for _, s := range want {
		if m.state == s {
			m.inFlight = true
			return nil
		}
	}
	return errors.NewInvalidSessionState(op, string(m.state))
}

func (m *Manager) end() {
	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
}

// setStateLocked moves to next and maintains the authorized channel.
func (m *Manager) setStateLocked(next State) {
	prev := m.state
	m.state = next
	switch {
	case next == StateAuthorized && prev != StateAuthorized:
		m.revoked = make(chan struct{})
		close(m.authorized)
	case next != StateAuthorized && prev == StateAuthorized:
		m.authorized = make(chan struct{})
		close(m.revoked)
	}
	if prev != next {
		m.log.Info("session state changed", "from", prev, "to", next)
	}
}

// RequestCode asks the platform to send a login code to phone.
func (m *Manager) RequestCode(ctx context.Context, phone string) (platform.CodeType, error) {
	if phone == "" {
		return "", errors.NewInvalidRequest("phone is required")
	}
	if err := m.begin("request_code", StateUnauthenticated); err != nil {
		return "", err
	}
	defer m.end()

	sent, err := m.auth.SendCode(ctx, phone)
	if stderrors.Is(err, platform.ErrInvalidPhone) {
		return "", errors.NewInvalidPhone(phone)
	}
	if err != nil {
		return "", m.authError("request_code", err)
	}

	m.mu.Lock()
	m.phone = phone
	m.codeHash = sent.Hash
	m.setStateLocked(StateCodeRequested)
	m.mu.Unlock()
	return sent.Type, nil
}

// SubmitCode verifies the code sent by RequestCode.
func (m *Manager) SubmitCode(ctx context.Context, code string) (*VerifyResult, error) {
	if code == "" {
		return nil, errors.NewInvalidRequest("code is required")
	}
	if err := m.begin("submit_code", StateCodeRequested); err != nil {
		return nil, err
	}
	defer m.end()

	m.mu.Lock()
	phone, hash := m.phone, m.codeHash
	m.mu.Unlock()

	user, err := m.auth.VerifyCode(ctx, phone, hash, code)
	switch {
	case stderrors.Is(err, platform.ErrPasswordRequired):
		m.mu.Lock()
		m.codeHash = ""
		m.setStateLocked(StatePasswordRequired)
		m.mu.Unlock()
		return &VerifyResult{PasswordNeeded: true}, nil
	case stderrors.Is(err, platform.ErrCodeExpired):
		// The hash is single-use; a new code must be requested
		m.mu.Lock()
		m.phone, m.codeHash = "", ""
		m.setStateLocked(StateUnauthenticated)
		m.mu.Unlock()
		return nil, errors.NewCodeExpired()
	case err != nil:
		return nil, m.authError("submit_code", err)
	}

	if err := m.authorize(ctx, user); err != nil {
		return nil, err
	}
	return &VerifyResult{Authorized: true}, nil
}

// SubmitPassword completes sign-in for accounts with a second factor.
func (m *Manager) SubmitPassword(ctx context.Context, password string) error {
	if password == "" {
		return errors.NewInvalidRequest("password is required")
	}
	if err := m.begin("submit_password", StatePasswordRequired); err != nil {
		return err
	}
	defer m.end()

	user, err := m.auth.SubmitPassword(ctx, password)
	if err != nil {
		return m.authError("submit_password", err)
	}
	return m.authorize(ctx, user)
}

// authorize records the identity, persists it and enters StateAuthorized.
// The state changes even if persisting fails: the platform session is valid
// and Restore recovers the identity on the next start.
func (m *Manager) authorize(ctx context.Context, user *platform.User) error {
	m.mu.Lock()
	u := *user
	m.user = &u
	phone := m.phone
	m.codeHash = ""
	m.setStateLocked(StateAuthorized)
	m.mu.Unlock()

	now := m.now().Unix()
	rec := &db.SessionRecord{
		Phone:        phone,
		UserID:       u.ID,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Username:     u.Username,
		AuthorizedAt: now,
		UpdatedAt:    now,
	}
	if err := db.SaveSession(ctx, m.db, rec); err != nil {
		m.log.Error("failed to persist session", "error", err)
		return err
	}
	m.log.Info("authorized", "user_id", u.ID)
	return nil
}

// Restore checks the platform's stored session at startup.
func (m *Manager) Restore(ctx context.Context) error {
	rec, err := db.LoadSession(ctx, m.db)
	if err != nil {
		return err
	}

	user, err := m.auth.Self(ctx)
	if stderrors.Is(err, platform.ErrUnauthorized) {
		if rec != nil {
			m.log.Info("stored session is no longer authorized", "user_id", rec.UserID)
			if err := db.ClearIdentity(ctx, m.db); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil {
		return errors.NewTransportUnavailable(err)
	}

	// A login may have finished or started while Self was in flight
	if err := m.begin("restore", StateUnauthenticated); err != nil {
		return nil
	}
	defer m.end()

	if rec != nil {
		m.mu.Lock()
		m.phone = rec.Phone
		m.mu.Unlock()
	}
	return m.authorize(ctx, user)
}

// Logout signs the account out and clears the stored session.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.begin("logout", StateAuthorized); err != nil {
		return err
	}
	defer m.end()

	if err := m.auth.LogOut(ctx); err != nil && !stderrors.Is(err, platform.ErrUnauthorized) {
		return m.authError("logout", err)
	}

	m.mu.Lock()
	m.user = nil
	m.phone = ""
	m.setStateLocked(StateUnauthenticated)
	m.mu.Unlock()

	return db.ClearSession(ctx, m.db)
}

// authError maps transport auth failures to coded errors.
func (m *Manager) authError(op string, err error) error {
	switch {
	case stderrors.Is(err, platform.ErrInvalidCode):
		return errors.NewInvalidCode()
	case stderrors.Is(err, platform.ErrCodeExpired):
		return errors.NewCodeExpired()
	case stderrors.Is(err, platform.ErrInvalidPassword):
		return errors.NewInvalidPassword()
	}

	if wait := platform.RetryAfter(err); wait > 0 {
		if op == "submit_password" {
			return errors.NewTooManyAttempts(wait)
		}
		return errors.NewRateLimited(wait)
	}
	if platform.IsTemporary(err) {
		m.log.Warn("auth call failed", "op", op, "error", err)
		return errors.NewTransportUnavailable(err)
	}
	m.log.Warn("auth call rejected", "op", op, "error", err)
	return errors.NewTransportRejected(err)
}
