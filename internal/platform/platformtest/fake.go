// Package platformtest provides an in-memory platform.Transport for tests.
package platformtest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/courier/internal/platform"
)

// RelayCall records one Relay invocation.
type RelayCall struct {
	Message platform.IncomingMessage
	Target  platform.PeerRef
}

// Transport is a scripted platform.Transport. Zero-valued hooks give a
// well-behaved account: codes are sent by app, any code "12345" signs in.
type Transport struct {
	SendCodeFunc       func(ctx context.Context, phone string) (*platform.SentCode, error)
	VerifyCodeFunc     func(ctx context.Context, phone, hash, code string) (*platform.User, error)
	SubmitPasswordFunc func(ctx context.Context, password string) (*platform.User, error)
	SelfFunc           func(ctx context.Context) (*platform.User, error)
	RelayFunc          func(ctx context.Context, msg platform.IncomingMessage, target platform.PeerRef) error
	SubscribeFunc      func(ctx context.Context) error

	mu       sync.Mutex
	user     *platform.User
	peers    []platform.Peer
	history  map[int64][]platform.HistoryMessage
	relays   []RelayCall
	streams  []*stream
	listCall int

	feed          chan platform.IncomingMessage
	subscriptions atomic.Int32
	relayed       chan struct{}
}

// New returns a Transport with an empty feed.
func New() *Transport {
	return &Transport{
		history: make(map[int64][]platform.HistoryMessage),
		feed:    make(chan platform.IncomingMessage, 1024),
		relayed: make(chan struct{}, 1024),
	}
}

// DefaultUser is the identity returned by the default sign-in hooks.
var DefaultUser = platform.User{ID: 1001, FirstName: "Test", LastName: "User", Username: "tester"}

func (t *Transport) SendCode(ctx context.Context, phone string) (*platform.SentCode, error) {
	if t.SendCodeFunc != nil {
		return t.SendCodeFunc(ctx, phone)
	}
	return &platform.SentCode{Type: platform.CodeApp, Hash: "hash-" + phone}, nil
}

func (t *Transport) VerifyCode(ctx context.Context, phone, hash, code string) (*platform.User, error) {
	var (
		u   *platform.User
		err error
	)
	if t.VerifyCodeFunc != nil {
		u, err = t.VerifyCodeFunc(ctx, phone, hash, code)
	} else if code == "12345" {
		u = &DefaultUser
	} else {
		err = platform.Permanent("sign_in", "PHONE_CODE_INVALID", platform.ErrInvalidCode)
	}
	if u != nil {
		t.SetUser(u)
	}
	return u, err
}

func (t *Transport) SubmitPassword(ctx context.Context, password string) (*platform.User, error) {
	var (
		u   *platform.User
		err error
	)
	if t.SubmitPasswordFunc != nil {
		u, err = t.SubmitPasswordFunc(ctx, password)
	} else {
		u = &DefaultUser
	}
	if u != nil {
		t.SetUser(u)
	}
	return u, err
}

func (t *Transport) Self(ctx context.Context) (*platform.User, error) {
	if t.SelfFunc != nil {
		return t.SelfFunc(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.user == nil {
		return nil, platform.ErrUnauthorized
	}
	u := *t.user
	return &u, nil
}

func (t *Transport) LogOut(ctx context.Context) error {
	t.SetUser(nil)
	return nil
}

// SetUser sets the account the fake reports as signed in; nil signs out.
func (t *Transport) SetUser(u *platform.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u == nil {
		t.user = nil
		return
	}
	cp := *u
	t.user = &cp
}

// SetPeers replaces the conversation list.
func (t *Transport) SetPeers(peers ...platform.Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = append([]platform.Peer(nil), peers...)
}

// SetHistory sets a peer's history, newest first.
func (t *Transport) SetHistory(peerID int64, msgs ...platform.HistoryMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history[peerID] = append([]platform.HistoryMessage(nil), msgs...)
}

func (t *Transport) ListConversations(ctx context.Context, limit int) ([]platform.Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listCall++
	out := append([]platform.Peer(nil), t.peers...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListCalls returns how many times ListConversations ran.
func (t *Transport) ListCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listCall
}

func (t *Transport) FetchHistory(ctx context.Context, peer platform.PeerRef, limit int) ([]platform.HistoryMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.history[peer.ID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]platform.HistoryMessage(nil), msgs...), nil
}

// Push queues a message for delivery to the current (or next) subscriber.
func (t *Transport) Push(msgs ...platform.IncomingMessage) {
	for _, m := range msgs {
		t.feed <- m
	}
}

// Disconnect breaks every open stream with err.
func (t *Transport) Disconnect(err error) {
	t.mu.Lock()
	streams := t.streams
	t.streams = nil
	t.mu.Unlock()
	for _, s := range streams {
		s.breakWith(err)
	}
}

// Subscriptions returns how many times Subscribe succeeded.
func (t *Transport) Subscriptions() int {
	return int(t.subscriptions.Load())
}

func (t *Transport) Subscribe(ctx context.Context) (platform.Stream, error) {
	if t.SubscribeFunc != nil {
		if err := t.SubscribeFunc(ctx); err != nil {
			return nil, err
		}
	}
	s := &stream{feed: t.feed, broken: make(chan struct{})}
	t.mu.Lock()
	t.streams = append(t.streams, s)
	t.mu.Unlock()
	t.subscriptions.Add(1)
	return s, nil
}

func (t *Transport) Relay(ctx context.Context, msg platform.IncomingMessage, target platform.PeerRef) error {
	var err error
	if t.RelayFunc != nil {
		err = t.RelayFunc(ctx, msg, target)
	}
	t.mu.Lock()
	t.relays = append(t.relays, RelayCall{Message: msg, Target: target})
	t.mu.Unlock()
	select {
	case t.relayed <- struct{}{}:
	default:
	}
	return err
}

// Relays returns every Relay call made so far, including failed ones.
func (t *Transport) Relays() []RelayCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RelayCall(nil), t.relays...)
}

// WaitRelays blocks until at least n Relay calls have been made or timeout
// passes, and returns the calls seen.
func (t *Transport) WaitRelays(n int, timeout time.Duration) []RelayCall {
	deadline := time.After(timeout)
	for {
		if calls := t.Relays(); len(calls) >= n {
			return calls
		}
		select {
		case <-t.relayed:
		case <-deadline:
			return t.Relays()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type stream struct {
	feed   chan platform.IncomingMessage
	broken chan struct{}
	once   sync.Once
	err    error
}

func (s *stream) breakWith(err error) {
	s.once.Do(func() {
		if err == nil {
			err = platform.ErrStreamClosed
		}
		s.err = err
		close(s.broken)
	})
}

func (s *stream) Next(ctx context.Context) (platform.IncomingMessage, error) {
	select {
	case <-s.broken:
		return platform.IncomingMessage{}, s.err
	default:
	}
	select {
	case m := <-s.feed:
		return m, nil
	case <-s.broken:
		return platform.IncomingMessage{}, s.err
	case <-ctx.Done():
		return platform.IncomingMessage{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.breakWith(platform.ErrStreamClosed)
	return nil
}

var _ platform.Transport = (*Transport)(nil)
