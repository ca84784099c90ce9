package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"github.com/hpungsan/courier/internal/platform"
)

const streamBuffer = 256

func (c *Client) Subscribe(ctx context.Context) (platform.Stream, error) {
	if _, err := c.wait(ctx, "subscribe"); err != nil {
		return nil, err
	}
	return c.hub.subscribe(), nil
}

// incomingMessage converts a new-message update. Service messages are ignored.
func incomingMessage(m tg.MessageClass, e tg.Entities) (platform.IncomingMessage, bool) {
	msg, ok := m.(*tg.Message)
	if !ok {
		return platform.IncomingMessage{}, false
	}
	ents := entities{users: e.Users, chats: e.Chats, channels: e.Channels}
	source := ents.peer(msg.PeerID)
	_, forwarded := msg.GetFwdFrom()

	out := platform.IncomingMessage{
		ID:         msg.ID,
		Source:     source.PeerRef,
		SenderName: ents.senderName(msg),
		Text:       msg.Message,
		Timestamp:  time.Unix(int64(msg.Date), 0).UTC(),
		Direction:  platform.Inbound,
		Forwarded:  forwarded,
	}
	if msg.Out {
		out.Direction = platform.Outbound
	}
	return out, true
}

// hub fans updates out to every open stream.
type hub struct {
	mu   sync.Mutex
	subs map[*stream]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*stream]struct{})}
}

func (h *hub) subscribe() *stream {
	s := &stream{
		hub:  h,
		ch:   make(chan platform.IncomingMessage, streamBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub) remove(s *stream) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *hub) snapshot() []*stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*stream, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	return out
}

// publish blocks until every stream took msg, was closed, or ctx ended.
func (h *hub) publish(ctx context.Context, msg platform.IncomingMessage) {
	for _, s := range h.snapshot() {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// closeAll breaks every open stream with err.
func (h *hub) closeAll(err error) {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*stream]struct{})
	h.mu.Unlock()
	for s := range subs {
		s.fail(err)
	}
}

type stream struct {
	hub  *hub
	ch   chan platform.IncomingMessage
	done chan struct{}
	once sync.Once
	err  error
}

func (s *stream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Next returns buffered messages before reporting a broken stream.
func (s *stream) Next(ctx context.Context) (platform.IncomingMessage, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		select {
		case msg := <-s.ch:
			return msg, nil
		default:
		}
		return platform.IncomingMessage{}, s.err
	case <-ctx.Done():
		return platform.IncomingMessage{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.hub.remove(s)
	s.fail(platform.ErrStreamClosed)
	return nil
}
