package telegram

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gotd/td/tg"

	"github.com/hpungsan/courier/internal/platform"
)

const (
	previewLayout = "2006-01-02 15:04"
	previewRunes  = 80
)

func (c *Client) ListConversations(ctx context.Context, limit int) ([]platform.Peer, error) {
	conn, err := c.wait(ctx, "list_conversations")
	if err != nil {
		return nil, err
	}
	resp, err := conn.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      limit,
	})
	if err != nil {
		return nil, classify("list_conversations", err)
	}
	modified, ok := resp.AsModified()
	if !ok {
		return []platform.Peer{}, nil
	}
	return dialogPeers(modified.GetDialogs(), newEntities(modified.GetUsers(), modified.GetChats()), modified.GetMessages()), nil
}

func (c *Client) FetchHistory(ctx context.Context, peer platform.PeerRef, limit int) ([]platform.HistoryMessage, error) {
	conn, err := c.wait(ctx, "fetch_history")
	if err != nil {
		return nil, err
	}
	resp, err := conn.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  inputPeer(peer),
		Limit: limit,
	})
	if err != nil {
		return nil, classify("fetch_history", err)
	}
	modified, ok := resp.AsModified()
	if !ok {
		return []platform.HistoryMessage{}, nil
	}
	return historyMessages(modified.GetMessages(), newEntities(modified.GetUsers(), modified.GetChats())), nil
}

// entities indexes the users and chats that accompany a response.
type entities struct {
	users    map[int64]*tg.User
	chats    map[int64]*tg.Chat
	channels map[int64]*tg.Channel
}

func newEntities(users []tg.UserClass, chats []tg.ChatClass) entities {
	e := entities{
		users:    make(map[int64]*tg.User, len(users)),
		chats:    make(map[int64]*tg.Chat),
		channels: make(map[int64]*tg.Channel),
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			e.users[user.ID] = user
		}
	}
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Chat:
			e.chats[chat.ID] = chat
		case *tg.Channel:
			e.channels[chat.ID] = chat
		}
	}
	return e
}

// peer resolves a peer id into a directory entry.
func (e entities) peer(p tg.PeerClass) platform.Peer {
	var out platform.Peer
	switch p := p.(type) {
	case *tg.PeerUser:
		out.PeerRef = platform.PeerRef{ID: p.UserID, Kind: platform.KindDirect}
		if u, ok := e.users[p.UserID]; ok {
			out.AccessHash = u.AccessHash
			out.Name = toUser(u).DisplayName()
		} else {
			out.Name = fmt.Sprintf("User#%d", p.UserID)
		}
	case *tg.PeerChat:
		out.PeerRef = platform.PeerRef{ID: p.ChatID, Kind: platform.KindGroup}
		if c, ok := e.chats[p.ChatID]; ok {
			out.Name = c.Title
		} else {
			out.Name = fmt.Sprintf("Chat#%d", p.ChatID)
		}
	case *tg.PeerChannel:
		out.PeerRef = platform.PeerRef{ID: p.ChannelID, Kind: platform.KindChannel}
		if ch, ok := e.channels[p.ChannelID]; ok {
			out.AccessHash = ch.AccessHash
			out.Name = ch.Title
		} else {
			out.Name = fmt.Sprintf("Channel#%d", p.ChannelID)
		}
	}
	return out
}

// senderName names the author of m: the user when known, otherwise the
// chat or channel it was posted in.
func (e entities) senderName(m *tg.Message) string {
	if from, ok := m.GetFromID(); ok {
		if pu, ok := from.(*tg.PeerUser); ok {
			if u, ok := e.users[pu.UserID]; ok {
				return toUser(u).DisplayName()
			}
			return ""
		}
		return e.peer(from).Name
	}
	if _, ok := m.PeerID.(*tg.PeerUser); ok {
		return ""
	}
	return e.peer(m.PeerID).Name
}

func dialogPeers(dialogs []tg.DialogClass, e entities, messages []tg.MessageClass) []platform.Peer {
	top := make(map[int]*tg.Message, len(messages))
	for _, m := range messages {
		if msg, ok := m.(*tg.Message); ok {
			top[msg.ID] = msg
		}
	}

	out := make([]platform.Peer, 0, len(dialogs))
	for _, d := range dialogs {
		dlg, ok := d.(*tg.Dialog)
		if !ok {
			continue
		}
		p := e.peer(dlg.Peer)
		p.UnreadCount = dlg.UnreadCount
		if msg, ok := top[dlg.TopMessage]; ok {
			p.LastMessage = preview(msg)
		}
		out = append(out, p)
	}
	return out
}

// preview renders "YYYY-MM-DD HH:MM: text" with text cut to 80 characters.
func preview(m *tg.Message) string {
	text := m.Message
	switch {
	case text == "" && m.Media != nil:
		text = "[media]"
	case text == "":
		text = "[service message]"
	case utf8.RuneCountInString(text) > previewRunes:
		text = string([]rune(text)[:previewRunes]) + "..."
	}
	return time.Unix(int64(m.Date), 0).UTC().Format(previewLayout) + ": " + text
}

// historyMessages keeps the platform's newest-first order.
func historyMessages(messages []tg.MessageClass, e entities) []platform.HistoryMessage {
	out := make([]platform.HistoryMessage, 0, len(messages))
	for _, m := range messages {
		switch msg := m.(type) {
		case *tg.Message:
			_, forwarded := msg.GetFwdFrom()
			out = append(out, platform.HistoryMessage{
				ID:         msg.ID,
				Date:       time.Unix(int64(msg.Date), 0).UTC(),
				Text:       msg.Message,
				SenderName: e.senderName(msg),
				Outgoing:   msg.Out,
				Forwarded:  forwarded,
				HasMedia:   msg.Media != nil,
			})
		case *tg.MessageService:
			out = append(out, platform.HistoryMessage{
				ID:       msg.ID,
				Date:     time.Unix(int64(msg.Date), 0).UTC(),
				Outgoing: msg.Out,
			})
		}
	}
	return out
}

func inputPeer(ref platform.PeerRef) tg.InputPeerClass {
	switch ref.Kind {
	case platform.KindDirect:
		return &tg.InputPeerUser{UserID: ref.ID, AccessHash: ref.AccessHash}
	case platform.KindGroup:
		return &tg.InputPeerChat{ChatID: ref.ID}
	}
	return &tg.InputPeerChannel{ChannelID: ref.ID, AccessHash: ref.AccessHash}
}
