// Package platform defines the messaging platform capability the rest of courier
// is written against: addressing, messages, and the Transport contract.
package platform

import (
	"context"
	"time"
)

// Kind is the type of a conversation. Values match the console wire format.
type Kind string

const (
	KindDirect  Kind = "user"
	KindGroup   Kind = "group"
	KindChannel Kind = "channel"
)

// ParseKind maps a wire value to a Kind. Empty defaults to KindChannel.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case "":
		return KindChannel, true
	case KindDirect, KindGroup, KindChannel:
		return Kind(s), true
	}
	return "", false
}

// PeerRef addresses a conversation. The platform needs ID and AccessHash
// together; ID alone is not an address. Groups carry no access hash.
type PeerRef struct {
	ID         int64
	AccessHash int64
	Kind       Kind
}

// Addressable reports whether the ref carries enough to be used in a call.
func (r PeerRef) Addressable() bool {
	if r.ID == 0 {
		return false
	}
	return r.Kind == KindGroup || r.AccessHash != 0
}

// Peer is a directory entry.
type Peer struct {
	PeerRef
	Name        string
	UnreadCount int
	LastMessage string
}

// Direction of a message relative to the logged-in account.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// IncomingMessage is one event from a subscription stream.
type IncomingMessage struct {
	ID         int
	Source     PeerRef
	SenderName string
	Text       string
	Timestamp  time.Time
	Direction  Direction
	// Forwarded is set when the message itself is a forward of another message.
	Forwarded bool
}

// HistoryMessage is one entry of a conversation's history.
type HistoryMessage struct {
	ID         int
	Date       time.Time
	Text       string
	SenderName string
	Outgoing   bool
	Forwarded  bool
	HasMedia   bool
}

// User is the identity of an account.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

// DisplayName joins first and last name.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	return u.Username
}

// CodeType is the channel a login code was delivered over.
type CodeType string

const (
	CodeApp       CodeType = "app"
	CodeSMS       CodeType = "sms"
	CodeCall      CodeType = "call"
	CodeFlashCall CodeType = "flash_call"
	CodeUnknown   CodeType = "unknown"
)

// SentCode is the platform's answer to a code request. Hash correlates the code
// with its verification and is single-use.
type SentCode struct {
	Type    CodeType
	Hash    string
	Timeout time.Duration
}

// Authenticator is the auth half of the transport.
type Authenticator interface {
	SendCode(ctx context.Context, phone string) (*SentCode, error)
	// VerifyCode returns ErrPasswordRequired when the account has a second factor.
	VerifyCode(ctx context.Context, phone, codeHash, code string) (*User, error)
	SubmitPassword(ctx context.Context, password string) (*User, error)
	// Self returns ErrUnauthorized when there is no authorized session.
	Self(ctx context.Context) (*User, error)
	LogOut(ctx context.Context) error
}

// Conversations is the read half of the transport.
type Conversations interface {
	ListConversations(ctx context.Context, limit int) ([]Peer, error)
	// FetchHistory returns messages newest first.
	FetchHistory(ctx context.Context, peer PeerRef, limit int) ([]HistoryMessage, error)
}

// Relayer subscribes to new messages and forwards them.
type Relayer interface {
	Subscribe(ctx context.Context) (Stream, error)
	Relay(ctx context.Context, msg IncomingMessage, target PeerRef) error
}

// Transport is the full platform capability.
type Transport interface {
	Authenticator
	Conversations
	Relayer
}

// Stream is a lazy sequence of new messages. Next blocks until a message
// arrives, the context ends, or the stream breaks; a broken stream is not
// reused, the consumer subscribes again. Messages from one source arrive in
// order; there is no ordering across sources.
type Stream interface {
	Next(ctx context.Context) (IncomingMessage, error)
	Close() error
}
