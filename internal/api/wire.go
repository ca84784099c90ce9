package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/dispatch"
	"github.com/hpungsan/courier/internal/forward"
	"github.com/hpungsan/courier/internal/platform"
)

// FlexInt64 decodes from a JSON number or a decimal string. Access hashes use
// the full int64 range, which JavaScript numbers cannot hold.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		b = []byte(s)
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", b)
	}
	*f = FlexInt64(v)
	return nil
}

func hashString(v int64) string {
	return strconv.FormatInt(v, 10)
}

// User is the account identity.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username,omitempty"`
}

// AuthStatus is the result of auth.status.
type AuthStatus struct {
	Authorized bool   `json:"authorized"`
	State      string `json:"state"`
	User       *User  `json:"user,omitempty"`
}

// SendCodeResult is the result of auth.sendCode.
type SendCodeResult struct {
	CodeType string `json:"code_type"`
}

// VerifyCodeResult is the result of auth.verifyCode.
type VerifyCodeResult struct {
	Authorized     bool `json:"authorized"`
	PasswordNeeded bool `json:"password_needed"`
}

// Dialog is one conversation in dialogs.list.
type Dialog struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	UnreadCount int    `json:"unread_count"`
	LastMessage string `json:"last_message"`
	AccessHash  string `json:"access_hash"`
}

func toDialog(p platform.Peer) Dialog {
	return Dialog{
		ID:          p.ID,
		Name:        p.Name,
		Type:        string(p.Kind),
		UnreadCount: p.UnreadCount,
		LastMessage: p.LastMessage,
		AccessHash:  hashString(p.AccessHash),
	}
}

// Channel is one entry of channels.list.
type Channel struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	AccessHash string `json:"access_hash"`
}

// HistoryMessage is one entry of messages.history.
type HistoryMessage struct {
	ID         int    `json:"id"`
	Date       string `json:"date"`
	Text       string `json:"text"`
	SenderName string `json:"sender_name"`
	IsOutgoing bool   `json:"is_outgoing"`
}

const historyDateLayout = "2006-01-02 15:04"

func toHistoryMessage(m platform.HistoryMessage) HistoryMessage {
	text := m.Text
	if text == "" {
		if m.HasMedia {
			text = "[media]"
		} else {
			text = "[service message]"
		}
	}
	return HistoryMessage{
		ID:         m.ID,
		Date:       m.Date.UTC().Format(historyDateLayout),
		Text:       text,
		SenderName: m.SenderName,
		IsOutgoing: m.Outgoing,
	}
}

// Rule is the wire form of a forwarding rule.
type Rule struct {
	ID              int64  `json:"id"`
	SourceChannelID int64  `json:"source_channel_id"`
	SourceName      string `json:"source_name"`
	SourceHash      string `json:"source_hash"`
	SourceType      string `json:"source_type"`
	TargetChannelID int64  `json:"target_channel_id"`
	TargetName      string `json:"target_name"`
	TargetHash      string `json:"target_hash"`
	TargetType      string `json:"target_type"`
	MatchPattern    string `json:"match_pattern"`
	Enabled         bool   `json:"enabled"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toRule(r *forward.Rule) Rule {
	return Rule{
		ID:              r.ID,
		SourceChannelID: r.Source.ID,
		SourceName:      r.Source.Name,
		SourceHash:      hashString(r.Source.AccessHash),
		SourceType:      string(r.Source.Kind),
		TargetChannelID: r.Target.ID,
		TargetName:      r.Target.Name,
		TargetHash:      hashString(r.Target.AccessHash),
		TargetType:      string(r.Target.Kind),
		MatchPattern:    r.MatchPattern,
		Enabled:         r.Enabled,
		CreatedAt:       formatUnix(r.CreatedAt),
		UpdatedAt:       formatUnix(r.UpdatedAt),
	}
}

func formatUnix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// BackfillResult is the result of rules.backfill.
type BackfillResult struct {
	Scanned int `json:"scanned"`
	Matched int `json:"matched"`
	Queued  int `json:"queued"`
}

// RelayRecord is one entry of relays.list.
type RelayRecord struct {
	ID        string `json:"id"`
	RuleID    int64  `json:"rule_id"`
	SourceID  int64  `json:"source_id"`
	MessageID int    `json:"message_id"`
	TargetID  int64  `json:"target_id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Permanent bool   `json:"permanent"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

func toRelayRecord(r db.RelayRecord) RelayRecord {
	return RelayRecord{
		ID:        r.ID,
		RuleID:    r.RuleID,
		SourceID:  r.SourceID,
		MessageID: r.MessageID,
		TargetID:  r.TargetID,
		Status:    r.Status,
		Attempts:  r.Attempts,
		Permanent: r.Permanent,
		Error:     r.Error,
		CreatedAt: formatUnix(r.CreatedAt),
	}
}

// EngineStatus is the result of engine.status.
type EngineStatus struct {
	Subscribed    bool   `json:"subscribed"`
	Saturated     bool   `json:"saturated"`
	Received      uint64 `json:"received"`
	Skipped       uint64 `json:"skipped"`
	Dropped       uint64 `json:"dropped"`
	Matched       uint64 `json:"matched"`
	Duplicates    uint64 `json:"duplicates"`
	Relayed       uint64 `json:"relayed"`
	Failed        uint64 `json:"failed"`
	Abandoned     uint64 `json:"abandoned"`
	Pending       int    `json:"pending"`
	QueueCapacity int    `json:"queue_capacity"`
	EnabledRules  int    `json:"enabled_rules"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorAt   string `json:"last_error_at,omitempty"`
	PeersSyncedAt string `json:"peers_synced_at,omitempty"`
}

func toEngineStatus(st dispatch.Stats, saturated bool, enabledRules int, syncedAt time.Time) EngineStatus {
	out := EngineStatus{
		Subscribed:    st.Subscribed,
		Saturated:     saturated,
		Received:      st.Received,
		Skipped:       st.Skipped,
		Dropped:       st.Dropped,
		Matched:       st.Matched,
		Duplicates:    st.Duplicates,
		Relayed:       st.Relayed,
		Failed:        st.Failed,
		Abandoned:     st.Abandoned,
		Pending:       st.Pending,
		QueueCapacity: st.Capacity,
		EnabledRules:  enabledRules,
		LastError:     st.LastError,
	}
	if !st.LastErrorAt.IsZero() {
		out.LastErrorAt = st.LastErrorAt.UTC().Format(time.RFC3339)
	}
	if !syncedAt.IsZero() && syncedAt.Unix() > 0 {
		out.PeersSyncedAt = syncedAt.UTC().Format(time.RFC3339)
	}
	return out
}
