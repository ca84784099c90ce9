package api

import (
	"context"
	"encoding/json"

	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/platform"
)

type dialogsListParams struct {
	Limit int `json:"limit"`
}

type historyParams struct {
	PeerID     FlexInt64 `json:"peer_id"`
	PeerType   string    `json:"peer_type"`
	AccessHash FlexInt64 `json:"access_hash"`
	Limit      int       `json:"limit"`
}

func (s *Service) peerMethods() []*Method {
	return []*Method{
		{
			Name:        "dialogs.list",
			Description: "List the account's conversations, most recent activity first.",
			Params: []Param{
				{Name: "limit", Type: "number", Description: "Maximum number of conversations"},
			},
			Call: s.dialogsList,
		},
		{
			Name:        "channels.list",
			Description: "List the channels the account belongs to.",
			Call:        s.channelsList,
		},
		{
			Name:        "messages.history",
			Description: "Fetch recent messages of a conversation, newest first.",
			Params: []Param{
				{Name: "peer_id", Type: "string", Required: true, Description: "Conversation id"},
				{Name: "peer_type", Type: "string", Description: "user, group or channel (default channel)"},
				{Name: "access_hash", Type: "string", Description: "Access hash; looked up in the directory when omitted"},
				{Name: "limit", Type: "number", Description: "Number of messages (default 20, max 100)"},
			},
			Call: s.messagesHistory,
		},
	}
}

// refresh syncs the directory, serving the last snapshot when sync is
// deferred by relay backpressure.
func (s *Service) refresh(ctx context.Context) error {
	_, err := s.Directory.Sync(ctx)
	if errors.Is(err, errors.ErrBusy) {
		s.log.Info("serving cached directory", "reason", "relay queue saturated")
		return nil
	}
	return err
}

func (s *Service) dialogsList(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[dialogsListParams](params)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = s.DialogsLimit
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	peers := s.Directory.List()
	if len(peers) > limit {
		peers = peers[:limit]
	}
	out := make([]Dialog, 0, len(peers))
	for _, peer := range peers {
		out = append(out, toDialog(peer))
	}
	return out, nil
}

func (s *Service) channelsList(ctx context.Context, _ json.RawMessage) (any, error) {
	if s.Directory.SyncedAt().Unix() <= 0 {
		if err := s.refresh(ctx); err != nil {
			return nil, err
		}
	}
	peers := s.Directory.List(platform.KindChannel)
	out := make([]Channel, 0, len(peers))
	for _, peer := range peers {
		out = append(out, Channel{
			ID:         peer.ID,
			Name:       peer.Name,
			Type:       string(peer.Kind),
			AccessHash: hashString(peer.AccessHash),
		})
	}
	return out, nil
}

func (s *Service) messagesHistory(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[historyParams](params)
	if err != nil {
		return nil, err
	}
	if p.PeerID == 0 {
		return nil, errors.NewInvalidRequest("peer_id is required")
	}
	kind, ok := platform.ParseKind(p.PeerType)
	if !ok {
		return nil, errors.NewInvalidRequest("unsupported peer_type: " + p.PeerType)
	}

	ref := platform.PeerRef{ID: int64(p.PeerID), AccessHash: int64(p.AccessHash), Kind: kind}
	msgs, err := s.Directory.History(ctx, ref, p.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toHistoryMessage(m))
	}
	return out, nil
}
