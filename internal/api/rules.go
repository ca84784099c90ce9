package api

import (
	"context"
	"encoding/json"

	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/forward"
	"github.com/hpungsan/courier/internal/platform"
	"github.com/hpungsan/courier/internal/rules"
)

type idParams struct {
	ID FlexInt64 `json:"id"`
}

func (p idParams) validate() (int64, error) {
	if p.ID <= 0 {
		return 0, errors.NewInvalidRequest("id is required")
	}
	return int64(p.ID), nil
}

type createRuleParams struct {
	SourceChannelID FlexInt64 `json:"source_channel_id"`
	SourceName      string    `json:"source_name"`
	SourceHash      FlexInt64 `json:"source_hash"`
	SourceType      string    `json:"source_type"`
	TargetChannelID FlexInt64 `json:"target_channel_id"`
	TargetName      string    `json:"target_name"`
	TargetHash      FlexInt64 `json:"target_hash"`
	TargetType      string    `json:"target_type"`
	MatchPattern    string    `json:"match_pattern"`
	Enabled         *bool     `json:"enabled"`
}

type updateRuleParams struct {
	ID              FlexInt64  `json:"id"`
	SourceChannelID *FlexInt64 `json:"source_channel_id"`
	SourceName      *string    `json:"source_name"`
	SourceHash      *FlexInt64 `json:"source_hash"`
	SourceType      *string    `json:"source_type"`
	TargetChannelID *FlexInt64 `json:"target_channel_id"`
	TargetName      *string    `json:"target_name"`
	TargetHash      *FlexInt64 `json:"target_hash"`
	TargetType      *string    `json:"target_type"`
	MatchPattern    *string    `json:"match_pattern"`
	Enabled         *bool      `json:"enabled"`
}

type backfillParams struct {
	ID    FlexInt64 `json:"id"`
	Limit int       `json:"limit"`
}

func (s *Service) ruleMethods() []*Method {
	peerParams := func(side string) []Param {
		return []Param{
			{Name: side + "_channel_id", Type: "string", Description: "Conversation id"},
			{Name: side + "_name", Type: "string", Description: "Display name"},
			{Name: side + "_hash", Type: "string", Description: "Access hash"},
			{Name: side + "_type", Type: "string", Description: "user, group or channel (default channel)"},
		}
	}
	ruleParams := append(peerParams("source"), peerParams("target")...)
	ruleParams = append(ruleParams,
		Param{Name: "match_pattern", Type: "string", Description: "Regular expression (RE2); empty matches every message"},
		Param{Name: "enabled", Type: "boolean", Description: "Whether the rule is active"},
	)

	create := make([]Param, len(ruleParams))
	copy(create, ruleParams)
	for i := range create {
		switch create[i].Name {
		case "source_channel_id", "target_channel_id":
			create[i].Required = true
		}
	}
	update := append([]Param{{Name: "id", Type: "number", Required: true, Description: "Rule id"}}, ruleParams...)
	byID := []Param{{Name: "id", Type: "number", Required: true, Description: "Rule id"}}

	return []*Method{
		{
			Name:        "rules.list",
			Description: "List all forwarding rules in creation order.",
			Call:        s.rulesList,
		},
		{
			Name:        "rules.get",
			Description: "Get one forwarding rule.",
			Params:      byID,
			Call:        s.rulesGet,
		},
		{
			Name:        "rules.create",
			Description: "Create a forwarding rule from a source to a target conversation.",
			Params:      create,
			Call:        s.rulesCreate,
		},
		{
			Name:        "rules.update",
			Description: "Change some fields of a forwarding rule; omitted fields keep their value.",
			Params:      update,
			Call:        s.rulesUpdate,
		},
		{
			Name:        "rules.delete",
			Description: "Delete a forwarding rule. Deleting an absent rule succeeds.",
			Params:      byID,
			Call:        s.rulesDelete,
		},
		{
			Name:        "rules.backfill",
			Description: "Relay recent source messages that match an enabled rule.",
			Params: []Param{
				byID[0],
				{Name: "limit", Type: "number", Description: "Messages to scan (default 50, max 100)"},
			},
			Call: s.rulesBackfill,
		},
	}
}

func (s *Service) rulesList(ctx context.Context, _ json.RawMessage) (any, error) {
	all, err := s.Rules.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(all))
	for i := range all {
		out = append(out, toRule(&all[i]))
	}
	return out, nil
}

func (s *Service) rulesGet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[idParams](params)
	if err != nil {
		return nil, err
	}
	id, err := p.validate()
	if err != nil {
		return nil, err
	}
	r, err := s.Rules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return toRule(r), nil
}

func parseKind(side, value string) (platform.Kind, error) {
	kind, ok := platform.ParseKind(value)
	if !ok {
		return "", errors.NewInvalidRequest(side + "_type must be one of user, group, channel")
	}
	return kind, nil
}

func (s *Service) rulesCreate(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[createRuleParams](params)
	if err != nil {
		return nil, err
	}
	sourceKind, err := parseKind("source", p.SourceType)
	if err != nil {
		return nil, err
	}
	targetKind, err := parseKind("target", p.TargetType)
	if err != nil {
		return nil, err
	}

	r, err := s.Rules.Create(ctx, rules.CreateInput{
		Source: forward.PeerSnapshot{
			ID:         int64(p.SourceChannelID),
			AccessHash: int64(p.SourceHash),
			Kind:       sourceKind,
			Name:       p.SourceName,
		},
		Target: forward.PeerSnapshot{
			ID:         int64(p.TargetChannelID),
			AccessHash: int64(p.TargetHash),
			Kind:       targetKind,
			Name:       p.TargetName,
		},
		MatchPattern: p.MatchPattern,
		Enabled:      p.Enabled,
	})
	if err != nil {
		return nil, err
	}
	return toRule(r), nil
}

func (s *Service) rulesUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[updateRuleParams](params)
	if err != nil {
		return nil, err
	}
	id, err := idParams{ID: p.ID}.validate()
	if err != nil {
		return nil, err
	}

	patch := forward.Patch{
		SourceID:         int64Ptr(p.SourceChannelID),
		SourceAccessHash: int64Ptr(p.SourceHash),
		SourceName:       p.SourceName,
		TargetID:         int64Ptr(p.TargetChannelID),
		TargetAccessHash: int64Ptr(p.TargetHash),
		TargetName:       p.TargetName,
		MatchPattern:     p.MatchPattern,
		Enabled:          p.Enabled,
	}
	if p.SourceType != nil {
		kind, err := parseKind("source", *p.SourceType)
		if err != nil {
			return nil, err
		}
		patch.SourceKind = &kind
	}
	if p.TargetType != nil {
		kind, err := parseKind("target", *p.TargetType)
		if err != nil {
			return nil, err
		}
		patch.TargetKind = &kind
	}

	r, err := s.Rules.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	return toRule(r), nil
}

func int64Ptr(v *FlexInt64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func (s *Service) rulesDelete(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[idParams](params)
	if err != nil {
		return nil, err
	}
	id, err := p.validate()
	if err != nil {
		return nil, err
	}
	if _, err := s.Rules.Delete(ctx, id); err != nil {
		return nil, err
	}
	return empty{}, nil
}

func (s *Service) rulesBackfill(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[backfillParams](params)
	if err != nil {
		return nil, err
	}
	id, err := idParams{ID: p.ID}.validate()
	if err != nil {
		return nil, err
	}
	r, err := s.Rules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.Engine.Backfill(ctx, *r, p.Limit)
	if err != nil {
		return nil, err
	}
	return BackfillResult{Scanned: res.Scanned, Matched: res.Matched, Queued: res.Queued}, nil
}
