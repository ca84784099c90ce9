package api

import (
	"context"
	"encoding/json"

	"github.com/hpungsan/courier/internal/db"
)

const (
	defaultRelaysLimit = 50
	maxRelaysLimit     = 500
)

type relaysListParams struct {
	Limit      int  `json:"limit"`
	FailedOnly bool `json:"failed_only"`
}

func (s *Service) engineMethods() []*Method {
	return []*Method{
		{
			Name:        "relays.list",
			Description: "List recent relay outcomes, newest first.",
			Params: []Param{
				{Name: "limit", Type: "number", Description: "Number of records (default 50, max 500)"},
				{Name: "failed_only", Type: "boolean", Description: "Only failed and abandoned relays"},
			},
			Call: s.relaysList,
		},
		{
			Name:        "engine.status",
			Description: "Report dispatch engine counters and queue state.",
			Call:        s.engineStatus,
		},
	}
}

func (s *Service) relaysList(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[relaysListParams](params)
	if err != nil {
		return nil, err
	}
	switch {
	case p.Limit <= 0:
		p.Limit = defaultRelaysLimit
	case p.Limit > maxRelaysLimit:
		p.Limit = maxRelaysLimit
	}

	recs, err := db.ListRelayRecords(ctx, s.DB, p.Limit, p.FailedOnly)
	if err != nil {
		return nil, err
	}
	out := make([]RelayRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, toRelayRecord(r))
	}
	return out, nil
}

func (s *Service) engineStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return toEngineStatus(s.Engine.Stats(), s.Engine.Saturated(), s.Rules.EnabledCount(), s.Directory.SyncedAt()), nil
}
