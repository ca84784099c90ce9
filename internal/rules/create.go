package rules

import (
	"context"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/forward"
)

// CreateInput contains parameters for the Create operation.
type CreateInput struct {
	Source       forward.PeerSnapshot
	Target       forward.PeerSnapshot
	MatchPattern string
	Enabled      *bool // nil = true
}

// Create validates and stores a new rule. The rule is durable and visible to
// ListEnabledBySource when Create returns.
func (s *Store) Create(ctx context.Context, input CreateInput) (*forward.Rule, error) {
	now := s.now().Unix()
	r := forward.Rule{
		Source:       input.Source,
		Target:       input.Target,
		MatchPattern: input.MatchPattern,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if input.Enabled != nil {
		r.Enabled = *input.Enabled
	}

	re, err := forward.Validate(r)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := db.InsertRule(ctx, s.db, &r); err != nil {
		return nil, err
	}
	s.commitLocked(r, re)

	s.log.Info("rule created", "rule_id", r.ID, "source_id", r.Source.ID, "target_id", r.Target.ID, "enabled", r.Enabled)
	return &r, nil
}
