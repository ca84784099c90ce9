package rules

import (
	"context"
	"regexp"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/forward"
)

// Update merges patch into rule id and stores the result.
func (s *Store) Update(ctx context.Context, id int64, patch forward.Patch) (*forward.Rule, error) {
	if patch.IsEmpty() {
		return nil, errors.NewInvalidRequest("at least one editable field must be provided")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rules[id]
	if !ok {
		return nil, errors.NewRuleNotFound(id)
	}

	merged := patch.Apply(current)
	merged.UpdatedAt = s.now().Unix()

	if err := forward.ValidatePeers(merged); err != nil {
		return nil, err
	}
	var re *regexp.Regexp
	if cp, ok := s.patterns[id]; ok && cp.source == merged.MatchPattern {
		re = cp.re
	} else {
		compiled, err := forward.CompilePattern(merged.MatchPattern)
		if err != nil {
			return nil, err
		}
		re = compiled
	}

	if err := db.UpdateRule(ctx, s.db, &merged); err != nil {
		return nil, err
	}
	s.commitLocked(merged, re)

	s.log.Info("rule updated", "rule_id", id, "enabled", merged.Enabled)
	return &merged, nil
}

// SetEnabled toggles a rule without touching any other field.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) (*forward.Rule, error) {
	return s.Update(ctx, id, forward.Patch{Enabled: &enabled})
}
