package rules

import (
	"context"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/forward"
)

// List returns all rules in creation order.
func (s *Store) List(ctx context.Context) ([]forward.Rule, error) {
	return db.ListRules(ctx, s.db)
}

// Get returns one rule.
func (s *Store) Get(ctx context.Context, id int64) (*forward.Rule, error) {
	return db.GetRule(ctx, s.db, id)
}
