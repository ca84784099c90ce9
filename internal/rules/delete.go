package rules

import (
	"context"

	"github.com/hpungsan/courier/internal/db"
)

// DeleteOutput contains the result of the Delete operation.
type DeleteOutput struct {
	Deleted bool  `json:"deleted"`
	ID      int64 `json:"id"`
}

// Delete removes a rule. Deleting an absent rule succeeds with Deleted=false.
func (s *Store) Delete(ctx context.Context, id int64) (*DeleteOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted, err := db.DeleteRule(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	s.removeLocked(id)

	if deleted {
		s.log.Info("rule deleted", "rule_id", id)
	}
	return &DeleteOutput{Deleted: deleted, ID: id}, nil
}
