package db

import (
	"context"
	"database/sql"

	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/forward"
	"github.com/hpungsan/courier/internal/platform"
)

const ruleColumns = `id, source_id, source_hash, source_kind, source_name,
	target_id, target_hash, target_kind, target_name,
	match_pattern, enabled, created_at, updated_at`

// InsertRule stores a new rule and sets r.ID to the assigned id.
func InsertRule(ctx context.Context, db *sql.DB, r *forward.Rule) error {
	query := `
		INSERT INTO rules (
			source_id, source_hash, source_kind, source_name,
			target_id, target_hash, target_kind, target_name,
			match_pattern, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.ExecContext(ctx, query,
		r.Source.ID, r.Source.AccessHash, string(r.Source.Kind), r.Source.Name,
		r.Target.ID, r.Target.AccessHash, string(r.Target.Kind), r.Target.Name,
		r.MatchPattern, boolToInt(r.Enabled), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.NewInternal(err)
	}
	r.ID = id
	return nil
}

// GetRule retrieves a rule by id.
func GetRule(ctx context.Context, db *sql.DB, id int64) (*forward.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`

	r, err := scanRule(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewRuleNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return r, nil
}

// UpdateRule overwrites every mutable column of an existing rule.
func UpdateRule(ctx context.Context, db *sql.DB, r *forward.Rule) error {
	query := `
		UPDATE rules
		SET source_id = ?, source_hash = ?, source_kind = ?, source_name = ?,
			target_id = ?, target_hash = ?, target_kind = ?, target_name = ?,
			match_pattern = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := db.ExecContext(ctx, query,
		r.Source.ID, r.Source.AccessHash, string(r.Source.Kind), r.Source.Name,
		r.Target.ID, r.Target.AccessHash, string(r.Target.Kind), r.Target.Name,
		r.MatchPattern, boolToInt(r.Enabled), r.UpdatedAt,
		r.ID,
	)
	if err != nil {
		return errors.NewInternal(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewRuleNotFound(r.ID)
	}
	return nil
}

// DeleteRule removes a rule. Returns false if it did not exist.
func DeleteRule(ctx context.Context, db *sql.DB, id int64) (bool, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return rowsAffected > 0, nil
}

// ListRules returns all rules in creation order.
func ListRules(ctx context.Context, db *sql.DB) ([]forward.Rule, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id ASC`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	rules := make([]forward.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		rules = append(rules, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return rules, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*forward.Rule, error) {
	var (
		r                      forward.Rule
		sourceKind, targetKind string
		enabled                int
	)
	err := row.Scan(
		&r.ID, &r.Source.ID, &r.Source.AccessHash, &sourceKind, &r.Source.Name,
		&r.Target.ID, &r.Target.AccessHash, &targetKind, &r.Target.Name,
		&r.MatchPattern, &enabled, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Source.Kind = platform.Kind(sourceKind)
	r.Target.Kind = platform.Kind(targetKind)
	r.Enabled = enabled != 0
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
