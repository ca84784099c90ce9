package db

import (
	"context"
	"database/sql"

	"github.com/hpungsan/courier/internal/errors"
)

// Relay outcomes.
const (
	RelayStatusRelayed   = "relayed"
	RelayStatusFailed    = "failed"
	RelayStatusAbandoned = "abandoned"
)

// RelayRecord is one journaled relay outcome. ID is a ULID, so ordering by id
// is ordering by time.
type RelayRecord struct {
	ID        string
	RuleID    int64
	SourceID  int64
	MessageID int
	TargetID  int64
	Status    string
	Attempts  int
	Permanent bool
	Error     string
	CreatedAt int64
}

// InsertRelayRecord appends an outcome to the relay journal.
func InsertRelayRecord(ctx context.Context, db *sql.DB, rec *RelayRecord) error {
	query := `
		INSERT INTO relay_log (id, rule_id, source_id, message_id, target_id, status, attempts, permanent, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}
	_, err := db.ExecContext(ctx, query,
		rec.ID, rec.RuleID, rec.SourceID, rec.MessageID, rec.TargetID,
		rec.Status, rec.Attempts, boolToInt(rec.Permanent), errText, rec.CreatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListRelayRecords returns the most recent records first. With failedOnly only
// failed and abandoned outcomes are returned.
func ListRelayRecords(ctx context.Context, db *sql.DB, limit int, failedOnly bool) ([]RelayRecord, error) {
	query := `
		SELECT id, rule_id, source_id, message_id, target_id, status, attempts, permanent, error, created_at
		FROM relay_log
	`
	args := []any{}
	if failedOnly {
		query += ` WHERE status <> ?`
		args = append(args, RelayStatusRelayed)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	records := make([]RelayRecord, 0)
	for rows.Next() {
		var (
			rec       RelayRecord
			permanent int
			errText   sql.NullString
		)
		if err := rows.Scan(
			&rec.ID, &rec.RuleID, &rec.SourceID, &rec.MessageID, &rec.TargetID,
			&rec.Status, &rec.Attempts, &permanent, &errText, &rec.CreatedAt,
		); err != nil {
			return nil, errors.NewInternal(err)
		}
		rec.Permanent = permanent != 0
		rec.Error = errText.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return records, nil
}
