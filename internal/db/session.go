package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/courier/internal/errors"
)

// SessionRecord is the persisted identity of the logged-in account.
type SessionRecord struct {
	Phone        string
	UserID       int64
	FirstName    string
	LastName     string
	Username     string
	AuthorizedAt int64
	UpdatedAt    int64
}

// LoadSession returns the stored session record, or nil if none was saved.
func LoadSession(ctx context.Context, db *sql.DB) (*SessionRecord, error) {
	query := `
		SELECT phone, user_id, first_name, last_name, username, authorized_at, updated_at
		FROM session
		WHERE id = 1 AND user_id IS NOT NULL
	`
	var (
		rec                          SessionRecord
		phone, first, last, username sql.NullString
		userID, authorizedAt         sql.NullInt64
	)
	err := db.QueryRowContext(ctx, query).Scan(&phone, &userID, &first, &last, &username, &authorizedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	rec.Phone = phone.String
	rec.UserID = userID.Int64
	rec.FirstName = first.String
	rec.LastName = last.String
	rec.Username = username.String
	rec.AuthorizedAt = authorizedAt.Int64
	return &rec, nil
}

// SaveSession writes the identity columns, leaving auth_blob untouched.
func SaveSession(ctx context.Context, db *sql.DB, rec *SessionRecord) error {
	query := `
		INSERT INTO session (id, phone, user_id, first_name, last_name, username, authorized_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phone = excluded.phone,
			user_id = excluded.user_id,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			username = excluded.username,
			authorized_at = excluded.authorized_at,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		rec.Phone, rec.UserID, rec.FirstName, rec.LastName, rec.Username, rec.AuthorizedAt, rec.UpdatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ClearIdentity drops the stored identity but keeps the platform auth blob,
// which the transport still needs to talk to the platform.
func ClearIdentity(ctx context.Context, db *sql.DB) error {
	query := `
		UPDATE session
		SET phone = NULL, user_id = NULL, first_name = NULL, last_name = NULL,
			username = NULL, authorized_at = NULL, updated_at = ?
		WHERE id = 1
	`
	if _, err := db.ExecContext(ctx, query, time.Now().Unix()); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ClearSession removes the session row including the auth blob.
func ClearSession(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM session WHERE id = 1`); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// LoadAuthBlob returns the platform's opaque session bytes, or nil if none.
func LoadAuthBlob(ctx context.Context, db *sql.DB) ([]byte, error) {
	var blob []byte
	err := db.QueryRowContext(ctx, `SELECT auth_blob FROM session WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return blob, nil
}

// StoreAuthBlob replaces the platform's opaque session bytes.
func StoreAuthBlob(ctx context.Context, db *sql.DB, blob []byte) error {
	query := `
		INSERT INTO session (id, auth_blob, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET auth_blob = excluded.auth_blob, updated_at = excluded.updated_at
	`
	if _, err := db.ExecContext(ctx, query, blob, time.Now().Unix()); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
