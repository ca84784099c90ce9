package db

import (
	"context"
	"database/sql"

	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/platform"
)

// ReplacePeers swaps the stored directory snapshot for peers in one transaction.
// Order is preserved through the position column.
func ReplacePeers(ctx context.Context, db *sql.DB, peers []platform.Peer, syncedAt int64) error {
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM peers`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO peers (id, access_hash, kind, name, unread_count, last_message, position, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, p := range peers {
			if _, err := stmt.ExecContext(ctx,
				p.ID, p.AccessHash, string(p.Kind), p.Name, p.UnreadCount, p.LastMessage, i, syncedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// LoadPeers returns the stored snapshot in sync order and its sync time
// (0 when the table is empty).
func LoadPeers(ctx context.Context, db *sql.DB) ([]platform.Peer, int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, access_hash, kind, name, unread_count, last_message, synced_at
		FROM peers
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	defer rows.Close()

	var (
		peers    []platform.Peer
		syncedAt int64
	)
	for rows.Next() {
		var (
			p    platform.Peer
			kind string
		)
		if err := rows.Scan(&p.ID, &p.AccessHash, &kind, &p.Name, &p.UnreadCount, &p.LastMessage, &syncedAt); err != nil {
			return nil, 0, errors.NewInternal(err)
		}
		p.Kind = platform.Kind(kind)
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	return peers, syncedAt, nil
}
