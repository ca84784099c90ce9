package telegram

import (
	"context"
	"database/sql"

	"github.com/gotd/td/session"

	"github.com/hpungsan/courier/internal/db"
)

// SessionStorage keeps the MTProto session blob in the session table.
type SessionStorage struct {
	DB *sql.DB
}

var _ session.Storage = SessionStorage{}

func (s SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	blob, err := db.LoadAuthBlob(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, session.ErrNotFound
	}
	return blob, nil
}

func (s SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return db.StoreAuthBlob(ctx, s.DB, data)
}
