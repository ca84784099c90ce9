package dispatch

import (
	"context"
	"crypto/rand"
	"database/sql"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/courier/internal/db"
)

// Journal records relay outcomes.
type Journal interface {
	Record(ctx context.Context, rec *db.RelayRecord) error
}

// SQLJournal writes outcomes to the relay_log table.
type SQLJournal struct {
	DB *sql.DB
}

func (j SQLJournal) Record(ctx context.Context, rec *db.RelayRecord) error {
	return db.InsertRelayRecord(ctx, j.DB, rec)
}

// idSource hands out ULIDs that sort in creation order, also within one
// millisecond.
type idSource struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}
