// Package directory caches the account's conversations so later calls can
// address them. Reads use an immutable snapshot that sync replaces wholesale.
package directory

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/platform"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Gate reports whether platform calls are allowed.
type Gate interface {
	RequireAuthorized() error
}

// Backlog reports relay queue pressure. Directory work is deferred while it
// is saturated.
type Backlog interface {
	Saturated() bool
}

type snapshot struct {
	order    []platform.Peer
	byID     map[int64]platform.Peer
	syncedAt time.Time
}

// Directory is the peer directory.
type Directory struct {
	conv    platform.Conversations
	db      *sql.DB
	gate    Gate
	backlog Backlog
	limit   int
	log     *slog.Logger
	now     func() time.Time

	syncMu sync.Mutex
	snap   atomic.Pointer[snapshot]
}

// Options configure a Directory.
type Options struct {
	// Limit caps how many conversations one sync fetches.
	Limit   int
	Backlog Backlog
	Logger  *slog.Logger
}

// New returns an empty directory.
func New(conv platform.Conversations, database *sql.DB, gate Gate, opts Options) *Directory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	d := &Directory{
		conv:    conv,
		db:      database,
		gate:    gate,
		backlog: opts.Backlog,
		limit:   opts.Limit,
		log:     opts.Logger.With("component", "directory"),
		now:     time.Now,
	}
	d.snap.Store(newSnapshot(nil, time.Time{}))
	return d
}

// SetBacklog wires the relay queue after construction.
func (d *Directory) SetBacklog(b Backlog) {
	d.backlog = b
}

func newSnapshot(peers []platform.Peer, syncedAt time.Time) *snapshot {
	s := &snapshot{
		order:    peers,
		byID:     make(map[int64]platform.Peer, len(peers)),
		syncedAt: syncedAt,
	}
	for _, p := range peers {
		if _, dup := s.byID[p.ID]; !dup {
			s.byID[p.ID] = p
		}
	}
	return s
}

// Load restores the last persisted snapshot.
func (d *Directory) Load(ctx context.Context) error {
	peers, syncedAt, err := db.LoadPeers(ctx, d.db)
	if err != nil {
		return err
	}
	d.snap.Store(newSnapshot(peers, time.Unix(syncedAt, 0)))
	return nil
}

func (d *Directory) deferred() bool {
	return d.backlog != nil && d.backlog.Saturated()
}

// Sync fetches the conversation list and replaces the snapshot with it.
// Concurrent calls are serialized.
func (d *Directory) Sync(ctx context.Context) (int, error) {
	if err := d.gate.RequireAuthorized(); err != nil {
		return 0, err
	}
	if d.deferred() {
		return 0, errors.NewBusy("directory sync")
	}

	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	peers, err := d.conv.ListConversations(ctx, d.limit)
	if err != nil {
		return 0, transportError(err)
	}

	now := d.now()
	if err := db.ReplacePeers(ctx, d.db, peers, now.Unix()); err != nil {
		return 0, err
	}
	d.snap.Store(newSnapshot(peers, now))
	d.log.Debug("directory synced", "peers", len(peers))
	return len(peers), nil
}

// Resolve looks id up in the last synced snapshot.
func (d *Directory) Resolve(id int64) (platform.Peer, error) {
	p, ok := d.snap.Load().byID[id]
	if !ok {
		return platform.Peer{}, errors.NewPeerNotFound(id)
	}
	return p, nil
}

// List returns the snapshot in platform order, filtered to kinds when given.
func (d *Directory) List(kinds ...platform.Kind) []platform.Peer {
	s := d.snap.Load()
	if len(kinds) == 0 {
		return append([]platform.Peer(nil), s.order...)
	}
	out := make([]platform.Peer, 0, len(s.order))
	for _, p := range s.order {
		for _, k := range kinds {
			if p.Kind == k {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// SyncedAt returns when the snapshot was taken; zero if never.
func (d *Directory) SyncedAt() time.Time {
	return d.snap.Load().syncedAt
}

// History returns up to limit messages of a conversation, newest first. A
// fully addressed ref is used as given; a bare id is resolved through the
// snapshot.
func (d *Directory) History(ctx context.Context, ref platform.PeerRef, limit int) ([]platform.HistoryMessage, error) {
	if err := d.gate.RequireAuthorized(); err != nil {
		return nil, err
	}
	if d.deferred() {
		return nil, errors.NewBusy("history fetch")
	}
	if ref.ID == 0 {
		return nil, errors.NewInvalidRequest("peer_id is required")
	}

	if !ref.Addressable() {
		p, err := d.Resolve(ref.ID)
		if err != nil {
			return nil, err
		}
		ref = p.PeerRef
	}

	msgs, err := d.conv.FetchHistory(ctx, ref, ClampHistoryLimit(limit))
	if err != nil {
		return nil, transportError(err)
	}
	return msgs, nil
}

// ClampHistoryLimit applies the default and bounds to a history limit.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

// RunSync keeps the directory fresh while the session is authorized. It
// returns when ctx ends.
func (d *Directory) RunSync(ctx context.Context, interval time.Duration, waitAuthorized func(context.Context) error) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := waitAuthorized(ctx); err != nil {
			return nil
		}
		if _, err := d.Sync(ctx); err != nil {
			switch {
			case errors.Is(err, errors.ErrBusy):
				d.log.Info("directory sync deferred", "reason", "relay queue saturated")
			case errors.Is(err, errors.ErrNotAuthorized):
			default:
				d.log.Warn("directory sync failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func transportError(err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	if platform.IsTemporary(err) {
		return errors.NewTransportUnavailable(err)
	}
	return errors.NewTransportRejected(err)
}
