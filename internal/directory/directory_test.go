package directory

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/platform"
	"github.com/hpungsan/courier/internal/platform/platformtest"
)

type fakeGate struct{ authorized atomic.Bool }

func (g *fakeGate) RequireAuthorized() error {
	if !g.authorized.Load() {
		return errors.NewNotAuthorized()
	}
	return nil
}

type fakeBacklog struct{ saturated atomic.Bool }

func (b *fakeBacklog) Saturated() bool { return b.saturated.Load() }

func peer(id, hash int64, kind platform.Kind, name string) platform.Peer {
	return platform.Peer{PeerRef: platform.PeerRef{ID: id, AccessHash: hash, Kind: kind}, Name: name}
}

func setup(t *testing.T) (*Directory, *platformtest.Transport, *fakeGate, *fakeBacklog, *sql.DB) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	tr := platformtest.New()
	gate := &fakeGate{}
	gate.authorized.Store(true)
	backlog := &fakeBacklog{}
	d := New(tr, database, gate, Options{Limit: 50, Backlog: backlog})
	return d, tr, gate, backlog, database
}

func TestSyncAndResolve(t *testing.T) {
	d, tr, _, _, _ := setup(t)
	ctx := context.Background()

	tr.SetPeers(
		peer(1, 11, platform.KindDirect, "Alice"),
		peer(2, 0, platform.KindGroup, "Team"),
		peer(3, 33, platform.KindChannel, "News"),
	)

	n, err := d.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	p, err := d.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, "News", p.Name)
	assert.Equal(t, int64(33), p.AccessHash)

	_, err = d.Resolve(99)
	assert.True(t, errors.Is(err, errors.ErrPeerNotFound), "err = %v", err)
	assert.False(t, d.SyncedAt().IsZero())
}

func TestSync_ReplacesWholesale(t *testing.T) {
	d, tr, _, _, _ := setup(t)
	ctx := context.Background()

	tr.SetPeers(peer(1, 11, platform.KindDirect, "Alice"), peer(3, 33, platform.KindChannel, "News"))
	_, err := d.Sync(ctx)
	require.NoError(t, err)

	tr.SetPeers(peer(3, 34, platform.KindChannel, "News (renamed)"))
	_, err = d.Sync(ctx)
	require.NoError(t, err)

	_, err = d.Resolve(1)
	assert.True(t, errors.Is(err, errors.ErrPeerNotFound), "entries absent from the new set must disappear")
	p, err := d.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, "News (renamed)", p.Name)
	assert.Equal(t, int64(34), p.AccessHash)
}

func TestList_FilterAndOrder(t *testing.T) {
	d, tr, _, _, _ := setup(t)

	tr.SetPeers(
		peer(5, 1, platform.KindChannel, "C1"),
		peer(1, 1, platform.KindDirect, "U"),
		peer(7, 1, platform.KindChannel, "C2"),
	)
	_, err := d.Sync(context.Background())
	require.NoError(t, err)

	all := d.List()
	require.Len(t, all, 3)
	assert.Equal(t, "C1", all[0].Name)

	channels := d.List(platform.KindChannel)
	require.Len(t, channels, 2)
	assert.Equal(t, "C1", channels[0].Name)
	assert.Equal(t, "C2", channels[1].Name)
}

func TestSync_RequiresAuthorization(t *testing.T) {
	d, tr, gate, _, _ := setup(t)
	gate.authorized.Store(false)

	_, err := d.Sync(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNotAuthorized), "err = %v", err)
	assert.Equal(t, 0, tr.ListCalls())

	_, err = d.History(context.Background(), platform.PeerRef{ID: 1}, 10)
	assert.True(t, errors.Is(err, errors.ErrNotAuthorized), "err = %v", err)
}

func TestDeferredWhenSaturated(t *testing.T) {
	d, tr, _, backlog, _ := setup(t)
	backlog.saturated.Store(true)

	_, err := d.Sync(context.Background())
	assert.True(t, errors.Is(err, errors.ErrBusy), "err = %v", err)
	assert.Equal(t, 0, tr.ListCalls())

	_, err = d.History(context.Background(), platform.PeerRef{ID: 1, AccessHash: 1, Kind: platform.KindDirect}, 10)
	assert.True(t, errors.Is(err, errors.ErrBusy), "err = %v", err)

	backlog.saturated.Store(false)
	_, err = d.Sync(context.Background())
	assert.NoError(t, err)
}

func TestLoad_PersistedSnapshot(t *testing.T) {
	d, tr, gate, _, database := setup(t)
	ctx := context.Background()

	tr.SetPeers(peer(3, 33, platform.KindChannel, "News"))
	_, err := d.Sync(ctx)
	require.NoError(t, err)

	fresh := New(tr, database, gate, Options{})
	_, err = fresh.Resolve(3)
	require.Error(t, err)

	require.NoError(t, fresh.Load(ctx))
	p, err := fresh.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, int64(33), p.AccessHash)
}

func TestHistory(t *testing.T) {
	d, tr, _, _, _ := setup(t)
	ctx := context.Background()

	now := time.Now()
	msgs := make([]platform.HistoryMessage, 0, 150)
	for i := 150; i > 0; i-- {
		msgs = append(msgs, platform.HistoryMessage{ID: i, Date: now.Add(time.Duration(i) * time.Second), Text: "m"})
	}
	tr.SetHistory(3, msgs...)
	tr.SetPeers(peer(3, 33, platform.KindChannel, "News"))

	// Bare id needs the directory
	_, err := d.History(ctx, platform.PeerRef{ID: 3, Kind: platform.KindChannel}, 5)
	assert.True(t, errors.Is(err, errors.ErrPeerNotFound), "err = %v", err)

	_, err = d.Sync(ctx)
	require.NoError(t, err)

	got, err := d.History(ctx, platform.PeerRef{ID: 3}, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, 150, got[0].ID, "newest first")

	got, err = d.History(ctx, platform.PeerRef{ID: 3, AccessHash: 33, Kind: platform.KindChannel}, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultHistoryLimit)

	got, err = d.History(ctx, platform.PeerRef{ID: 3}, 1000)
	require.NoError(t, err)
	assert.Len(t, got, MaxHistoryLimit)

	_, err = d.History(ctx, platform.PeerRef{}, 5)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "err = %v", err)
}

func TestConcurrentSyncAndResolve(t *testing.T) {
	d, tr, _, _, _ := setup(t)
	ctx := context.Background()
	tr.SetPeers(peer(3, 33, platform.KindChannel, "News"), peer(4, 44, platform.KindChannel, "Other"))
	_, err := d.Sync(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if p, err := d.Resolve(3); err == nil && p.AccessHash != 33 {
					t.Errorf("AccessHash = %d", p.AccessHash)
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		_, err := d.Sync(ctx)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestRunSync(t *testing.T) {
	d, tr, _, _, _ := setup(t)
	tr.SetPeers(peer(3, 33, platform.KindChannel, "News"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.RunSync(ctx, 10*time.Millisecond, func(context.Context) error { return nil })
	}()

	require.Eventually(t, func() bool { return tr.ListCalls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestClampHistoryLimit(t *testing.T) {
	assert.Equal(t, 20, ClampHistoryLimit(0))
	assert.Equal(t, 20, ClampHistoryLimit(-3))
	assert.Equal(t, 7, ClampHistoryLimit(7))
	assert.Equal(t, 100, ClampHistoryLimit(101))
}
