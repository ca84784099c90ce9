package dispatch

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/forward"
	"github.com/hpungsan/courier/internal/platform"
	"github.com/hpungsan/courier/internal/platform/platformtest"
	"github.com/hpungsan/courier/internal/rules"
	"github.com/hpungsan/courier/internal/session"
)

type openGate struct{}

func (openGate) WaitAuthorized(ctx context.Context) error { return ctx.Err() }
func (openGate) Deauthorized() <-chan struct{} { return nil }

type memJournal struct {
	mu   sync.Mutex
	recs []db.RelayRecord
}

func (j *memJournal) Record(_ context.Context, rec *db.RelayRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, *rec)
	return nil
}

func (j *memJournal) records() []db.RelayRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]db.RelayRecord(nil), j.recs...)
}

func (j *memJournal) byStatus(status string) []db.RelayRecord {
	var out []db.RelayRecord
	for _, r := range j.records() {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	db      *sql.DB
	engine  *Engine
	tr      *platformtest.Transport
	store   *rules.Store
	journal *memJournal
	cancel  context.CancelFunc
	done    chan error
}

func testConfig() Config {
	return Config{
		Workers:         2,
		QueueCapacity:   64,
		MaxAttempts:     3,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		RelayTimeout:    time.Second,
		ResubscribeBase: time.Millisecond,
		ResubscribeMax:  10 * time.Millisecond,
		ShutdownGrace:   time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := rules.New(database, nil)
	require.NoError(t, store.Load(context.Background()))

	tr := platformtest.New()
	journal := &memJournal{}
	e := New(cfg, store, tr, openGate{}, Options{Journal: journal})
	return &harness{t: t, db: database, engine: e, tr: tr, store: store, journal: journal}
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.engine.Run(ctx) }()
	require.Eventually(h.t, func() bool { return h.tr.Subscriptions() > 0 }, time.Second, time.Millisecond)
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		assert.NoError(h.t, err)
	case <-time.After(5 * time.Second):
		h.t.Error("engine did not stop")
	}
}

func (h *harness) rule(src, dst int64, pattern string) forward.Rule {
	h.t.Helper()
	r, err := h.store.Create(context.Background(), rules.CreateInput{
		Source:       forward.PeerSnapshot{ID: src, AccessHash: src * 10, Kind: platform.KindChannel, Name: "src"},
		Target:       forward.PeerSnapshot{ID: dst, AccessHash: dst * 10, Kind: platform.KindChannel, Name: "dst"},
		MatchPattern: pattern,
	})
	require.NoError(h.t, err)
	return *r
}

func message(id int, src int64, text string) platform.IncomingMessage {
	return platform.IncomingMessage{
		ID:        id,
		Source:    platform.PeerRef{ID: src, AccessHash: src * 10, Kind: platform.KindChannel},
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestEngine_RelaysMatchingMessage(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, ".*urgent.*")
	h.start()

	h.tr.Push(message(1, 1, "all quiet"), message(2, 1, "this is urgent news"))

	calls := h.tr.WaitRelays(1, time.Second)
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].Message.ID)
	assert.Equal(t, int64(2), calls[0].Target.ID)
	assert.Equal(t, int64(20), calls[0].Target.AccessHash)

	require.Eventually(t, func() bool { return len(h.journal.records()) == 1 }, time.Second, time.Millisecond)
	rec := h.journal.records()[0]
	assert.Equal(t, db.RelayStatusRelayed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	st := h.engine.Stats()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Matched)
	assert.True(t, st.Subscribed)

	// Let the queue settle before asserting nothing else was sent
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.tr.Relays(), 1)
}

func TestEngine_EmptyPatternMatchesEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "")
	h.start()

	h.tr.Push(message(1, 1, "anything"), message(2, 1, ""))
	assert.Len(t, h.tr.WaitRelays(2, time.Second), 2)
}

func TestEngine_UnknownSourceDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "")
	h.start()

	h.tr.Push(message(1, 9, "hello"))
	require.Eventually(t, func() bool { return h.engine.Stats().Dropped == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, h.tr.Relays())
}

func TestEngine_IndependentRelaysPerRule(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "deploy")
	h.rule(1, 3, "deploy")
	h.tr.RelayFunc = func(_ context.Context, _ platform.IncomingMessage, target platform.PeerRef) error {
		if target.ID == 2 {
			return platform.Permanent("relay", "CHAT_WRITE_FORBIDDEN", stderrors.New("forbidden"))
		}
		return nil
	}
	h.start()

	h.tr.Push(message(7, 1, "deploy finished"))

	calls := h.tr.WaitRelays(2, time.Second)
	require.Len(t, calls, 2)

	require.Eventually(t, func() bool { return len(h.journal.records()) == 2 }, time.Second, time.Millisecond)
	relayed := h.journal.byStatus(db.RelayStatusRelayed)
	failed := h.journal.byStatus(db.RelayStatusFailed)
	require.Len(t, relayed, 1)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(3), relayed[0].TargetID)
	assert.Equal(t, int64(2), failed[0].TargetID)
	assert.True(t, failed[0].Permanent)
	assert.Equal(t, 1, failed[0].Attempts, "permanent failures are not retried")
	assert.Contains(t, failed[0].Error, "CHAT_WRITE_FORBIDDEN")
}

func TestEngine_RetriesTemporaryFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "")
	var calls atomic.Int32
	h.tr.RelayFunc = func(context.Context, platform.IncomingMessage, platform.PeerRef) error {
		if calls.Add(1) < 3 {
			return stderrors.New("connection reset")
		}
		return nil
	}
	h.start()

	h.tr.Push(message(1, 1, "x"))

	require.Eventually(t, func() bool { return len(h.journal.records()) == 1 }, time.Second, time.Millisecond)
	rec := h.journal.records()[0]
	assert.Equal(t, db.RelayStatusRelayed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
}

func TestEngine_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "")
	h.tr.RelayFunc = func(context.Context, platform.IncomingMessage, platform.PeerRef) error {
		return platform.Temporary("relay", "", 0, stderrors.New("timeout"))
	}
	h.start()

	h.tr.Push(message(1, 1, "x"))

	require.Eventually(t, func() bool { return len(h.journal.records()) == 1 }, time.Second, time.Millisecond)
	rec := h.journal.records()[0]
	assert.Equal(t, db.RelayStatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.False(t, rec.Permanent)
	assert.Len(t, h.tr.Relays(), 3)
	assert.Equal(t, uint64(1), h.engine.Stats().Failed)
}

func TestEngine_HonoursFloodWait(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "")
	var calls atomic.Int32
	h.tr.RelayFunc = func(context.Context, platform.IncomingMessage, platform.PeerRef) error {
		if calls.Add(1) == 1 {
			return platform.Temporary("relay", "FLOOD_WAIT", 80*time.Millisecond, stderrors.New("flood"))
		}
		return nil
	}
	h.start()

	h.tr.Push(message(1, 1, "x"))
	calls1 := h.tr.WaitRelays(1, time.Second)
	require.Len(t, calls1, 1)
	first := time.Now()

	require.Len(t, h.tr.WaitRelays(2, time.Second), 2)
	assert.GreaterOrEqual(t, time.Since(first), 60*time.Millisecond)
}

func TestEngine_DedupWindowSuppressesRedelivery(t *testing.T) {
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	h := newHarness(t, cfg)
	h.rule(1, 2, "")
	h.start()

	h.tr.Push(message(5, 1, "x"), message(5, 1, "x"), message(5, 1, "x"))

	require.Eventually(t, func() bool { return h.engine.Stats().Duplicates == 2 }, time.Second, time.Millisecond)
	require.Len(t, h.tr.WaitRelays(1, time.Second), 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.tr.Relays(), 1)
}

func TestEngine_RedeliveryWithoutDedupIsBounded(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "")
	h.start()

	h.tr.Push(message(5, 1, "x"), message(5, 1, "x"))
	require.Len(t, h.tr.WaitRelays(2, time.Second), 2)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.tr.Relays(), 2, "one relay per delivery")
}

func TestEngine_SkipsOutboundForwards(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "")
	h.rule(2, 1, "")
	h.start()

	loop := message(9, 2, "x")
	loop.Direction = platform.Outbound
	loop.Forwarded = true
	h.tr.Push(loop)

	require.Eventually(t, func() bool { return h.engine.Stats().Skipped == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, h.tr.Relays())
}

func TestEngine_DisableTakesEffectOnNextMessage(t *testing.T) {
	h := newHarness(t, testConfig())
	r := h.rule(1, 2, "")
	h.start()

	h.tr.Push(message(1, 1, "a"))
	require.Len(t, h.tr.WaitRelays(1, time.Second), 1)

	_, err := h.store.SetEnabled(context.Background(), r.ID, false)
	require.NoError(t, err)
	h.tr.Push(message(2, 1, "b"))
	require.Eventually(t, func() bool { return h.engine.Stats().Dropped == 1 }, time.Second, time.Millisecond)

	_, err = h.store.SetEnabled(context.Background(), r.ID, true)
	require.NoError(t, err)
	h.tr.Push(message(3, 1, "c"))
	calls := h.tr.WaitRelays(2, time.Second)
	require.Len(t, calls, 2)
	assert.Equal(t, 3, calls[1].Message.ID)
}

func TestEngine_ResubscribesAfterDisconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "")
	h.start()

	h.tr.Disconnect(stderrors.New("connection lost"))
	require.Eventually(t, func() bool { return h.tr.Subscriptions() >= 2 }, time.Second, time.Millisecond)
	assert.Contains(t, h.engine.Stats().LastError, "connection lost")

	h.tr.Push(message(1, 1, "after reconnect"))
	assert.Len(t, h.tr.WaitRelays(1, time.Second), 1)
}

func TestEngine_ResubscribeBacksOffOnSubscribeFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	var failures atomic.Int32
	h.tr.SubscribeFunc = func(context.Context) error {
		if failures.Add(1) <= 3 {
			return stderrors.New("not connected")
		}
		return nil
	}
	h.start()
	assert.GreaterOrEqual(t, failures.Load(), int32(4))
}

func TestEngine_PerPairOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 4
	h := newHarness(t, cfg)
	h.rule(1, 2, "")
	h.rule(3, 4, "")
	h.tr.RelayFunc = func(_ context.Context, msg platform.IncomingMessage, _ platform.PeerRef) error {
		time.Sleep(time.Duration(msg.ID%3) * time.Millisecond)
		return nil
	}
	h.start()

	for i := 1; i <= 20; i++ {
		h.tr.Push(message(i, 1, "a"), message(100+i, 3, "b"))
	}
	calls := h.tr.WaitRelays(40, 5*time.Second)
	require.Len(t, calls, 40)

	last := map[int64]int{}
	for _, c := range calls {
		assert.Greater(t, c.Message.ID, last[c.Target.ID], "target %d out of order", c.Target.ID)
		last[c.Target.ID] = c.Message.ID
	}
}

func TestEngine_BackpressureBlocksInsteadOfDropping(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 2
	h := newHarness(t, cfg)
	h.rule(1, 2, "")
	release := make(chan struct{})
	h.tr.RelayFunc = func(ctx context.Context, _ platform.IncomingMessage, _ platform.PeerRef) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	h.start()

	for i := 1; i <= 6; i++ {
		h.tr.Push(message(i, 1, "x"))
	}
	require.Eventually(t, h.engine.Saturated, time.Second, time.Millisecond)

	close(release)
	calls := h.tr.WaitRelays(6, 2*time.Second)
	require.Len(t, calls, 6)
	require.Eventually(t, func() bool { return h.engine.Stats().Relayed == 6 }, time.Second, time.Millisecond)
	assert.False(t, h.engine.Saturated())
	assert.Zero(t, h.engine.Stats().Dropped)
}

func TestEngine_ShutdownAbandonsAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.ShutdownGrace = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.rule(1, 2, "")
	started := make(chan struct{}, 4)
	h.tr.RelayFunc = func(ctx context.Context, _ platform.IncomingMessage, _ platform.PeerRef) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h.start()

	h.tr.Push(message(1, 1, "x"), message(2, 1, "y"))
	<-started
	require.Eventually(t, func() bool { return h.engine.Stats().Matched == 2 }, time.Second, time.Millisecond)

	start := time.Now()
	h.stop()
	assert.Less(t, time.Since(start), time.Second)

	abandoned := h.journal.byStatus(db.RelayStatusAbandoned)
	assert.NotEmpty(t, abandoned)
	assert.Empty(t, h.journal.byStatus(db.RelayStatusRelayed))
}

func TestEngine_ShutdownDrainsWithinGrace(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rule(1, 2, "")
	h.tr.RelayFunc = func(context.Context, platform.IncomingMessage, platform.PeerRef) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}
	h.start()

	for i := 1; i <= 5; i++ {
		h.tr.Push(message(i, 1, "x"))
	}
	require.Eventually(t, func() bool { return h.engine.Stats().Matched == 5 }, time.Second, time.Millisecond)
	h.stop()

	assert.Len(t, h.journal.byStatus(db.RelayStatusRelayed), 5)
	assert.Equal(t, 0, h.engine.Stats().Pending)
}

func TestEngine_RunTwice(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	err := h.engine.Run(context.Background())
	assert.Error(t, err)
}

type switchGate struct {
	open chan struct{}
}

func (g *switchGate) WaitAuthorized(ctx context.Context) error {
	select {
	case <-g.open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *switchGate) Deauthorized() <-chan struct{} { return nil }

func TestEngine_WaitsForAuthorization(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	store := rules.New(database, nil)
	tr := platformtest.New()
	gate := &switchGate{open: make(chan struct{})}
	e := New(testConfig(), store, tr, gate, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, tr.Subscriptions())

	close(gate.open)
	require.Eventually(t, func() bool { return tr.Subscriptions() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestEngine_StopsRelayingAfterLogout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	sess := session.New(h.tr, h.db, nil)
	_, err := sess.RequestCode(ctx, "+15550100")
	require.NoError(t, err)
	_, err = sess.SubmitCode(ctx, "12345")
	require.NoError(t, err)

	h.engine = New(testConfig(), h.store, h.tr, sess, Options{Journal: h.journal})
	h.rule(1, 2, "match")
	h.start()

	h.tr.Push(message(1, 1, "match one"))
	require.Len(t, h.tr.WaitRelays(1, time.Second), 1)

	require.NoError(t, sess.Logout(ctx))
	h.tr.Push(message(2, 1, "match two"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.tr.Relays(), 1, "no relays after logout")
	assert.Equal(t, 1, h.tr.Subscriptions(), "no resubscribe while signed out")
}

func TestBackfill(t *testing.T) {
	h := newHarness(t, testConfig())
	r := h.rule(1, 2, "match")
	now := time.Now()
	h.tr.SetHistory(1,
		platform.HistoryMessage{ID: 4, Date: now, Text: "match four"},
		platform.HistoryMessage{ID: 3, Date: now.Add(-time.Minute), Text: "nope"},
		platform.HistoryMessage{ID: 2, Date: now.Add(-2 * time.Minute), Text: "match two"},
	)
	h.start()

	res, err := h.engine.Backfill(context.Background(), r, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Queued)

	calls := h.tr.WaitRelays(2, time.Second)
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[0].Message.ID, "oldest first")
	assert.Equal(t, 4, calls[1].Message.ID)
	assert.Equal(t, int64(10), calls[0].Message.Source.AccessHash)
}

func TestBackfill_SkipsOwnForwards(t *testing.T) {
	h := newHarness(t, testConfig())
	r := h.rule(1, 2, "match")
	now := time.Now()
	h.tr.SetHistory(1,
		platform.HistoryMessage{ID: 6, Date: now, Text: "match relayed", Outgoing: true, Forwarded: true},
		platform.HistoryMessage{ID: 5, Date: now.Add(-time.Minute), Text: "match typed", Outgoing: true},
		platform.HistoryMessage{ID: 4, Date: now.Add(-2 * time.Minute), Text: "match received", Forwarded: true},
	)
	h.start()

	res, err := h.engine.Backfill(context.Background(), r, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Queued)

	calls := h.tr.WaitRelays(2, time.Second)
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.NotEqual(t, 6, c.Message.ID, "outbound forward must not be relayed")
	}
}

func TestBackfill_DedupAppliesToLiveRelays(t *testing.T) {
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	h := newHarness(t, cfg)
	r := h.rule(1, 2, "")
	h.tr.SetHistory(1, platform.HistoryMessage{ID: 8, Text: "x"})
	h.start()

	h.tr.Push(message(8, 1, "x"))
	require.Len(t, h.tr.WaitRelays(1, time.Second), 1)

	res, err := h.engine.Backfill(context.Background(), r, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 0, res.Queued)
}

func TestBackfill_Rejections(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 1
	h := newHarness(t, cfg)
	r := h.rule(1, 2, "")

	disabled := r
	disabled.Enabled = false
	_, err := h.engine.Backfill(context.Background(), disabled, 10)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "err = %v", err)

	// Workers are not running yet, so one queued relay saturates the queue
	h.tr.SetHistory(1, platform.HistoryMessage{ID: 1, Text: "x"})
	_, err = h.engine.Backfill(context.Background(), r, 10)
	require.NoError(t, err)
	require.True(t, h.engine.Saturated())

	_, err = h.engine.Backfill(context.Background(), r, 10)
	assert.True(t, errors.Is(err, errors.ErrBusy), "err = %v", err)
}

func TestShardFor_Stable(t *testing.T) {
	h := newHarness(t, Config{Workers: 8})
	a := h.engine.shardFor(1, 2)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a, h.engine.shardFor(1, 2))
	}
	for i := int64(0); i < 100; i++ {
		s := h.engine.shardFor(i, i+1)
		assert.True(t, s >= 0 && s < 8)
	}
}

func TestSQLJournal(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	store := rules.New(database, nil)
	tr := platformtest.New()
	e := New(testConfig(), store, tr, openGate{}, Options{Journal: SQLJournal{DB: database}})

	e.record(job{ruleID: 1, msg: message(3, 1, "x"), target: platform.PeerRef{ID: 2}}, outcome{status: db.RelayStatusRelayed, attempts: 1})
	e.record(job{ruleID: 1, msg: message(4, 1, "y"), target: platform.PeerRef{ID: 2}}, outcome{
		status: db.RelayStatusFailed, attempts: 3, err: platform.Temporary("relay", "FLOOD_WAIT", time.Second, stderrors.New("flood")),
	})

	recs, err := db.ListRelayRecords(context.Background(), database, 10, false)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 4, recs[0].MessageID, "newest first")
	assert.Contains(t, recs[0].Error, "FLOOD_WAIT")

	failed, err := db.ListRelayRecords(context.Background(), database, 10, true)
	require.NoError(t, err)
	require.Len(t, failed, 1)
}
