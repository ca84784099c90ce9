// Package dispatch is the relay engine. It consumes the platform's message
// stream, evaluates enabled rules for each message's source and relays the
// matches through a bounded, sharded queue.
package dispatch

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/hpungsan/courier/internal/forward"
	"github.com/hpungsan/courier/internal/platform"
	"github.com/hpungsan/courier/internal/rules"
)

// RuleIndex returns the enabled rules for a source conversation.
type RuleIndex interface {
	ListEnabledBySource(peerID int64) []*rules.Compiled
}

// Transport is the part of the platform the engine drives.
type Transport interface {
	platform.Relayer
	FetchHistory(ctx context.Context, peer platform.PeerRef, limit int) ([]platform.HistoryMessage, error)
}

// Gate tracks the session the engine relays under.
type Gate interface {
	// WaitAuthorized blocks until the session is authorized.
	WaitAuthorized(ctx context.Context) error
	// Deauthorized is closed once the current authorized session ends.
	Deauthorized() <-chan struct{}
}

// Config tunes the engine. Zero values take the defaults from DefaultConfig.
type Config struct {
	Workers       int
	QueueCapacity int

	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	RelayTimeout time.Duration

	// RatePerSecond limits relay calls process-wide; 0 disables the limit.
	RatePerSecond float64
	RateBurst     int

	// DedupWindow suppresses repeat relays of one message by one rule; 0 disables it.
	DedupWindow time.Duration

	ResubscribeBase time.Duration
	ResubscribeMax  time.Duration

	ShutdownGrace time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueCapacity:   256,
		MaxAttempts:     5,
		BaseBackoff:     500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		RelayTimeout:    15 * time.Second,
		RatePerSecond:   5,
		RateBurst:       5,
		DedupWindow:     10 * time.Minute,
		ResubscribeBase: time.Second,
		ResubscribeMax:  time.Minute,
		ShutdownGrace:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.QueueCapacity < c.Workers {
		c.QueueCapacity = c.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = d.RelayTimeout
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.ResubscribeBase <= 0 {
		c.ResubscribeBase = d.ResubscribeBase
	}
	if c.ResubscribeMax < c.ResubscribeBase {
		c.ResubscribeMax = c.ResubscribeBase
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Received    uint64
	Skipped     uint64
	Dropped     uint64
	Matched     uint64
	Duplicates  uint64
	Relayed     uint64
	Failed      uint64
	Abandoned   uint64
	Pending     int
	Capacity    int
	Subscribed  bool
	LastError   string
	LastErrorAt time.Time
}

type counters struct {
	received   atomic.Uint64
	skipped    atomic.Uint64
	dropped    atomic.Uint64
	matched    atomic.Uint64
	duplicates atomic.Uint64
	relayed    atomic.Uint64
	failed     atomic.Uint64
	abandoned  atomic.Uint64
}

type streamError struct {
	msg string
	at  time.Time
}

var errEngineClosed = stderrors.New("dispatch: engine is shut down")

// Engine is the dispatch engine. Build it with New and start it with Run.
type Engine struct {
	cfg     Config
	rules   RuleIndex
	tr      Transport
	gate    Gate
	journal Journal
	log     *slog.Logger
	now     func() time.Time
	ids     *idSource
	limiter *rate.Limiter
	dedup   *ledger

	qmu    sync.RWMutex
	shards []chan job
	closed bool

	started    atomic.Bool
	workers    sync.WaitGroup
	pending    atomic.Int64
	subscribed atomic.Bool
	lastErr    atomic.Pointer[streamError]
	stats      counters
}

// Options carries the engine's optional collaborators.
type Options struct {
	Journal Journal
	Logger  *slog.Logger
}

// New returns an engine. The relay queue accepts work before Run is called;
// it is drained once Run starts the workers.
func New(cfg Config, idx RuleIndex, tr Transport, gate Gate, opts Options) *Engine {
	cfg = cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		rules:   idx,
		tr:      tr,
		gate:    gate,
		journal: opts.Journal,
		log:     opts.Logger.With("component", "dispatch"),
		now:     time.Now,
		ids:     newIDSource(),
	}
	if cfg.RatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	if cfg.DedupWindow > 0 {
		e.dedup = newLedger(cfg.DedupWindow, func() time.Time { return e.now() })
	}

	perShard := (cfg.QueueCapacity + cfg.Workers - 1) / cfg.Workers
	e.shards = make([]chan job, cfg.Workers)
	for i := range e.shards {
		e.shards[i] = make(chan job, perShard)
	}
	return e
}

// Run starts the relay workers and consumes the message stream whenever the
// session is authorized. It returns after ctx ends and the queue has drained
// or the shutdown grace period has passed.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return stderrors.New("dispatch: engine already started")
	}

	// Relays outlive ctx by up to the grace period.
	relayCtx, cancelRelays := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRelays()

	for i := range e.shards {
		e.workers.Add(1)
		go e.work(relayCtx, e.shards[i])
	}
	e.log.Info("dispatch engine started", "workers", len(e.shards), "queue_capacity", e.cfg.QueueCapacity)

	e.consume(ctx)
	e.shutdown(cancelRelays)
	return nil
}

func (e *Engine) consume(ctx context.Context) {
	backoff := e.resubscribeBackoff()
	for {
		if err := e.gate.WaitAuthorized(ctx); err != nil {
			return
		}

		received, err := e.consumeStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if received > 0 {
			backoff = e.resubscribeBackoff()
		}
		e.recordStreamError(err)

		delay, _ := backoff.Next()
		if stderrors.Is(err, platform.ErrUnauthorized) {
			e.log.Warn("message stream closed: session not authorized", "retry_in", delay)
		} else {
			e.log.Warn("message stream broken, resubscribing", "error", err, "retry_in", delay)
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (e *Engine) resubscribeBackoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.ResubscribeBase)
	return retry.WithCappedDuration(e.cfg.ResubscribeMax, b)
}

// consumeStream subscribes once and dispatches until the stream breaks or the
// session that authorized it ends.
func (e *Engine) consumeStream(ctx context.Context) (int, error) {
	revoked := e.gate.Deauthorized()
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-revoked:
			cancel()
		case <-streamCtx.Done():
		}
	}()

	stream, err := e.tr.Subscribe(streamCtx)
	if err != nil {
		return 0, revokedOr(revoked, err)
	}
	defer stream.Close()

	e.subscribed.Store(true)
	defer e.subscribed.Store(false)
	e.log.Info("subscribed to message stream")

	received := 0
	for {
		msg, err := stream.Next(streamCtx)
		if err != nil {
			return received, revokedOr(revoked, err)
		}
		// Next may win the race with a logout that already returned.
		select {
		case <-revoked:
			return received, platform.ErrUnauthorized
		default:
		}
		received++
		if err := e.dispatch(ctx, msg); err != nil {
			return received, err
		}
	}
}

func revokedOr(revoked <-chan struct{}, err error) error {
	select {
	case <-revoked:
		return platform.ErrUnauthorized
	default:
		return err
	}
}

// dispatch evaluates one stream message against the rule index.
func (e *Engine) dispatch(ctx context.Context, msg platform.IncomingMessage) error {
	e.stats.received.Add(1)

	// An outbound forward may be one of ours; evaluating it could ping-pong
	// between two rules pointing at each other.
	if msg.Direction == platform.Outbound && msg.Forwarded {
		e.stats.skipped.Add(1)
		return nil
	}

	candidates := e.rules.ListEnabledBySource(msg.Source.ID)
	if len(candidates) == 0 {
		e.stats.dropped.Add(1)
		return nil
	}

	for _, c := range candidates {
		if !c.Match(msg.Text) {
			continue
		}
		e.stats.matched.Add(1)
		if _, err := e.submit(ctx, c.Rule, msg); err != nil {
			return err
		}
	}
	return nil
}

// submit queues a relay of msg for rule unless the dedup ledger has seen it.
// It blocks while the target shard is full.
func (e *Engine) submit(ctx context.Context, rule forward.Rule, msg platform.IncomingMessage) (bool, error) {
	key := ledgerKey{ruleID: rule.ID, sourceID: msg.Source.ID, messageID: msg.ID}
	if e.dedup != nil && !e.dedup.claim(key) {
		e.stats.duplicates.Add(1)
		e.log.Debug("duplicate relay suppressed", "rule_id", rule.ID, "message_id", msg.ID)
		return false, nil
	}

	if !msg.Source.Addressable() {
		msg.Source = rule.Source.Ref()
	}
	j := job{
		ruleID: rule.ID,
		msg:    msg,
		target: rule.Target.Ref(),
	}
	if err := e.enqueue(ctx, j); err != nil {
		if e.dedup != nil {
			e.dedup.release(key)
		}
		return false, err
	}
	return true, nil
}

// Saturated reports whether pending relays have reached the queue capacity.
func (e *Engine) Saturated() bool {
	return e.pending.Load() >= int64(e.cfg.QueueCapacity)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	st := Stats{
		Received:   e.stats.received.Load(),
		Skipped:    e.stats.skipped.Load(),
		Dropped:    e.stats.dropped.Load(),
		Matched:    e.stats.matched.Load(),
		Duplicates: e.stats.duplicates.Load(),
		Relayed:    e.stats.relayed.Load(),
		Failed:     e.stats.failed.Load(),
		Abandoned:  e.stats.abandoned.Load(),
		Pending:    int(e.pending.Load()),
		Capacity:   e.cfg.QueueCapacity,
		Subscribed: e.subscribed.Load(),
	}
	if le := e.lastErr.Load(); le != nil {
		st.LastError = le.msg
		st.LastErrorAt = le.at
	}
	return st
}

func (e *Engine) recordStreamError(err error) {
	if err == nil {
		return
	}
	e.lastErr.Store(&streamError{msg: err.Error(), at: e.now()})
}

// shutdown closes the queue, waits for the workers to drain it and cancels
// in-flight relays once the grace period has passed.
func (e *Engine) shutdown(cancelRelays context.CancelFunc) {
	e.qmu.Lock()
	e.closed = true
	for _, q := range e.shards {
		close(q)
	}
	e.qmu.Unlock()

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()

	timer := time.NewTimer(e.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.log.Warn("shutdown grace period elapsed, cancelling relays", "pending", e.pending.Load())
		cancelRelays()
		<-done
	}
	e.log.Info("dispatch engine stopped")
}

// sleep waits for d or until ctx ends; it reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
