package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/platform"
)

type job struct {
	ruleID int64
	msg    platform.IncomingMessage
	target platform.PeerRef
}

// shardFor keeps every relay of one (source, target) pair on one worker, so
// the pair is relayed in source order.
func (e *Engine) shardFor(sourceID, targetID int64) int {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(sourceID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(targetID))
	h := fnv.New32a()
	h.Write(buf[:])
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *Engine) enqueue(ctx context.Context, j job) error {
	e.qmu.RLock()
	defer e.qmu.RUnlock()
	if e.closed {
		return errEngineClosed
	}

	q := e.shards[e.shardFor(j.msg.Source.ID, j.target.ID)]
	e.pending.Add(1)
	select {
	case q <- j:
		return nil
	case <-ctx.Done():
		e.pending.Add(-1)
		return ctx.Err()
	}
}

func (e *Engine) work(ctx context.Context, q <-chan job) {
	defer e.workers.Done()
	for j := range q {
		e.process(ctx, j)
		e.pending.Add(-1)
	}
}

type outcome struct {
	status    string
	attempts  int
	permanent bool
	err       error
}

func (e *Engine) process(ctx context.Context, j job) {
	var out outcome
	if ctx.Err() != nil {
		out = outcome{status: db.RelayStatusAbandoned, err: ctx.Err()}
	} else {
		out = e.relay(ctx, j)
	}

	log := e.log.With(
		"rule_id", j.ruleID,
		"source_id", j.msg.Source.ID,
		"message_id", j.msg.ID,
		"target_id", j.target.ID,
		"attempts", out.attempts,
	)
	switch out.status {
	case db.RelayStatusRelayed:
		e.stats.relayed.Add(1)
		log.Debug("message relayed")
	case db.RelayStatusAbandoned:
		e.stats.abandoned.Add(1)
		log.Warn("relay abandoned at shutdown")
	default:
		e.stats.failed.Add(1)
		log.Error("relay failed", "permanent", out.permanent, "error", platform.Describe(out.err))
	}
	e.record(j, out)
}

// relay delivers one job, retrying temporary failures with capped
// exponential backoff.
func (e *Engine) relay(ctx context.Context, j job) outcome {
	b := retry.NewExponential(e.cfg.BaseBackoff)
	b = retry.WithCappedDuration(e.cfg.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(e.cfg.MaxAttempts-1), b)

	attempts := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		attempts++
		err := e.attempt(ctx, j)
		if err == nil || !platform.IsTemporary(err) {
			return err
		}
		if wait := platform.RetryAfter(err); wait > 0 {
			e.log.Info("relay flood wait", "rule_id", j.ruleID, "wait", wait)
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
		}
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		return outcome{status: db.RelayStatusRelayed, attempts: attempts}
	case ctx.Err() != nil:
		return outcome{status: db.RelayStatusAbandoned, attempts: attempts, err: err}
	default:
		return outcome{
			status:    db.RelayStatusFailed,
			attempts:  attempts,
			permanent: !platform.IsTemporary(err),
			err:       err,
		}
	}
}

func (e *Engine) attempt(ctx context.Context, j job) error {
	actx, cancel := context.WithTimeout(ctx, e.cfg.RelayTimeout)
	defer cancel()

	err := e.tr.Relay(actx, j.msg, j.target)
	if err != nil && ctx.Err() == nil && actx.Err() == context.DeadlineExceeded {
		return platform.Temporary("relay", "TIMEOUT", 0, fmt.Errorf("no answer within %s", e.cfg.RelayTimeout))
	}
	return err
}

func (e *Engine) record(j job, out outcome) {
	if e.journal == nil {
		return
	}
	now := e.now()
	rec := &db.RelayRecord{
		ID:        e.ids.next(now),
		RuleID:    j.ruleID,
		SourceID:  j.msg.Source.ID,
		MessageID: j.msg.ID,
		TargetID:  j.target.ID,
		Status:    out.status,
		Attempts:  out.attempts,
		Permanent: out.permanent,
		Error:     platform.Describe(out.err),
		CreatedAt: now.Unix(),
	}

	// The relay context may already be cancelled at shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.journal.Record(ctx, rec); err != nil {
		e.log.Error("failed to journal relay outcome", "rule_id", j.ruleID, "error", err)
	}
}
