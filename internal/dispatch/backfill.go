package dispatch

import (
	"context"

	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/forward"
	"github.com/hpungsan/courier/internal/platform"
)

const (
	DefaultBackfillLimit = 50
	MaxBackfillLimit     = 100
)

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	Scanned int
	Matched int
	Queued  int
}

// Backfill evaluates rule against the most recent messages of its source and
// queues the matches oldest first, through the same path as live messages.
func (e *Engine) Backfill(ctx context.Context, rule forward.Rule, limit int) (*BackfillResult, error) {
	if !rule.Enabled {
		return nil, errors.NewInvalidRequest("rule is disabled")
	}
	if e.Saturated() {
		return nil, errors.NewBusy("backfill")
	}
	switch {
	case limit <= 0:
		limit = DefaultBackfillLimit
	case limit > MaxBackfillLimit:
		limit = MaxBackfillLimit
	}

	re, err := forward.CompilePattern(rule.MatchPattern)
	if err != nil {
		return nil, err
	}

	source := rule.Source.Ref()
	history, err := e.tr.FetchHistory(ctx, source, limit)
	if err != nil {
		if platform.IsTemporary(err) {
			return nil, errors.NewTransportUnavailable(err)
		}
		return nil, errors.NewTransportRejected(err)
	}

	res := &BackfillResult{Scanned: len(history)}
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		// Our own earlier relays; same guard as the live stream.
		if h.Outgoing && h.Forwarded {
			continue
		}
		if !re.MatchString(h.Text) {
			continue
		}
		res.Matched++

		msg := platform.IncomingMessage{
			ID:         h.ID,
			Source:     source,
			SenderName: h.SenderName,
			Text:       h.Text,
			Timestamp:  h.Date,
			Direction:  platform.Inbound,
			Forwarded:  h.Forwarded,
		}
		if h.Outgoing {
			msg.Direction = platform.Outbound
		}
		queued, err := e.submit(ctx, rule, msg)
		if err == errEngineClosed {
			return nil, errors.NewTransportUnavailable(err)
		}
		if err != nil {
			return res, err
		}
		if queued {
			res.Queued++
		}
	}

	e.log.Info("backfill queued", "rule_id", rule.ID, "scanned", res.Scanned, "matched", res.Matched, "queued", res.Queued)
	return res, nil
}
