package dispatch

import (
	"sync"
	"time"
)

type ledgerKey struct {
	ruleID    int64
	sourceID  int64
	messageID int
}

// ledger remembers recently queued relays so a redelivered message is not
// relayed twice within the window.
type ledger struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	seen      map[ledgerKey]time.Time
	lastSweep time.Time
}

func newLedger(window time.Duration, now func() time.Time) *ledger {
	return &ledger{
		window:    window,
		now:       now,
		seen:      make(map[ledgerKey]time.Time),
		lastSweep: now(),
	}
}

// claim records k and reports true, or reports false if k was claimed within
// the window.
func (l *ledger) claim(k ledgerKey) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.window {
		l.sweepLocked(now)
	}
	if at, ok := l.seen[k]; ok && now.Sub(at) < l.window {
		return false
	}
	l.seen[k] = now
	return true
}

// release forgets k so a later redelivery may be relayed.
func (l *ledger) release(k ledgerKey) {
	l.mu.Lock()
	delete(l.seen, k)
	l.mu.Unlock()
}

func (l *ledger) sweepLocked(now time.Time) {
	for k, at := range l.seen {
		if now.Sub(at) >= l.window {
			delete(l.seen, k)
		}
	}
	l.lastSweep = now
}

func (l *ledger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
