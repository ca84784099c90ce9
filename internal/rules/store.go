// Package rules is the durable forwarding rule store. Writes go to the
// database first; the in-memory source index used by the dispatcher is then
// rebuilt and swapped in atomically, so readers never see a half-applied change.
package rules

import (
	"cmp"
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/forward"
)

// Compiled is an enabled rule with its pattern ready to evaluate.
// Values are shared between readers and must not be modified.
type Compiled struct {
	Rule    forward.Rule
	Pattern *regexp.Regexp
}

// Match reports whether text satisfies the rule's pattern.
func (c *Compiled) Match(text string) bool {
	return c.Pattern.MatchString(text)
}

type index struct {
	bySource map[int64][]*Compiled
	enabled  int
}

type cachedPattern struct {
	source string
	re     *regexp.Regexp
}

// Store is the rule store. Mutations are serialized; ListEnabledBySource is
// lock-free.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex // single writer
	rules    map[int64]forward.Rule
	patterns map[int64]cachedPattern

	idx atomic.Pointer[index]
}

// New returns an empty store. Call Load before serving.
func New(database *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		db:       database,
		log:      log.With("component", "rules"),
		now:      time.Now,
		rules:    make(map[int64]forward.Rule),
		patterns: make(map[int64]cachedPattern),
	}
	s.idx.Store(&index{bySource: map[int64][]*Compiled{}})
	return s
}

// Load reads every stored rule and builds the index.
func (s *Store) Load(ctx context.Context) error {
	all, err := db.ListRules(ctx, s.db)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make(map[int64]forward.Rule, len(all))
	s.patterns = make(map[int64]cachedPattern, len(all))
	for _, r := range all {
		s.rules[r.ID] = r
	}
	s.rebuildLocked()
	s.log.Info("rules loaded", "count", len(all), "enabled", s.idx.Load().enabled)
	return nil
}

// ListEnabledBySource returns the enabled rules whose source is peerID.
// The returned slice is shared and read-only.
func (s *Store) ListEnabledBySource(peerID int64) []*Compiled {
	return s.idx.Load().bySource[peerID]
}

// EnabledCount returns the number of enabled rules in the current index.
func (s *Store) EnabledCount() int {
	return s.idx.Load().enabled
}

// commitLocked records r in the mirror and swaps in a fresh index. The
// caller holds s.mu and has already persisted r.
func (s *Store) commitLocked(r forward.Rule, re *regexp.Regexp) {
	s.rules[r.ID] = r
	if re != nil {
		s.patterns[r.ID] = cachedPattern{source: r.MatchPattern, re: re}
	}
	s.rebuildLocked()
}

func (s *Store) removeLocked(id int64) {
	delete(s.rules, id)
	delete(s.patterns, id)
	s.rebuildLocked()
}

// rebuildLocked builds a new index from the mirror. Patterns are compiled
// only when missing from the cache or when the rule's pattern changed.
func (s *Store) rebuildLocked() {
	next := &index{bySource: make(map[int64][]*Compiled)}
	for id, r := range s.rules {
		cp, ok := s.patterns[id]
		if !ok || cp.source != r.MatchPattern {
			re, err := forward.CompilePattern(r.MatchPattern)
			if err != nil {
				s.log.Warn("skipping rule with invalid pattern", "rule_id", id, "pattern", r.MatchPattern)
				delete(s.patterns, id)
				continue
			}
			cp = cachedPattern{source: r.MatchPattern, re: re}
			s.patterns[id] = cp
		}
		if !r.Enabled {
			continue
		}
		next.bySource[r.Source.ID] = append(next.bySource[r.Source.ID], &Compiled{Rule: r, Pattern: cp.re})
		next.enabled++
	}
	// Map iteration is random; keep a stable rule order per source
	for _, list := range next.bySource {
		slices.SortFunc(list, func(a, b *Compiled) int { return cmp.Compare(a.Rule.ID, b.Rule.ID) })
	}
	s.idx.Store(next)
}
