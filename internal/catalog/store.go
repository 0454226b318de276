// Package catalog owns the in-memory snapshot of moderation rules and the
// FAQ knowledge base. Both are administered externally in the database; the
// pipeline never reads those tables per request. Instead a Store holds an
// immutable Snapshot behind an atomic pointer, and Reload builds a fresh
// Snapshot from the current rows and swaps it in. Requests already holding
// the old snapshot finish against it.
package catalog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/kb"
	"github.com/tbourn/go-agent-backend/internal/moderation"
	"github.com/tbourn/go-agent-backend/internal/repo"
)

// Snapshot is one consistent view of the rule set and the knowledge base.
type Snapshot struct {
	Rules    *moderation.Snapshot
	FAQ      *kb.Index
	Version  int64
	LoadedAt time.Time
}

// Store hands out the current Snapshot and accepts replacements. Safe for
// concurrent use; readers never block writers and vice versa.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64

	modOpts []moderation.Option
	kbOpts  []kb.Option
}

// NewStore builds a Store seeded with an empty snapshot. The given options
// are applied on every reload.
func NewStore(modOpts []moderation.Option, kbOpts []kb.Option) *Store {
	s := &Store{modOpts: modOpts, kbOpts: kbOpts}
	s.current.Store(&Snapshot{
		Rules:    moderation.NewSnapshot(nil, modOpts...),
		FAQ:      kb.NewIndex(nil, kbOpts...),
		LoadedAt: time.Now().UTC(),
	})
	return s
}

// Current returns the active snapshot. Never nil.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload reads the active rule and FAQ rows and atomically swaps in a new
// snapshot. On error the previous snapshot stays active.
func (s *Store) Reload(ctx context.Context, db *gorm.DB) (*Snapshot, error) {
	rules, err := repo.ListActiveModerationRules(ctx, db)
	if err != nil {
		return nil, err
	}
	entries, err := repo.ListActiveFAQEntries(ctx, db)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Rules:    moderation.NewSnapshot(rules, s.modOpts...),
		FAQ:      kb.NewIndex(entries, s.kbOpts...),
		Version:  s.version.Add(1),
		LoadedAt: time.Now().UTC(),
	}
	if skipped := snap.Rules.Skipped(); len(skipped) > 0 {
		log.Warn().
			Interface("rule_ids", skipped).
			Msg("moderation rules skipped during reload")
	}
	s.current.Store(snap)

	log.Info().
		Int64("version", snap.Version).
		Int("rules", snap.Rules.RuleCount()).
		Int("faq_entries", snap.FAQ.Len()).
		Msg("catalog reloaded")
	return snap, nil
}
