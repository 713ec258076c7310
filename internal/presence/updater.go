package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/storage"
	"github.com/rs/zerolog"
)

// Result describes what an update did to a session.
type Result struct {
	Session  storage.SessionRecord `json:"session"`
	Changed  bool                  `json:"changed"`
	Kind     EventKind             `json:"kind,omitempty"`
	FoldedMs int64                 `json:"folded_ms"`
}

// Updater is the single write path for session records. Every writer (the
// lifecycle controller, the accrual clock and its expiry path) goes
// through Apply, which serializes writers per record with the storage
// compare-and-update rather than an in-process lock.
type Updater struct {
	sessions storage.SessionStore
	clock    Clock
	cfg      Config
	logger   zerolog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewUpdater creates the shared write path.
func NewUpdater(sessions storage.SessionStore, clock Clock, cfg Config, logger zerolog.Logger) *Updater {
	if clock == nil {
		clock = RealClock{}
	}
	return &Updater{
		sessions: sessions,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "updater").Logger(),
	}
}

// Config returns the effective tunables.
func (u *Updater) Config() Config {
	return u.cfg
}

// Clock returns the clock writes are stamped with.
func (u *Updater) Clock() Clock {
	return u.clock
}

// Subscribe registers fn for every event published after a write.
func (u *Updater) Subscribe(fn Subscriber) {
	u.mu.Lock()
	u.subscribers = append(u.subscribers, fn)
	u.mu.Unlock()
}

func (u *Updater) publish(ev Event) {
	u.mu.RLock()
	subscribers := u.subscribers
	u.mu.RUnlock()

	for _, fn := range subscribers {
		fn(ev)
	}
}

// Apply reads the record, lets m decide the next state and writes it back
// only if nobody else wrote in between. On a version conflict the record is
// re-read and m is evaluated again, up to MaxUpdateAttempts times.
func (u *Updater) Apply(ctx context.Context, op, sessionID string, m mutation) (*Result, error) {
	for attempt := 1; attempt <= u.cfg.MaxUpdateAttempts; attempt++ {
		current, err := u.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, classify(err)
		}

		now := u.clock.Now()
		c := m(*current, now)
		if c == nil {
			return &Result{Session: *current}, nil
		}

		updated, err := u.sessions.Update(ctx, c.next, current.Version)
		if errors.Is(err, storage.ErrConflict) {
			metrics.UpdateConflicts.WithLabelValues(op).Inc()
			u.logger.Debug().
				Str("op", op).
				Str("session_id", sessionID).
				Int("attempt", attempt).
				Int64("version", current.Version).
				Msg("Concurrent update, retrying with fresh record")
			continue
		}
		if err != nil {
			return nil, classify(err)
		}

		if c.foldedMs > 0 {
			metrics.AccruedMilliseconds.WithLabelValues(string(c.kind)).Add(float64(c.foldedMs))
		}

		u.publish(Event{
			Kind:          c.kind,
			SessionID:     updated.ID,
			AccountID:     updated.AccountID,
			FoldedMs:      c.foldedMs,
			AccumulatedMs: updated.AccumulatedMs,
			At:            now,
		})

		return &Result{
			Session:  *updated,
			Changed:  true,
			Kind:     c.kind,
			FoldedMs: c.foldedMs,
		}, nil
	}

	return nil, fmt.Errorf("%w: session %s after %d attempts", ErrConflict, sessionID, u.cfg.MaxUpdateAttempts)
}
