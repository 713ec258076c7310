package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// Lifetime is a session's credited total plus the live estimate used for
// display. EstimatedMs is never persisted.
type Lifetime struct {
	AccumulatedMs int64 `json:"accumulated_ms"`
	EstimatedMs   int64 `json:"estimated_ms"`
	Estimate      bool  `json:"estimate"`
}

// Status is the connection status of one session as rendered by clients.
type Status struct {
	SessionID       string     `json:"session_id"`
	AccountID       string     `json:"account_id"`
	Online          bool       `json:"online"`
	Open            bool       `json:"open"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	LastLoginDays   *int       `json:"last_login_days,omitempty"`
	LastConnection  string     `json:"last_connection,omitempty"`
	CurrentWindowMs int64      `json:"current_window_ms"`
	Lifetime        Lifetime   `json:"lifetime"`
	OnlineFor       string     `json:"online_for,omitempty"`
	Total           string     `json:"total"`
}

// Roster is the connection status of every session of one account.
type Roster struct {
	AccountID       string   `json:"account_id"`
	Active          bool     `json:"active"`
	TotalDurationMs int64    `json:"total_duration_ms"`
	Total           string   `json:"total"`
	Online          int      `json:"online"`
	Sessions        []Status `json:"sessions"`
}

// Presence answers read-only questions about sessions. It never writes.
type Presence struct {
	store  storage.Store
	clock  Clock
	cfg    Config
	cache  *expirable.LRU[string, storage.SessionRecord]
	logger zerolog.Logger
}

// NewPresence creates the query service. A CacheSize of zero disables the
// record cache; entries otherwise live for one tick interval.
func NewPresence(store storage.Store, clock Clock, cfg Config, logger zerolog.Logger) *Presence {
	if clock == nil {
		clock = RealClock{}
	}
	cfg = cfg.withDefaults()

	p := &Presence{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With().Str("component", "presence").Logger(),
	}
	if cfg.CacheSize > 0 {
		p.cache = expirable.NewLRU[string, storage.SessionRecord](cfg.CacheSize, nil, cfg.TickInterval)
	}
	return p
}

// Invalidate drops the cached record an event refers to. It is meant to be
// subscribed to the Updater that writes the same store.
func (p *Presence) Invalidate(ev Event) {
	if p.cache == nil {
		return
	}
	p.cache.Remove(ev.SessionID)
}

func (p *Presence) record(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	if p.cache != nil {
		if rec, ok := p.cache.Get(sessionID); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return &rec, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	rec, err := p.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, classify(err)
	}

	if p.cache != nil {
		p.cache.Add(sessionID, *rec)
	}
	return rec, nil
}

// IsOnline reports whether the session has an open window that has been
// folded recently and has not passed its activity deadline.
func (p *Presence) IsOnline(ctx context.Context, sessionID string) (bool, error) {
	rec, err := p.record(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return p.online(rec, p.clock.Now()), nil
}

// CurrentWindow returns the milliseconds of the open window not yet
// credited, or 0 for a closed session.
func (p *Presence) CurrentWindow(ctx context.Context, sessionID string) (int64, error) {
	rec, err := p.record(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	elapsed, _ := foldWindow(rec, p.clock.Now(), p.cfg)
	return elapsed, nil
}

// Lifetime returns the credited total and the display estimate.
func (p *Presence) Lifetime(ctx context.Context, sessionID string) (Lifetime, error) {
	rec, err := p.record(ctx, sessionID)
	if err != nil {
		return Lifetime{}, err
	}
	elapsed, _ := foldWindow(rec, p.clock.Now(), p.cfg)
	return lifetime(rec, elapsed), nil
}

// Status returns everything known about a session at once.
func (p *Presence) Status(ctx context.Context, sessionID string) (*Status, error) {
	rec, err := p.record(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st := p.status(rec, p.clock.Now())
	return &st, nil
}

// AccountRoster returns the status of every session of an account, sorted
// by session ID, together with the account aggregate. It reads storage
// directly, bypassing the cache.
func (p *Presence) AccountRoster(ctx context.Context, accountID string) (*Roster, error) {
	account, err := p.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return nil, classify(err)
	}

	sessions, err := p.store.Sessions().ListByAccount(ctx, accountID)
	if err != nil {
		return nil, classify(err)
	}

	now := p.clock.Now()
	roster := &Roster{
		AccountID:       account.ID,
		Active:          account.Active,
		TotalDurationMs: account.TotalDurationMs,
		Total:           FormatDuration(account.TotalDurationMs),
		Sessions:        make([]Status, 0, len(sessions)),
	}
	for i := range sessions {
		st := p.status(&sessions[i], now)
		if st.Online {
			roster.Online++
		}
		roster.Sessions = append(roster.Sessions, st)
	}
	sort.Slice(roster.Sessions, func(i, j int) bool {
		return roster.Sessions[i].SessionID < roster.Sessions[j].SessionID
	})

	return roster, nil
}

func (p *Presence) online(rec *storage.SessionRecord, now time.Time) bool {
	if !rec.Open() {
		return false
	}
	return now.Sub(rec.LastSeenAt) < p.cfg.InactivityTimeout && now.Before(deadline(rec, p.cfg))
}

func (p *Presence) status(rec *storage.SessionRecord, now time.Time) Status {
	elapsed, _ := foldWindow(rec, now, p.cfg)
	lt := lifetime(rec, elapsed)

	st := Status{
		SessionID:       rec.ID,
		AccountID:       rec.AccountID,
		Online:          p.online(rec, now),
		Open:            rec.Open(),
		StartedAt:       rec.StartedAt,
		LastSeenAt:      rec.LastSeenAt,
		LastActivityAt:  rec.LastActivityAt,
		LastLoginAt:     rec.LastLoginAt,
		CurrentWindowMs: elapsed,
		Lifetime:        lt,
		Total:           FormatDuration(lt.EstimatedMs),
	}
	if rec.Open() {
		st.OnlineFor = FormatDuration(now.Sub(*rec.StartedAt).Milliseconds())
	}
	if rec.LastLoginAt != nil {
		days := DaysSince(*rec.LastLoginAt, now)
		st.LastLoginDays = &days
		st.LastConnection = FormatLastConnection(days)
	}
	return st
}

func lifetime(rec *storage.SessionRecord, elapsed int64) Lifetime {
	return Lifetime{
		AccumulatedMs: rec.AccumulatedMs,
		EstimatedMs:   rec.AccumulatedMs + elapsed,
		Estimate:      rec.Open(),
	}
}

// FormatDuration renders milliseconds as "Yh Zm", dropping the hours when
// there are none. Negative input renders as zero.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	minutes := ms / int64(time.Minute/time.Millisecond)
	hours := minutes / 60
	minutes %= 60
	if hours == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// DaysSince counts the whole days between t and now. A t in the future
// counts as zero.
func DaysSince(t, now time.Time) int {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// FormatLastConnection renders a day count as "today", "1 day ago" or
// "N days ago".
func FormatLastConnection(days int) string {
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "1 day ago"
	default:
		return fmt.Sprintf("%d days ago", days)
	}
}
