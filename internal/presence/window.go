package presence

import (
	"time"

	"github.com/goodtune/presence/internal/storage"
)

// change is the outcome of a mutation: the record to write and what to
// publish once the write lands.
type change struct {
	next     storage.SessionRecord
	kind     EventKind
	foldedMs int64
}

// mutation decides the next state of rec at now. A nil change leaves the
// record untouched.
type mutation func(rec storage.SessionRecord, now time.Time) *change

// deadline is the instant an open window is considered abandoned.
func deadline(rec *storage.SessionRecord, cfg Config) time.Time {
	return rec.LastActivityAt.Add(cfg.InactivityTimeout)
}

// abandoned reports whether the window outlived its activity deadline.
func abandoned(rec *storage.SessionRecord, now time.Time, cfg Config) bool {
	return now.Sub(rec.LastActivityAt) > cfg.InactivityTimeout
}

// foldWindow returns the milliseconds of the open window not yet credited
// and the watermark lastSeenAt should advance to.
//
// Time is only credited up to the activity deadline, so a paused clock or
// a crashed client never earns more than the inactivity timeout past its
// last signal. Millisecond values come from truncated timestamps so
// successive folds telescope to the exact window length.
func foldWindow(rec *storage.SessionRecord, now time.Time, cfg Config) (int64, time.Time) {
	if !rec.Open() {
		return 0, rec.LastSeenAt
	}

	end := now
	if d := deadline(rec, cfg); d.Before(end) {
		end = d
	}
	if !end.After(rec.LastSeenAt) {
		return 0, rec.LastSeenAt
	}

	elapsed := end.UnixMilli() - rec.LastSeenAt.UnixMilli()
	if limit := cfg.MaxFold.Milliseconds(); elapsed > limit {
		elapsed = limit
	}
	return elapsed, end
}

// foldForward credits the unaccounted part of the window and advances the
// watermark, leaving the window open.
func foldForward(cfg Config) mutation {
	return func(rec storage.SessionRecord, now time.Time) *change {
		elapsed, mark := foldWindow(&rec, now, cfg)
		if elapsed == 0 && mark.Equal(rec.LastSeenAt) {
			return nil
		}
		rec.AccumulatedMs += elapsed
		rec.LastSeenAt = mark
		return &change{next: rec, kind: EventFolded, foldedMs: elapsed}
	}
}

// closeWindow folds what remains of the window and clears startedAt in the
// same write. Closed records are left alone, which makes every close path
// idempotent.
func closeWindow(cfg Config, kind EventKind) mutation {
	return func(rec storage.SessionRecord, now time.Time) *change {
		if !rec.Open() {
			return nil
		}
		elapsed, mark := foldWindow(&rec, now, cfg)
		rec.AccumulatedMs += elapsed
		rec.LastSeenAt = mark
		rec.StartedAt = nil
		return &change{next: rec, kind: kind, foldedMs: elapsed}
	}
}

// openWindow starts a window unless one is already open.
func openWindow() mutation {
	return func(rec storage.SessionRecord, now time.Time) *change {
		if rec.Open() {
			return nil
		}
		started := now
		login := now
		rec.StartedAt = &started
		rec.LastLoginAt = &login
		rec.LastActivityAt = now
		if now.After(rec.LastSeenAt) {
			rec.LastSeenAt = now
		}
		return &change{next: rec, kind: EventStarted}
	}
}

// touchWindow records an activity signal. A window already past its
// deadline is expired instead of revived.
func touchWindow(cfg Config) mutation {
	expire := closeWindow(cfg, EventExpired)
	return func(rec storage.SessionRecord, now time.Time) *change {
		if !rec.Open() {
			return nil
		}
		if abandoned(&rec, now, cfg) {
			return expire(rec, now)
		}
		elapsed, mark := foldWindow(&rec, now, cfg)
		rec.AccumulatedMs += elapsed
		rec.LastSeenAt = mark
		if now.After(rec.LastActivityAt) {
			rec.LastActivityAt = now
		}
		return &change{next: rec, kind: EventTouched, foldedMs: elapsed}
	}
}

// tickWindow is what the accrual clock applies to every open session.
func tickWindow(cfg Config, accountActive bool) mutation {
	expire := closeWindow(cfg, EventExpired)
	closeInactive := closeWindow(cfg, EventClosedInactive)
	fold := foldForward(cfg)
	return func(rec storage.SessionRecord, now time.Time) *change {
		switch {
		case !rec.Open():
			return nil
		case abandoned(&rec, now, cfg):
			return expire(rec, now)
		case !accountActive:
			return closeInactive(rec, now)
		default:
			return fold(rec, now)
		}
	}
}
