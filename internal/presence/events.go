package presence

import "time"

// EventKind names what happened to a session window.
type EventKind string

const (
	EventRegistered     EventKind = "registered"
	EventStarted        EventKind = "started"
	EventEnded          EventKind = "ended"
	EventTouched        EventKind = "touched"
	EventFolded         EventKind = "folded"
	EventExpired        EventKind = "expired"
	EventClosedInactive EventKind = "closed_inactive"
)

// Closes reports whether the event closed a window.
func (k EventKind) Closes() bool {
	return k == EventEnded || k == EventExpired || k == EventClosedInactive
}

// Event is published after a successful write to a session record.
type Event struct {
	Kind          EventKind `json:"kind"`
	SessionID     string    `json:"session_id"`
	AccountID     string    `json:"account_id"`
	FoldedMs      int64     `json:"folded_ms"`
	AccumulatedMs int64     `json:"accumulated_ms"`
	At            time.Time `json:"at"`
}

// Subscriber receives events synchronously on the writer's goroutine and
// must not block.
type Subscriber func(Event)
