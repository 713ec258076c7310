package presence

import "time"

const (
	// DefaultTickInterval is how often the accrual clock folds open windows
	DefaultTickInterval = 10 * time.Second

	// DefaultInactivityTimeout is how long a window may go without an
	// activity signal before it is treated as abandoned
	DefaultInactivityTimeout = 30 * time.Minute

	// DefaultMaxUpdateAttempts bounds the optimistic retry loop
	DefaultMaxUpdateAttempts = 5

	// DefaultWorkers bounds how many sessions a tick folds in parallel
	DefaultWorkers = 8

	// DefaultAuditTolerance absorbs one in-flight tick when comparing totals
	DefaultAuditTolerance = time.Second
)

// Config holds the tracking tunables shared by every component.
type Config struct {
	TickInterval      time.Duration
	InactivityTimeout time.Duration
	// MaxFold caps a single fold. Time beyond it is discarded, not deferred.
	MaxFold           time.Duration
	MaxUpdateAttempts int
	Workers           int
	CacheSize         int
	AuditTolerance    time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.MaxFold <= 0 {
		c.MaxFold = c.InactivityTimeout
	}
	if c.MaxUpdateAttempts <= 0 {
		c.MaxUpdateAttempts = DefaultMaxUpdateAttempts
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.AuditTolerance <= 0 {
		c.AuditTolerance = DefaultAuditTolerance
	}
	return c
}
