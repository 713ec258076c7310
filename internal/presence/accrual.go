package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TickSummary counts what one accrual tick did.
type TickSummary struct {
	Open           int   `json:"open"`
	Folded         int   `json:"folded"`
	Expired        int   `json:"expired"`
	ClosedInactive int   `json:"closed_inactive"`
	Skipped        int   `json:"skipped"`
	Failed         int   `json:"failed"`
	Unreadable     int   `json:"unreadable"`
	FoldedMs       int64 `json:"folded_ms"`
}

// Accruer is the accrual clock: on every tick it folds elapsed time into
// each open session and expires the ones that were silently abandoned.
type Accruer struct {
	store   storage.Store
	updater *Updater
	logger  zerolog.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewAccruer creates an accrual clock writing through updater.
func NewAccruer(store storage.Store, updater *Updater, logger zerolog.Logger) *Accruer {
	return &Accruer{
		store:   store,
		updater: updater,
		logger:  logger.With().Str("component", "accrual-clock").Logger(),
	}
}

// Start begins ticking in the background. Calling Start on a running
// clock does nothing; a stopped clock may be started again.
func (a *Accruer) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopChan != nil {
		return
	}

	a.stopChan = make(chan struct{})
	a.done = make(chan struct{})
	go a.run(a.stopChan, a.done)

	a.logger.Info().
		Dur("tick_interval", a.updater.cfg.TickInterval).
		Dur("inactivity_timeout", a.updater.cfg.InactivityTimeout).
		Msg("Accrual clock started")
}

// Stop halts the clock and waits for an in-flight tick to finish.
func (a *Accruer) Stop() {
	a.mu.Lock()
	stopChan, done := a.stopChan, a.done
	a.stopChan, a.done = nil, nil
	a.mu.Unlock()

	if stopChan == nil {
		return
	}

	close(stopChan)
	<-done
	a.logger.Info().Msg("Accrual clock stopped")
}

// run is the main clock loop
func (a *Accruer) run(stopChan <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.updater.cfg.TickInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			a.Tick(ctx)
		case <-stopChan:
			return
		}
	}
}

// Tick folds every open session once. Per-session failures are logged and
// counted, never returned: one bad record must not stall the others.
func (a *Accruer) Tick(ctx context.Context) TickSummary {
	started := time.Now()
	metrics.Ticks.Inc()
	defer func() {
		metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	var summary TickSummary

	sessions, err := a.store.Sessions().ListOpen(ctx)
	var corrupt *storage.CorruptError
	switch {
	case errors.As(err, &corrupt):
		summary.Unreadable = len(corrupt.IDs)
		a.logger.Error().Strs("session_ids", corrupt.IDs).Msg("Skipping unreadable session records")
	case err != nil:
		metrics.TickFailures.Inc()
		a.logger.Error().Err(err).Msg("Failed to list open sessions, skipping tick")
		return summary
	}
	summary.Open = len(sessions)

	active := a.accountFlags(ctx)

	var folded, expired, closedInactive, skipped, failed atomic.Int64
	var foldedMs atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(a.updater.cfg.Workers)

	for _, session := range sessions {
		if !session.Open() {
			// Indexed as open but closed; the auditor reports it.
			skipped.Add(1)
			continue
		}

		sessionID := session.ID
		accountActive := true
		if flag, ok := active[session.AccountID]; ok {
			accountActive = flag
		}

		g.Go(func() error {
			res, err := a.updater.Apply(ctx, "tick", sessionID, tickWindow(a.updater.cfg, accountActive))
			switch {
			case errors.Is(err, ErrNotFound):
				skipped.Add(1)
				a.logger.Debug().Str("session_id", sessionID).Msg("Session vanished before fold")
				return nil
			case err != nil:
				failed.Add(1)
				metrics.UpdateFailures.WithLabelValues("tick").Inc()
				a.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to accrue session, retrying next tick")
				return nil
			}

			foldedMs.Add(res.FoldedMs)
			switch res.Kind {
			case EventFolded:
				folded.Add(1)
			case EventExpired:
				expired.Add(1)
				metrics.WindowsClosed.WithLabelValues(string(EventExpired)).Inc()
				a.logger.Info().
					Str("session_id", sessionID).
					Str("account_id", res.Session.AccountID).
					Int64("accumulated_ms", res.Session.AccumulatedMs).
					Msg("Session expired after inactivity")
			case EventClosedInactive:
				closedInactive.Add(1)
				metrics.WindowsClosed.WithLabelValues(string(EventClosedInactive)).Inc()
				a.logger.Info().
					Str("session_id", sessionID).
					Str("account_id", res.Session.AccountID).
					Msg("Session closed, account inactive")
			default:
				skipped.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()

	summary.Folded = int(folded.Load())
	summary.Expired = int(expired.Load())
	summary.ClosedInactive = int(closedInactive.Load())
	summary.Skipped = int(skipped.Load())
	summary.Failed = int(failed.Load())
	summary.FoldedMs = foldedMs.Load()

	metrics.OpenSessions.Set(float64(summary.Open - summary.Expired - summary.ClosedInactive))

	a.logger.Debug().
		Int("open", summary.Open).
		Int("folded", summary.Folded).
		Int("expired", summary.Expired).
		Int("closed_inactive", summary.ClosedInactive).
		Int("failed", summary.Failed).
		Int("unreadable", summary.Unreadable).
		Int64("folded_ms", summary.FoldedMs).
		Msg("Accrual tick complete")

	return summary
}

// accountFlags loads the active flag of every account. On failure every
// account is treated as active so a storage hiccup never closes windows.
func (a *Accruer) accountFlags(ctx context.Context) map[string]bool {
	accounts, err := a.store.Accounts().List(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to list accounts, assuming all active")
		return nil
	}

	flags := make(map[string]bool, len(accounts))
	for _, account := range accounts {
		flags[account.ID] = account.Active
	}
	return flags
}
