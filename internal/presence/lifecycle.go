package presence

import (
	"context"
	"fmt"

	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Controller opens and closes session windows in response to login, logout
// and activity signals from collaborators.
type Controller struct {
	store   storage.Store
	updater *Updater
	logger  zerolog.Logger
}

// NewController creates a lifecycle controller writing through updater.
func NewController(store storage.Store, updater *Updater, logger zerolog.Logger) *Controller {
	return &Controller{
		store:   store,
		updater: updater,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Register creates the record for a session issued by the identity system.
// An empty sessionID gets a generated one. The account is created active
// if it is not known yet.
func (c *Controller) Register(ctx context.Context, accountID, sessionID string) (*storage.SessionRecord, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := c.updater.clock.Now()
	record := storage.SessionRecord{
		ID:             sessionID,
		AccountID:      accountID,
		LastSeenAt:     now,
		LastActivityAt: now,
		Version:        1,
		CreatedAt:      now,
	}

	if err := c.store.Sessions().Create(ctx, record); err != nil {
		c.observe("register", false, err)
		return nil, classify(err)
	}
	c.observe("register", true, nil)

	c.logger.Info().
		Str("session_id", sessionID).
		Str("account_id", accountID).
		Msg("Registered session")

	c.updater.publish(Event{
		Kind:      EventRegistered,
		SessionID: sessionID,
		AccountID: accountID,
		At:        now,
	})

	return &record, nil
}

// Start opens a window. Starting an open session is a no-op so duplicate
// login signals are harmless.
func (c *Controller) Start(ctx context.Context, sessionID string) (*Result, error) {
	current, err := c.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		c.observe("start", false, err)
		return nil, classify(err)
	}
	if current.Open() {
		c.observe("start", false, nil)
		return &Result{Session: *current}, nil
	}

	account, err := c.store.Accounts().Get(ctx, current.AccountID)
	if err != nil {
		c.observe("start", false, err)
		return nil, classify(err)
	}
	if !account.Active {
		c.observe("start", false, ErrAccountInactive)
		return nil, fmt.Errorf("%w: %s", ErrAccountInactive, account.ID)
	}

	res, err := c.updater.Apply(ctx, "start", sessionID, openWindow())
	c.observe("start", res != nil && res.Changed, err)
	if err != nil {
		return nil, err
	}

	if res.Changed {
		c.logger.Info().
			Str("session_id", sessionID).
			Str("account_id", res.Session.AccountID).
			Msg("Session window opened")
	}

	return res, nil
}

// End closes the window, folding the time since the last fold. Ending a
// closed session is a no-op.
func (c *Controller) End(ctx context.Context, sessionID string) (*Result, error) {
	res, err := c.updater.Apply(ctx, "end", sessionID, closeWindow(c.updater.cfg, EventEnded))
	c.observe("end", res != nil && res.Changed, err)
	if err != nil {
		return nil, err
	}

	if res.Changed {
		c.logger.Info().
			Str("session_id", sessionID).
			Str("account_id", res.Session.AccountID).
			Int64("folded_ms", res.FoldedMs).
			Int64("accumulated_ms", res.Session.AccumulatedMs).
			Msg("Session window closed")
	}

	return res, nil
}

// Touch records an activity signal, pushing the abandonment deadline out.
// On a closed session it is a no-op; on an abandoned one it expires the
// window.
func (c *Controller) Touch(ctx context.Context, sessionID string) (*Result, error) {
	res, err := c.updater.Apply(ctx, "touch", sessionID, touchWindow(c.updater.cfg))
	c.observe("touch", res != nil && res.Changed, err)
	if err != nil {
		return nil, err
	}

	if res.Kind == EventExpired {
		c.logger.Info().
			Str("session_id", sessionID).
			Int64("accumulated_ms", res.Session.AccumulatedMs).
			Msg("Activity arrived after deadline, session expired")
	}

	return res, nil
}

// SetAccountActive mirrors the identity system's account flag. Open windows
// of a deactivated account are closed by the next tick.
func (c *Controller) SetAccountActive(ctx context.Context, accountID string, active bool) (*storage.Account, error) {
	account, err := c.store.Accounts().SetActive(ctx, accountID, active)
	if err != nil {
		return nil, classify(err)
	}

	c.logger.Info().
		Str("account_id", accountID).
		Bool("active", active).
		Msg("Account tracking flag updated")

	return account, nil
}

func (c *Controller) observe(op string, changed bool, err error) {
	result := "noop"
	switch {
	case err != nil:
		result = "error"
	case changed:
		result = "changed"
	}
	metrics.LifecycleOps.WithLabelValues(op, result).Inc()
}
