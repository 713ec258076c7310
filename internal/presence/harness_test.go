package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/presence/internal/storage"
	redisstore "github.com/goodtune/presence/internal/storage/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type harness struct {
	mr         *miniredis.Miniredis
	store      storage.Store
	clock      *ManualClock
	updater    *Updater
	controller *Controller
	accruer    *Accruer
	presence   *Presence
	auditor    *Auditor
}

func testConfig() Config {
	return Config{
		TickInterval:      10 * time.Second,
		InactivityTimeout: 30 * time.Minute,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	store := redisstore.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	return newHarnessWith(t, mr, store, store.Sessions(), cfg)
}

// newHarnessWith builds the components on store but lets the updater write
// through sessions, which may wrap store.Sessions().
func newHarnessWith(t *testing.T, mr *miniredis.Miniredis, store storage.Store, sessions storage.SessionStore, cfg Config) *harness {
	t.Helper()

	logger := zerolog.Nop()
	clock := NewManualClock(epoch)
	updater := NewUpdater(sessions, clock, cfg, logger)
	presence := NewPresence(store, clock, cfg, logger)
	updater.Subscribe(presence.Invalidate)

	return &harness{
		mr:         mr,
		store:      store,
		clock:      clock,
		updater:    updater,
		controller: NewController(store, updater, logger),
		accruer:    NewAccruer(store, updater, logger),
		presence:   presence,
		auditor:    NewAuditor(store, clock, cfg.AuditTolerance, logger),
	}
}

func (h *harness) register(t *testing.T, accountID, sessionID string) {
	t.Helper()
	_, err := h.controller.Register(context.Background(), accountID, sessionID)
	require.NoError(t, err)
}

func (h *harness) start(t *testing.T, sessionID string) *Result {
	t.Helper()
	res, err := h.controller.Start(context.Background(), sessionID)
	require.NoError(t, err)
	return res
}

func (h *harness) end(t *testing.T, sessionID string) *Result {
	t.Helper()
	res, err := h.controller.End(context.Background(), sessionID)
	require.NoError(t, err)
	return res
}

func (h *harness) tick() TickSummary {
	return h.accruer.Tick(context.Background())
}

func (h *harness) session(t *testing.T, sessionID string) *storage.SessionRecord {
	t.Helper()
	rec, err := h.store.Sessions().Get(context.Background(), sessionID)
	require.NoError(t, err)
	return rec
}

func (h *harness) account(t *testing.T, accountID string) *storage.Account {
	t.Helper()
	acct, err := h.store.Accounts().Get(context.Background(), accountID)
	require.NoError(t, err)
	return acct
}

// advanceTicking moves the clock forward in tick-sized steps, ticking after
// each step.
func (h *harness) advanceTicking(d time.Duration) {
	step := h.updater.Config().TickInterval
	for elapsed := time.Duration(0); elapsed+step <= d; elapsed += step {
		h.clock.Advance(step)
		h.tick()
	}
	if rest := d % step; rest > 0 {
		h.clock.Advance(rest)
	}
}

// accumulated reads a session total without failing the test, for use in
// polling conditions.
func (h *harness) accumulated(sessionID string) int64 {
	rec, err := h.store.Sessions().Get(context.Background(), sessionID)
	if err != nil {
		return -1
	}
	return rec.AccumulatedMs
}
