package presence

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/presence/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	rec, err := h.controller.Register(ctx, "acct-1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID, "expected generated session id")
	assert.False(t, rec.Open())
	assert.Zero(t, rec.AccumulatedMs)

	acct := h.account(t, "acct-1")
	assert.True(t, acct.Active)

	_, err = h.controller.Register(ctx, "acct-2", rec.ID)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = h.controller.Register(ctx, "", "s-x")
	assert.Error(t, err)
}

func TestStartEnd_NotFound(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.controller.Start(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.controller.End(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.controller.Touch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Start at 0, ticks at 10s and 20s, end at 25s credits exactly 25s.
func TestScenario_TicksThenEnd(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, "acct-1", "s1")

	h.start(t, "s1")

	h.clock.Set(epoch.Add(10 * time.Second))
	h.tick()
	h.clock.Set(epoch.Add(20 * time.Second))
	h.tick()
	h.clock.Set(epoch.Add(25 * time.Second))
	res := h.end(t, "s1")

	assert.True(t, res.Changed)
	assert.Equal(t, EventEnded, res.Kind)
	assert.Equal(t, int64(5000), res.FoldedMs)

	rec := h.session(t, "s1")
	assert.False(t, rec.Open())
	assert.Equal(t, int64(25000), rec.AccumulatedMs)
	assert.Equal(t, int64(25000), h.account(t, "acct-1").TotalDurationMs)
}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, "acct-1", "s1")

	first := h.start(t, "s1")
	assert.True(t, first.Changed)

	h.clock.Advance(5 * time.Second)
	second := h.start(t, "s1")
	assert.False(t, second.Changed)

	// The duplicate start must not move the window
	rec := h.session(t, "s1")
	assert.True(t, rec.StartedAt.Equal(epoch))
	assert.Equal(t, first.Session.Version, rec.Version)
}

func TestEnd_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, "acct-1", "s1")
	h.start(t, "s1")

	h.clock.Advance(42 * time.Second)
	first := h.end(t, "s1")
	assert.True(t, first.Changed)
	assert.Equal(t, int64(42000), first.Session.AccumulatedMs)

	h.clock.Advance(time.Minute)
	second := h.end(t, "s1")
	assert.False(t, second.Changed)
	assert.Equal(t, int64(42000), second.Session.AccumulatedMs)

	// Ending a never-started session is also a no-op
	h.register(t, "acct-1", "s2")
	res := h.end(t, "s2")
	assert.False(t, res.Changed)
	assert.Zero(t, res.Session.AccumulatedMs)
}

func TestRestart_AccumulatesAcrossWindows(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, "acct-1", "s1")

	h.start(t, "s1")
	h.clock.Advance(time.Minute)
	h.end(t, "s1")

	// Time while closed is never credited
	h.clock.Advance(time.Hour)

	h.start(t, "s1")
	h.clock.Advance(30 * time.Second)
	h.end(t, "s1")

	rec := h.session(t, "s1")
	assert.Equal(t, int64(90000), rec.AccumulatedMs)
	assert.True(t, rec.LastLoginAt.Equal(epoch.Add(time.Minute+time.Hour)))
	assert.Equal(t, int64(90000), h.account(t, "acct-1").TotalDurationMs)
}

func TestStart_InactiveAccount(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.register(t, "acct-1", "s1")

	_, err := h.controller.SetAccountActive(ctx, "acct-1", false)
	require.NoError(t, err)

	_, err = h.controller.Start(ctx, "s1")
	assert.ErrorIs(t, err, ErrAccountInactive)
	assert.False(t, h.session(t, "s1").Open())

	_, err = h.controller.SetAccountActive(ctx, "acct-1", true)
	require.NoError(t, err)
	h.start(t, "s1")
	assert.True(t, h.session(t, "s1").Open())
}

func TestTouch_ExtendsDeadline(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.register(t, "acct-1", "s1")
	h.start(t, "s1")

	h.clock.Advance(20 * time.Minute)
	res, err := h.controller.Touch(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, EventTouched, res.Kind)
	assert.Equal(t, int64(20*60*1000), res.Session.AccumulatedMs)
	assert.True(t, res.Session.LastActivityAt.Equal(epoch.Add(20*time.Minute)))

	// Without a tick for 40 minutes the window still only earns up to the
	// new deadline, 30 minutes after the touch.
	h.clock.Advance(40 * time.Minute)
	summary := h.tick()
	assert.Equal(t, 1, summary.Expired)

	rec := h.session(t, "s1")
	assert.False(t, rec.Open())
	assert.Equal(t, int64(50*60*1000), rec.AccumulatedMs)
}

func TestTouch_AfterDeadlineExpires(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.register(t, "acct-1", "s1")
	h.start(t, "s1")

	h.clock.Advance(40 * time.Minute)
	res, err := h.controller.Touch(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, EventExpired, res.Kind)
	assert.False(t, res.Session.Open())
	assert.Equal(t, int64(30*60*1000), res.Session.AccumulatedMs)

	// Touching a closed session does nothing
	h.clock.Advance(time.Minute)
	res, err = h.controller.Touch(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestMonotonicity_RandomSequence(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.register(t, "acct-1", "s1")

	rng := rand.New(rand.NewSource(7))
	var last int64

	for i := 0; i < 300; i++ {
		h.clock.Advance(time.Duration(rng.Intn(5*60*1000)) * time.Millisecond)

		var err error
		switch rng.Intn(4) {
		case 0:
			_, err = h.controller.Start(ctx, "s1")
		case 1:
			_, err = h.controller.End(ctx, "s1")
		case 2:
			_, err = h.controller.Touch(ctx, "s1")
		case 3:
			h.tick()
		}
		require.NoError(t, err)

		rec := h.session(t, "s1")
		require.GreaterOrEqual(t, rec.AccumulatedMs, last, "step %d decreased the total", i)
		last = rec.AccumulatedMs
	}

	assert.Equal(t, last, h.account(t, "acct-1").TotalDurationMs)
}

// racingSessions runs rival once before the first Update it sees, which
// makes that Update's expected version stale.
type racingSessions struct {
	storage.SessionStore
	rival func()
	fired atomic.Bool
}

func (r *racingSessions) Update(ctx context.Context, next storage.SessionRecord, expectedVersion int64) (*storage.SessionRecord, error) {
	if r.fired.CompareAndSwap(false, true) {
		r.rival()
	}
	return r.SessionStore.Update(ctx, next, expectedVersion)
}

func TestEnd_RacingTickNoDoubleCount(t *testing.T) {
	base := newHarness(t, testConfig())
	base.register(t, "acct-1", "s1")
	base.start(t, "s1")

	racing := &racingSessions{SessionStore: base.store.Sessions()}
	h := newHarnessWith(t, base.mr, base.store, racing, testConfig())
	h.clock.Set(epoch)

	// The rival is a clock tick on a second updater that lands between the
	// End's read and its write.
	rivalClock := NewManualClock(epoch.Add(10 * time.Second))
	rival := NewUpdater(base.store.Sessions(), rivalClock, testConfig(), base.updater.logger)
	racing.rival = func() {
		_, err := rival.Apply(context.Background(), "tick", "s1", tickWindow(rival.Config(), true))
		require.NoError(t, err)
	}

	h.clock.Set(epoch.Add(10 * time.Second))
	res := h.end(t, "s1")

	assert.True(t, res.Changed)
	assert.Zero(t, res.FoldedMs, "the tick already credited the window")

	rec := h.session(t, "s1")
	assert.False(t, rec.Open())
	assert.Equal(t, int64(10000), rec.AccumulatedMs)
	assert.Equal(t, int64(10000), h.account(t, "acct-1").TotalDurationMs)
}

// conflictingSessions loses every compare-and-update.
type conflictingSessions struct {
	storage.SessionStore
	attempts atomic.Int32
}

func (c *conflictingSessions) Update(context.Context, storage.SessionRecord, int64) (*storage.SessionRecord, error) {
	c.attempts.Add(1)
	return nil, storage.ErrConflict
}

func TestApply_RetryBudgetExhausted(t *testing.T) {
	base := newHarness(t, testConfig())
	base.register(t, "acct-1", "s1")

	cfg := testConfig()
	cfg.MaxUpdateAttempts = 3
	conflicting := &conflictingSessions{SessionStore: base.store.Sessions()}
	h := newHarnessWith(t, base.mr, base.store, conflicting, cfg)

	_, err := h.controller.Start(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int32(3), conflicting.attempts.Load())
	assert.False(t, h.session(t, "s1").Open())
}

// failingSessions makes every write fail as if storage were down.
type failingSessions struct {
	storage.SessionStore
}

func (failingSessions) Update(context.Context, storage.SessionRecord, int64) (*storage.SessionRecord, error) {
	return nil, errors.New("connection reset")
}

func TestApply_StorageFailureIsUnavailable(t *testing.T) {
	base := newHarness(t, testConfig())
	base.register(t, "acct-1", "s1")

	h := newHarnessWith(t, base.mr, base.store, failingSessions{base.store.Sessions()}, testConfig())

	_, err := h.controller.Start(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSubscribers_ReceiveEvents(t *testing.T) {
	h := newHarness(t, testConfig())

	var kinds []EventKind
	h.updater.Subscribe(func(ev Event) {
		kinds = append(kinds, ev.Kind)
	})

	h.register(t, "acct-1", "s1")
	h.start(t, "s1")
	h.clock.Advance(10 * time.Second)
	h.tick()
	h.clock.Advance(5 * time.Second)
	h.end(t, "s1")
	h.end(t, "s1") // no-op, no event

	assert.Equal(t, []EventKind{EventRegistered, EventStarted, EventFolded, EventEnded}, kinds)
	assert.True(t, EventEnded.Closes())
	assert.False(t, EventFolded.Closes())
}
