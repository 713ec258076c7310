package presence

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/presence/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAudited(t *testing.T) *harness {
	t.Helper()

	h := newHarness(t, testConfig())
	h.register(t, "acct-1", "s1")
	h.register(t, "acct-1", "s2")
	h.register(t, "acct-2", "s3")
	h.start(t, "s1")
	h.start(t, "s3")
	h.advanceTicking(time.Minute)
	h.end(t, "s3")
	return h
}

func kinds(report *Report) []ViolationKind {
	out := make([]ViolationKind, 0, len(report.Violations))
	for _, v := range report.Violations {
		out = append(out, v.Kind)
	}
	return out
}

func TestAuditor_Healthy(t *testing.T) {
	h := seedAudited(t)

	report, err := h.auditor.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Healthy())
	assert.Equal(t, 2, report.Accounts)
	assert.Equal(t, 3, report.Sessions)
	assert.NotNil(t, report.Drifts)
	assert.NotNil(t, report.Violations)
}

func TestAuditor_DetectsDrift(t *testing.T) {
	h := seedAudited(t)

	h.mr.HSet("presence:account:acct-1", "total_ms", "999999")

	report, err := h.auditor.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Drifts, 1)
	d := report.Drifts[0]
	assert.Equal(t, "acct-1", d.AccountID)
	assert.Equal(t, int64(60000), d.ExpectedTotalMs)
	assert.Equal(t, int64(999999), d.ActualTotalMs)
	assert.Equal(t, int64(999999-60000), d.DriftMs)
	assert.Empty(t, report.Violations)
}

func TestAuditor_ToleratesSmallDrift(t *testing.T) {
	h := seedAudited(t)

	h.mr.HSet("presence:account:acct-1", "total_ms", "60900")

	report, err := h.auditor.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)
}

func TestAuditor_DetectsDecrease(t *testing.T) {
	h := seedAudited(t)
	ctx := context.Background()

	report, err := h.auditor.Run(ctx)
	require.NoError(t, err)
	require.True(t, report.Healthy())

	// Someone bypassed the updater and rolled the session back
	h.mr.HSet("presence:session:s3", "accumulated_ms", "1000")

	report, err = h.auditor.Run(ctx)
	require.NoError(t, err)
	assert.Contains(t, kinds(report), ViolationDurationDecreased)

	// The watermark is not lowered by the bad value
	marks, err := h.store.Audit().Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), marks["s3"])
}

func TestAuditor_DetectsNegativeAndInconsistent(t *testing.T) {
	h := seedAudited(t)

	h.mr.HSet("presence:session:s2", "accumulated_ms", "-5")
	h.mr.HSet("presence:session:s1", "started_at", epoch.Add(time.Hour).Format(time.RFC3339Nano))

	report, err := h.auditor.Run(context.Background())
	require.NoError(t, err)

	got := kinds(report)
	assert.Contains(t, got, ViolationNegativeDuration)
	assert.Contains(t, got, ViolationWindowInconsistent)
}

func TestAuditor_DetectsIndexMismatch(t *testing.T) {
	h := seedAudited(t)

	// s1 is open but dropped from the index; closed s2 and an unknown id
	// were added to it
	h.mr.SRem("presence:sessions:open", "s1")
	h.mr.SAdd("presence:sessions:open", "s2", "ghost")

	report, err := h.auditor.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Violations, 3)
	assert.Equal(t, ViolationOpenIndexOrphan, report.Violations[0].Kind)
	assert.Equal(t, "ghost", report.Violations[0].SessionID)
	assert.Equal(t, ViolationOpenWindowUnindexed, report.Violations[1].Kind)
	assert.Equal(t, "s1", report.Violations[1].SessionID)
	assert.Equal(t, ViolationClosedWindowIndexed, report.Violations[2].Kind)
	assert.Equal(t, "s2", report.Violations[2].SessionID)
}

func TestAuditor_ReportsUnreadableRecord(t *testing.T) {
	h := seedAudited(t)

	h.mr.HSet("presence:session:s1", "accumulated_ms", "garbage")

	report, err := h.auditor.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Violations, 1)
	v := report.Violations[0]
	assert.Equal(t, ViolationRecordUnreadable, v.Kind)
	assert.Equal(t, "s1", v.SessionID)
	assert.Equal(t, "acct-1", v.AccountID)
	assert.Equal(t, 3, report.Sessions)
	// The sum of acct-1 is unknown, so no drift is claimed for it
	assert.Empty(t, report.Drifts)
}

// interleavedStore runs a write once, right after the first read of the
// account list or of the open index.
type interleavedStore struct {
	storage.Store
	accounts *interleavedAccounts
	sessions *interleavedSessions
}

func newInterleavedStore(base storage.Store) *interleavedStore {
	return &interleavedStore{
		Store:    base,
		accounts: &interleavedAccounts{AccountStore: base.Accounts()},
		sessions: &interleavedSessions{SessionStore: base.Sessions()},
	}
}

func (s *interleavedStore) Accounts() storage.AccountStore { return s.accounts }
func (s *interleavedStore) Sessions() storage.SessionStore { return s.sessions }

type interleavedAccounts struct {
	storage.AccountStore
	afterList func()
	fired     atomic.Bool
}

func (a *interleavedAccounts) List(ctx context.Context) ([]storage.Account, error) {
	accounts, err := a.AccountStore.List(ctx)
	if a.afterList != nil && a.fired.CompareAndSwap(false, true) {
		a.afterList()
	}
	return accounts, err
}

type interleavedSessions struct {
	storage.SessionStore
	afterOpenIDs func()
	fired        atomic.Bool
}

func (s *interleavedSessions) OpenIDs(ctx context.Context) ([]string, error) {
	ids, err := s.SessionStore.OpenIDs(ctx)
	if s.afterOpenIDs != nil && s.fired.CompareAndSwap(false, true) {
		s.afterOpenIDs()
	}
	return ids, err
}

func TestAuditor_TickBetweenReadsIsNotDrift(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, "acct-1", "s1")
	h.start(t, "s1")

	store := newInterleavedStore(h.store)
	store.accounts.afterList = func() {
		h.clock.Advance(10 * time.Second)
		h.tick()
	}
	auditor := NewAuditor(store, h.clock, 0, zerolog.Nop())

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Drifts)
	assert.True(t, report.Healthy())
	assert.Equal(t, int64(10000), h.account(t, "acct-1").TotalDurationMs)
}

func TestAuditor_DriftSurvivesInterleavedTick(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, "acct-1", "s1")
	h.start(t, "s1")
	h.mr.HSet("presence:account:acct-1", "total_ms", "500000")

	store := newInterleavedStore(h.store)
	store.accounts.afterList = func() {
		h.clock.Advance(10 * time.Second)
		h.tick()
	}
	auditor := NewAuditor(store, h.clock, 0, zerolog.Nop())

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Drifts, 1)
	assert.Equal(t, int64(10000), report.Drifts[0].ExpectedTotalMs)
	assert.Equal(t, int64(510000), report.Drifts[0].ActualTotalMs)
}

func TestAuditor_LifecycleBetweenReadsIsNotViolation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		write func(t *testing.T, h *harness)
	}{
		{
			name:  "start",
			setup: func(t *testing.T, h *harness) {},
			write: func(t *testing.T, h *harness) { h.start(t, "s1") },
		},
		{
			name:  "end",
			setup: func(t *testing.T, h *harness) { h.start(t, "s1") },
			write: func(t *testing.T, h *harness) { h.end(t, "s1") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.register(t, "acct-1", "s1")
			h.register(t, "acct-1", "s2")
			tt.setup(t, h)
			h.clock.Advance(time.Minute)

			store := newInterleavedStore(h.store)
			store.sessions.afterOpenIDs = func() { tt.write(t, h) }
			auditor := NewAuditor(store, h.clock, 0, zerolog.Nop())

			report, err := auditor.Run(context.Background())
			require.NoError(t, err)

			assert.Empty(t, report.Violations)
			assert.True(t, report.Healthy())
		})
	}
}

func TestAuditor_PeriodicStartStop(t *testing.T) {
	h := seedAudited(t)

	h.auditor.Start(0) // disabled
	h.auditor.Stop()

	h.auditor.Start(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		marks, err := h.store.Audit().Watermarks(context.Background())
		return err == nil && len(marks) == 3
	}, 2*time.Second, 5*time.Millisecond)
	h.auditor.Stop()
}
