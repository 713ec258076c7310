package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/storage"
	"github.com/rs/zerolog"
)

// ViolationKind names a broken record invariant.
type ViolationKind string

const (
	ViolationDurationDecreased   ViolationKind = "duration_decreased"
	ViolationNegativeDuration    ViolationKind = "negative_duration"
	ViolationWindowInconsistent  ViolationKind = "window_inconsistent"
	ViolationOpenWindowUnindexed ViolationKind = "open_window_unindexed"
	ViolationClosedWindowIndexed ViolationKind = "closed_window_indexed"
	ViolationOpenIndexOrphan     ViolationKind = "open_index_orphan"
	ViolationRecordUnreadable    ViolationKind = "record_unreadable"
)

// auditRereads bounds the confirming re-reads of one finding.
const auditRereads = 3

// Drift is an account whose aggregate disagrees with its sessions.
type Drift struct {
	AccountID       string `json:"account_id"`
	ExpectedTotalMs int64  `json:"expected_total_ms"`
	ActualTotalMs   int64  `json:"actual_total_ms"`
	DriftMs         int64  `json:"drift_ms"`
}

// Violation is a session record that breaks an invariant.
type Violation struct {
	Kind      ViolationKind `json:"kind"`
	SessionID string        `json:"session_id"`
	AccountID string        `json:"account_id,omitempty"`
	Detail    string        `json:"detail"`
}

// Report is the outcome of one audit pass.
type Report struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Accounts   int         `json:"accounts"`
	Sessions   int         `json:"sessions"`
	Drifts     []Drift     `json:"drifts"`
	Violations []Violation `json:"violations"`
}

// Healthy reports whether the audit found nothing.
func (r *Report) Healthy() bool {
	return len(r.Drifts) == 0 && len(r.Violations) == 0
}

// Auditor checks the account aggregates and session invariants. It reports
// and never corrects.
type Auditor struct {
	store     storage.Store
	clock     Clock
	tolerance time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewAuditor creates an auditor. Drift up to tolerance is ignored.
func NewAuditor(store storage.Store, clock Clock, tolerance time.Duration, logger zerolog.Logger) *Auditor {
	if clock == nil {
		clock = RealClock{}
	}
	if tolerance <= 0 {
		tolerance = DefaultAuditTolerance
	}
	return &Auditor{
		store:     store,
		clock:     clock,
		tolerance: tolerance,
		logger:    logger.With().Str("component", "auditor").Logger(),
	}
}

// Run performs one full audit pass. Watermarks are raised to the values
// observed so later passes can detect a decrease.
//
// Drift and index findings are re-read before they are reported, so writes
// that land between the reads of a live store do not show up as findings.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	report, err := a.run(ctx)
	if err != nil {
		metrics.AuditRuns.WithLabelValues("error").Inc()
		return nil, classify(err)
	}

	sort.Slice(report.Drifts, func(i, j int) bool {
		return report.Drifts[i].AccountID < report.Drifts[j].AccountID
	})
	sort.Slice(report.Violations, func(i, j int) bool {
		if report.Violations[i].SessionID != report.Violations[j].SessionID {
			return report.Violations[i].SessionID < report.Violations[j].SessionID
		}
		return report.Violations[i].Kind < report.Violations[j].Kind
	})
	report.FinishedAt = a.clock.Now()

	a.record(report)
	return report, nil
}

func (a *Auditor) run(ctx context.Context) (*Report, error) {
	report := &Report{
		StartedAt:  a.clock.Now(),
		Drifts:     []Drift{},
		Violations: []Violation{},
	}

	accounts, err := a.store.Accounts().List(ctx)
	if err != nil {
		return nil, err
	}

	openIDs, err := a.store.Sessions().OpenIDs(ctx)
	if err != nil {
		return nil, err
	}
	indexed := make(map[string]bool, len(openIDs))
	for _, id := range openIDs {
		indexed[id] = false
	}

	marks, err := a.store.Audit().Watermarks(ctx)
	if err != nil {
		return nil, err
	}

	// Sessions whose open-index membership disagreed with the first read.
	var suspects []string

	for _, account := range accounts {
		sessions, unreadable, err := a.listSessions(ctx, account.ID)
		if err != nil {
			return nil, err
		}

		report.Accounts++
		report.Sessions += len(sessions) + len(unreadable)

		for _, id := range unreadable {
			if _, ok := indexed[id]; ok {
				indexed[id] = true
			}
			report.Violations = append(report.Violations, Violation{
				Kind:      ViolationRecordUnreadable,
				SessionID: id,
				AccountID: account.ID,
				Detail:    "session record cannot be decoded",
			})
		}

		var expected int64
		for i := range sessions {
			rec := &sessions[i]
			expected += rec.AccumulatedMs

			_, inIndex := indexed[rec.ID]
			if inIndex {
				indexed[rec.ID] = true
			}
			if indexViolation(rec, inIndex) != nil {
				suspects = append(suspects, rec.ID)
			}
			report.Violations = append(report.Violations, a.checkSession(ctx, rec, marks)...)
		}

		// Unreadable sessions make the expected sum meaningless.
		if len(unreadable) > 0 || abs(account.TotalDurationMs-expected) <= a.tolerance.Milliseconds() {
			continue
		}
		drift, err := a.confirmDrift(ctx, account.ID, expected)
		if err != nil {
			return nil, err
		}
		if drift != nil {
			report.Drifts = append(report.Drifts, *drift)
		}
	}

	for id, seen := range indexed {
		if !seen {
			suspects = append(suspects, id)
		}
	}
	for _, id := range suspects {
		v, err := a.confirmIndex(ctx, id)
		if err != nil {
			return nil, err
		}
		if v != nil {
			report.Violations = append(report.Violations, *v)
		}
	}

	return report, nil
}

// listSessions returns the readable sessions of an account and the IDs of
// the ones that could not be decoded.
func (a *Auditor) listSessions(ctx context.Context, accountID string) ([]storage.SessionRecord, []string, error) {
	sessions, err := a.store.Sessions().ListByAccount(ctx, accountID)
	var corrupt *storage.CorruptError
	switch {
	case errors.As(err, &corrupt):
		return sessions, corrupt.IDs, nil
	case err != nil:
		return nil, nil, err
	}
	return sessions, nil, nil
}

// confirmDrift re-reads the account aggregate between two reads of its
// sessions. The aggregate only moves together with a session total, so when
// the session sum is unchanged across the aggregate read the pair is
// consistent. prevSum is the sum of the read that raised the suspicion.
func (a *Auditor) confirmDrift(ctx context.Context, accountID string, prevSum int64) (*Drift, error) {
	for attempt := 0; attempt < auditRereads; attempt++ {
		account, err := a.store.Accounts().Get(ctx, accountID)
		if err != nil {
			return nil, err
		}

		sessions, unreadable, err := a.listSessions(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if len(unreadable) > 0 {
			return nil, nil
		}
		var sum int64
		for i := range sessions {
			sum += sessions[i].AccumulatedMs
		}

		if sum == prevSum {
			d := account.TotalDurationMs - sum
			if abs(d) <= a.tolerance.Milliseconds() {
				return nil, nil
			}
			return &Drift{
				AccountID:       accountID,
				ExpectedTotalMs: sum,
				ActualTotalMs:   account.TotalDurationMs,
				DriftMs:         d,
			}, nil
		}
		prevSum = sum
	}

	a.logger.Warn().Str("account_id", accountID).Msg("Account kept changing during audit, drift check skipped")
	return nil, nil
}

// confirmIndex re-reads a session around a read of the open index. A stable
// version means the membership belongs to that record state, since both
// change in the same write.
func (a *Auditor) confirmIndex(ctx context.Context, id string) (*Violation, error) {
	for attempt := 0; attempt < auditRereads; attempt++ {
		before, err := a.store.Sessions().Get(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			before = nil
		case errors.Is(err, storage.ErrCorrupt):
			// Reported as unreadable by its account.
			return nil, nil
		case err != nil:
			return nil, err
		}

		inIndex, err := a.openIndexed(ctx, id)
		if err != nil {
			return nil, err
		}

		if before == nil {
			if !inIndex {
				return nil, nil
			}
			return &Violation{
				Kind:      ViolationOpenIndexOrphan,
				SessionID: id,
				Detail:    "open index references a session no account owns",
			}, nil
		}

		after, err := a.store.Sessions().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if after.Version == before.Version {
			return indexViolation(after, inIndex), nil
		}
	}

	a.logger.Warn().Str("session_id", id).Msg("Session kept changing during audit, index check skipped")
	return nil, nil
}

func (a *Auditor) openIndexed(ctx context.Context, id string) (bool, error) {
	ids, err := a.store.Sessions().OpenIDs(ctx)
	if err != nil {
		return false, err
	}
	for _, open := range ids {
		if open == id {
			return true, nil
		}
	}
	return false, nil
}

func indexViolation(rec *storage.SessionRecord, inIndex bool) *Violation {
	v := &Violation{SessionID: rec.ID, AccountID: rec.AccountID}
	switch {
	case rec.Open() && !inIndex:
		v.Kind = ViolationOpenWindowUnindexed
		v.Detail = "open window missing from the open index"
	case !rec.Open() && inIndex:
		v.Kind = ViolationClosedWindowIndexed
		v.Detail = "closed window still in the open index"
	default:
		return nil
	}
	return v
}

func (a *Auditor) checkSession(ctx context.Context, rec *storage.SessionRecord, marks map[string]int64) []Violation {
	var found []Violation
	add := func(kind ViolationKind, detail string) {
		found = append(found, Violation{
			Kind:      kind,
			SessionID: rec.ID,
			AccountID: rec.AccountID,
			Detail:    detail,
		})
	}

	if rec.AccumulatedMs < 0 {
		add(ViolationNegativeDuration, fmt.Sprintf("accumulated %dms", rec.AccumulatedMs))
	}

	mark, known := marks[rec.ID]
	switch {
	case known && rec.AccumulatedMs < mark:
		add(ViolationDurationDecreased, fmt.Sprintf("accumulated %dms below previously observed %dms", rec.AccumulatedMs, mark))
	case !known || rec.AccumulatedMs > mark:
		if err := a.store.Audit().RaiseWatermark(ctx, rec.ID, rec.AccumulatedMs); err != nil {
			a.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("Failed to raise watermark")
		}
	}

	if rec.Open() && rec.StartedAt.After(rec.LastSeenAt) {
		add(ViolationWindowInconsistent, fmt.Sprintf("started_at %s after last_seen_at %s",
			rec.StartedAt.Format(time.RFC3339Nano), rec.LastSeenAt.Format(time.RFC3339Nano)))
	}

	return found
}

func (a *Auditor) record(report *Report) {
	metrics.AuditDriftAccounts.Set(float64(len(report.Drifts)))

	for _, d := range report.Drifts {
		a.logger.Warn().
			Str("account_id", d.AccountID).
			Int64("expected_total_ms", d.ExpectedTotalMs).
			Int64("actual_total_ms", d.ActualTotalMs).
			Int64("drift_ms", d.DriftMs).
			Msg("Account aggregate drifted from session totals")
	}
	for _, v := range report.Violations {
		metrics.AuditViolations.WithLabelValues(string(v.Kind)).Inc()
		a.logger.Error().
			Str("kind", string(v.Kind)).
			Str("session_id", v.SessionID).
			Str("account_id", v.AccountID).
			Str("detail", v.Detail).
			Msg("Session invariant violated")
	}

	result := "healthy"
	if !report.Healthy() {
		result = "unhealthy"
	}
	metrics.AuditRuns.WithLabelValues(result).Inc()

	a.logger.Info().
		Int("accounts", report.Accounts).
		Int("sessions", report.Sessions).
		Int("drifts", len(report.Drifts)).
		Int("violations", len(report.Violations)).
		Msg("Audit complete")
}

// Start runs the audit every interval until Stop. A non-positive interval
// does nothing.
func (a *Auditor) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopChan != nil {
		return
	}
	a.stopChan = make(chan struct{})
	a.done = make(chan struct{})

	go func(stopChan <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := a.Run(ctx); err != nil {
					a.logger.Error().Err(err).Msg("Audit failed")
				}
				cancel()
			case <-stopChan:
				return
			}
		}
	}(a.stopChan, a.done)

	a.logger.Info().Dur("interval", interval).Msg("Periodic audit started")
}

// Stop halts the periodic audit.
func (a *Auditor) Stop() {
	a.mu.Lock()
	stopChan, done := a.stopChan, a.done
	a.stopChan, a.done = nil, nil
	a.mu.Unlock()

	if stopChan == nil {
		return
	}
	close(stopChan)
	<-done
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
