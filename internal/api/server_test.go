package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/presence"
	redisstore "github.com/goodtune/presence/internal/storage/redis"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	server *Server
	clock  *presence.ManualClock
}

func newTestServerOn(t *testing.T, mr *miniredis.Miniredis, cfg Config) *testServer {
	t.Helper()

	store := redisstore.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	logger := zerolog.Nop()
	pcfg := presence.Config{
		TickInterval:      10 * time.Second,
		InactivityTimeout: 30 * time.Minute,
	}
	clock := presence.NewManualClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	updater := presence.NewUpdater(store.Sessions(), clock, pcfg, logger)
	p := presence.NewPresence(store, clock, pcfg, logger)
	updater.Subscribe(p.Invalidate)

	s := NewServer(cfg, store,
		presence.NewController(store, updater, logger),
		p,
		presence.NewAuditor(store, clock, 0, logger),
		logger)
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})

	return &testServer{server: s, clock: clock}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerOn(t, miniredis.RunT(t), Config{})
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestSessions_Lifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/sessions", map[string]string{"account_id": "acct-1", "session_id": "s1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = ts.do(t, "POST", "/api/sessions/s1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var started presence.Result
	decode(t, rec, &started)
	assert.True(t, started.Changed)
	assert.NotNil(t, started.Session.StartedAt)

	ts.clock.Advance(25 * time.Second)

	rec = ts.do(t, "POST", "/api/sessions/s1/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ended presence.Result
	decode(t, rec, &ended)
	assert.Equal(t, int64(25000), ended.Session.AccumulatedMs)
	assert.Nil(t, ended.Session.StartedAt)

	rec = ts.do(t, "GET", "/api/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status presence.Status
	decode(t, rec, &status)
	assert.False(t, status.Online)
	assert.Equal(t, int64(25000), status.Lifetime.AccumulatedMs)
	assert.Equal(t, "0m", status.Total)
}

func TestSessions_GeneratedID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/sessions", map[string]string{"account_id": "acct-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "acct-1", body["account_id"])
}

func TestSessions_Errors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/sessions", map[string]string{"account_id": "acct-1", "session_id": "s1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"duplicate", "POST", "/api/sessions", map[string]string{"account_id": "acct-1", "session_id": "s1"}, http.StatusConflict},
		{"missing account", "POST", "/api/sessions", map[string]string{"session_id": "s2"}, http.StatusBadRequest},
		{"unknown session", "GET", "/api/sessions/nope", nil, http.StatusNotFound},
		{"start unknown", "POST", "/api/sessions/nope/start", nil, http.StatusNotFound},
		{"end unknown", "POST", "/api/sessions/nope/end", nil, http.StatusNotFound},
		{"activity unknown", "POST", "/api/sessions/nope/activity", nil, http.StatusNotFound},
		{"unknown account", "GET", "/api/accounts/nope/sessions", nil, http.StatusNotFound},
		{"missing active flag", "PUT", "/api/accounts/acct-1", map[string]string{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)

			var errResp ErrorResponse
			decode(t, rec, &errResp)
			assert.Equal(t, tt.want, errResp.Code)
			assert.Equal(t, http.StatusText(tt.want), errResp.Error)
		})
	}
}

func TestSessions_InvalidBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/sessions", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccounts_InactiveRejectsStart(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.do(t, "POST", "/api/sessions", map[string]string{"account_id": "acct-1", "session_id": "s1"}).Code)

	rec := ts.do(t, "PUT", "/api/accounts/acct-1", map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	var acct map[string]interface{}
	decode(t, rec, &acct)
	assert.Equal(t, false, acct["active"])

	rec = ts.do(t, "POST", "/api/sessions/s1/start", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAccounts_Roster(t *testing.T) {
	ts := newTestServer(t)

	for _, id := range []string{"s2", "s1"} {
		require.Equal(t, http.StatusCreated, ts.do(t, "POST", "/api/sessions", map[string]string{"account_id": "acct-1", "session_id": id}).Code)
	}
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/api/sessions/s1/start", nil).Code)
	ts.clock.Advance(time.Minute)

	rec := ts.do(t, "GET", "/api/accounts/acct-1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var roster presence.Roster
	decode(t, rec, &roster)
	assert.Equal(t, "acct-1", roster.AccountID)
	assert.True(t, roster.Active)
	assert.Equal(t, 1, roster.Online)
	require.Len(t, roster.Sessions, 2)
	assert.Equal(t, "s1", roster.Sessions[0].SessionID)
	assert.Equal(t, int64(60000), roster.Sessions[0].CurrentWindowMs)
}

func TestAudit_Report(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.do(t, "POST", "/api/sessions", map[string]string{"account_id": "acct-1", "session_id": "s1"}).Code)

	rec := ts.do(t, "GET", "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report presence.Report
	decode(t, rec, &report)
	assert.True(t, report.Healthy())
	assert.Equal(t, 1, report.Accounts)
	assert.Equal(t, 1, report.Sessions)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_StoreDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	ts := newTestServerOn(t, mr, Config{})
	mr.Close()

	rec := ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServerOn(t, miniredis.RunT(t), Config{RateLimit: 2, RateLimitWindow: time.Minute})

	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, "GET", "/health", nil).Code)
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	ts := newTestServer(t)

	counter := metrics.RequestsTotal.WithLabelValues("/api/sessions/{id}", "GET", "404")
	before := testutil.ToFloat64(counter)

	ts.do(t, "GET", "/api/sessions/abc", nil)
	ts.do(t, "GET", "/api/sessions/def", nil)

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}
