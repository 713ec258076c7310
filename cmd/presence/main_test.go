package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/presence/internal/config"
	"github.com/goodtune/presence/internal/presence"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  api_port: 8080
  apiport: 1
tracking:
  tick_interval: 10s
  tick_intervall: 5s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys failed: %v", err)
	}

	want := []string{"server.apiport", "tracking.tick_intervall"}
	if strings.Join(unknown, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, unknown)
	}
}

func TestValidKeysCoverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  rate_limit_window: 30s
storage:
  postgres:
    auto_migrate: false
audit:
  tolerance: 2s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys failed: %v", err)
	}
	if len(unknown) != 0 {
		t.Errorf("Expected no unknown keys, got %v", unknown)
	}
}

func TestTrackerConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Tracking.TickInterval = "5s"
	cfg.Tracking.MaxFold = ""

	got := trackerConfig(cfg.Tracking, cfg.Audit)

	if got.TickInterval != 5*time.Second {
		t.Errorf("Expected 5s tick, got %s", got.TickInterval)
	}
	if got.InactivityTimeout != 30*time.Minute {
		t.Errorf("Expected 30m timeout, got %s", got.InactivityTimeout)
	}
	if got.MaxFold != 0 {
		t.Errorf("Expected unset max fold, got %s", got.MaxFold)
	}
	if got.AuditTolerance != time.Second {
		t.Errorf("Expected 1s tolerance, got %s", got.AuditTolerance)
	}
	if got.Workers != cfg.Tracking.Workers {
		t.Errorf("Expected %d workers, got %d", cfg.Tracking.Workers, got.Workers)
	}
}

func TestPrintReport_ExitCodes(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	healthy := &presence.Report{StartedAt: start, FinishedAt: start.Add(time.Second), Accounts: 1, Sessions: 2}
	drift := &presence.Report{
		StartedAt:  start,
		FinishedAt: start,
		Drifts:     []presence.Drift{{AccountID: "acct-1", ExpectedTotalMs: 60000, ActualTotalMs: 120000, DriftMs: 60000}},
	}
	violation := &presence.Report{
		StartedAt:  start,
		FinishedAt: start,
		Violations: []presence.Violation{{Kind: presence.ViolationNegativeDuration, SessionID: "s1", Detail: "accumulated -5ms"}},
	}

	tests := []struct {
		name   string
		report *presence.Report
		strict bool
		want   int
		output string
	}{
		{"healthy", healthy, true, 0, "HEALTHY"},
		{"drift", drift, false, 0, "acct-1: stored 2m, sessions sum to 1m (+60000ms)"},
		{"drift strict", drift, true, 1, "DRIFT"},
		{"violation", violation, false, 2, "s1 [negative_duration]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if got := printReport(&buf, tt.report, tt.strict); got != tt.want {
				t.Errorf("Expected exit code %d, got %d", tt.want, got)
			}
			if !strings.Contains(buf.String(), tt.output) {
				t.Errorf("Expected output to contain %q, got:\n%s", tt.output, buf.String())
			}
		})
	}
}

func TestPrintRoster(t *testing.T) {
	login := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	roster := &presence.Roster{
		AccountID: "acct-1",
		Active:    false,
		Total:     "1h 5m",
		Online:    1,
		Sessions: []presence.Status{
			{SessionID: "s1", AccountID: "acct-1", Online: true, Open: true, OnlineFor: "5m", LastLoginAt: &login, LastConnection: "today", Total: "1h 5m", Lifetime: presence.Lifetime{Estimate: true}},
			{SessionID: "s2", AccountID: "acct-1", Total: "0m"},
		},
	}

	var buf bytes.Buffer
	printRoster(&buf, roster)
	out := buf.String()

	for _, want := range []string{"Tracking disabled", "Online:     1 of 2 session(s)", "ONLINE for 5m", "OFFLINE", "1h 5m (estimated)", "(today)"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestDumpConfig_HighlightsChanges(t *testing.T) {
	cfg := config.Defaults()
	cfg.Tracking.Workers = 3
	cfg.Storage.Postgres.DSN = "postgres://user:secret@db/presence"

	var buf bytes.Buffer
	dumpConfig(&buf, cfg, config.Defaults(), []string{"server.apiport"})
	out := buf.String()

	if !strings.Contains(out, "workers = 3  (modified from default: 8)") {
		t.Errorf("Expected modified workers, got:\n%s", out)
	}
	if strings.Contains(out, "secret") {
		t.Error("Expected DSN to be redacted")
	}
	if !strings.Contains(out, "server.apiport = (unknown key") {
		t.Error("Expected unknown key section")
	}
}
