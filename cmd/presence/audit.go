package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/presence/internal/config"
	"github.com/goodtune/presence/internal/presence"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	auditStrict bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check stored durations for consistency",
	Long: `Run one consistency audit against the configured storage. Account totals
are compared with the sum of their sessions and every session record is
checked for invariant violations. Nothing is corrected.

Exits 2 when violations are found, and 1 on account drift with --strict.`,
	Example: `  presence -c config.yaml audit
  presence audit --strict`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().BoolVar(&auditStrict, "strict", false, "Treat account drift as a failure")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Quiet logger for one-shot commands
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	tolerance := config.ParseDuration(cfg.Audit.Tolerance, presence.DefaultAuditTolerance)
	auditor := presence.NewAuditor(store, presence.RealClock{}, tolerance, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	report, err := auditor.Run(ctx)
	if err != nil {
		return fmt.Errorf("audit failed: %w", err)
	}

	if code := printReport(os.Stdout, report, auditStrict); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// printReport renders an audit report and returns the exit code it
// warrants.
func printReport(w io.Writer, report *presence.Report, strict bool) int {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Fprintln(w)
	_, _ = cyan.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Fprintln(w, "PRESENCE CONSISTENCY AUDIT")
	_, _ = cyan.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Accounts:   %d\n", report.Accounts)
	fmt.Fprintf(w, "Sessions:   %d\n", report.Sessions)
	fmt.Fprintf(w, "Took:       %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Fprintln(w)

	if len(report.Drifts) > 0 {
		_, _ = yellow.Fprintf(w, "Drift:      %d account(s)\n", len(report.Drifts))
		for _, d := range report.Drifts {
			fmt.Fprintf(w, "            → %s: stored %s, sessions sum to %s (%+dms)\n",
				d.AccountID,
				presence.FormatDuration(d.ActualTotalMs),
				presence.FormatDuration(d.ExpectedTotalMs),
				d.DriftMs)
		}
		fmt.Fprintln(w)
	}

	if len(report.Violations) > 0 {
		_, _ = red.Fprintf(w, "Violations: %d\n", len(report.Violations))
		for _, v := range report.Violations {
			fmt.Fprintf(w, "            → %s [%s] %s\n", v.SessionID, v.Kind, v.Detail)
		}
		fmt.Fprintln(w)
	}

	_, _ = cyan.Fprint(w, "Result:     ")
	code := 0
	switch {
	case len(report.Violations) > 0:
		_, _ = red.Fprintln(w, "VIOLATIONS")
		code = 2
	case len(report.Drifts) > 0:
		_, _ = yellow.Fprintln(w, "DRIFT")
		if strict {
			code = 1
		}
	default:
		_, _ = green.Fprintln(w, "HEALTHY")
	}

	fmt.Fprintln(w)
	_, _ = cyan.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w)

	return code
}
