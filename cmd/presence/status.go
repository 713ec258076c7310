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
	statusAccount bool
)

var statusCmd = &cobra.Command{
	Use:   "status [flags] ID",
	Short: "Show the connection status of a session or account",
	Long:  `Read the stored state of a session, or with --account every session of an account, and show online status and connected time.`,
	Example: `  presence status 3f0c9a52-1d4e-4b8e-9a57-0f6f2d1c8b11
  presence -c config.yaml status --account acct-42`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusAccount, "account", false, "Treat ID as an account and list its sessions")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	trackerCfg := trackerConfig(cfg.Tracking, cfg.Audit)
	trackerCfg.CacheSize = 0
	queries := presence.NewPresence(store, presence.RealClock{}, trackerCfg, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if statusAccount {
		roster, err := queries.AccountRoster(ctx, args[0])
		if err != nil {
			return err
		}
		printRoster(os.Stdout, roster)
		return nil
	}

	status, err := queries.Status(ctx, args[0])
	if err != nil {
		return err
	}
	printStatus(os.Stdout, status)
	return nil
}

// printStatus prints one session's status with colors
func printStatus(w io.Writer, st *presence.Status) {
	green := color.New(color.FgGreen, color.Bold)
	faint := color.New(color.Faint)

	fmt.Fprintf(w, "Session:    %s\n", st.SessionID)
	fmt.Fprintf(w, "Account:    %s\n", st.AccountID)
	fmt.Fprint(w, "State:      ")
	switch {
	case st.Online:
		_, _ = green.Fprintf(w, "ONLINE for %s\n", st.OnlineFor)
	case st.Open:
		// Open but past its deadline; the next tick will expire it
		_, _ = faint.Fprintln(w, "STALE")
	default:
		_, _ = faint.Fprintln(w, "OFFLINE")
	}
	if st.LastLoginAt != nil {
		fmt.Fprintf(w, "Last login: %s (%s)\n", st.LastLoginAt.Local().Format(time.RFC1123), st.LastConnection)
	}
	fmt.Fprintf(w, "Last seen:  %s\n", st.LastSeenAt.Local().Format(time.RFC1123))
	if st.Lifetime.Estimate {
		fmt.Fprintf(w, "Total:      %s (estimated)\n", st.Total)
	} else {
		fmt.Fprintf(w, "Total:      %s\n", st.Total)
	}
}

// printRoster prints every session of an account
func printRoster(w io.Writer, roster *presence.Roster) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Fprintf(w, "Account %s\n", roster.AccountID)
	if !roster.Active {
		_, _ = red.Fprintln(w, "Tracking disabled")
	}
	fmt.Fprintf(w, "Online:     %d of %d session(s)\n", roster.Online, len(roster.Sessions))
	fmt.Fprintf(w, "Total:      %s\n", roster.Total)

	for i := range roster.Sessions {
		fmt.Fprintln(w)
		printStatus(w, &roster.Sessions[i])
	}
}
