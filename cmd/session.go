package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tdd/internal/output"
	"github.com/joescharf/tdd/internal/session"
	"github.com/joescharf/tdd/internal/store"
	"github.com/joescharf/tdd/internal/watch"
)

var (
	sessionStatus      string
	sessionUnlockForce bool
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Inspect and repair stored TDD sessions",
	Long: `Inspect stored sessions without taking their locks.

Running bare 'tdd session' is the same as 'tdd session list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored sessions with phase, cycle and lock status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the replayed state of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(cmd.Context(), args[0])
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print every event of a session in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionHistoryRun(cmd.Context(), args[0])
	},
}

var sessionUnlockCmd = &cobra.Command{
	Use:   "unlock <session-id>",
	Short: "Remove an abandoned session lock",
	Long: `Remove the lock of a session whose holder is gone.

A lock is removed without --force only when it looks stale: its holder
process on this host no longer exists, or it is older than lock.stale_after.
Use --force to break a lock whose holder still appears to be alive.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionUnlockRun(cmd.Context(), args[0])
	},
}

var sessionWatchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a session's history as it changes (file backend)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionWatchRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Filter by status (active, paused, stale, ended, corrupted)")
	sessionUnlockCmd.Flags().BoolVar(&sessionUnlockForce, "force", false, "Break the lock even if its holder looks alive")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	sessionCmd.AddCommand(sessionUnlockCmd)
	sessionCmd.AddCommand(sessionWatchCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionListRun(ctx context.Context) error {
	reg, err := getRegistry(ctx)
	if err != nil {
		return err
	}
	overviews, err := reg.Overviews(ctx)
	if err != nil {
		return err
	}

	var rows []session.Overview
	for _, ov := range overviews {
		if sessionStatus == "" || ov.Status == sessionStatus {
			rows = append(rows, ov)
		}
	}
	if len(rows) == 0 {
		ui.Info("No sessions found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Status", "Phase", "Cycle", "Goal", "Updated"})
	for _, ov := range rows {
		phase, cycle, goal, updated := "-", "-", "-", "-"
		if ov.State != nil {
			phase = output.PhaseColor(string(ov.State.CurrentPhase))
			cycle = output.CycleColor(ov.State.CycleNumber)
			goal = truncate(ov.State.Goal, 40)
			updated = timeAgo(ov.State.UpdatedAt)
		}
		table.Append([]string{ov.ID, output.StatusColor(ov.Status), phase, cycle, goal, updated})
	}
	return table.Render()
}

func sessionShowRun(ctx context.Context, id string) error {
	reg, err := getRegistry(ctx)
	if err != nil {
		return err
	}
	ov, err := reg.Inspect(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session:   %s\n", output.Cyan(ov.ID))
	fmt.Fprintf(ui.Out, "Status:    %s\n", output.StatusColor(ov.Status))
	if ov.Lock != nil {
		fmt.Fprintf(ui.Out, "Locked by: %s (%s)\n", ov.Lock.LockedBy, timeAgo(ov.Lock.LockedAt))
	}
	if ov.State == nil {
		ui.Error("%s", ov.Error)
		return nil
	}

	st := ov.State
	fmt.Fprintf(ui.Out, "Goal:      %s\n", st.Goal)
	fmt.Fprintf(ui.Out, "Phase:     %s\n", output.PhaseColor(string(st.CurrentPhase)))
	fmt.Fprintf(ui.Out, "Cycle:     %d\n", st.CycleNumber)
	fmt.Fprintf(ui.Out, "Started:   %s\n", st.StartedAt.Local().Format(session.HistoryTimeFormat))
	fmt.Fprintf(ui.Out, "Duration:  %s\n", formatDuration(st.UpdatedAt.Sub(st.StartedAt)))
	fmt.Fprintf(ui.Out, "Events:    %d\n", st.EventCount)
	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "Test files:           %s\n", strings.Join(st.TestFiles, ", "))
	fmt.Fprintf(ui.Out, "Implementation files: %s\n", strings.Join(st.ImplementationFiles, ", "))
	fmt.Fprintf(ui.Out, "Run tests:            %s\n", strings.Join(st.RunTests, "; "))
	if !st.Ended {
		fmt.Fprintf(ui.Out, "Allowed files:        %s\n", strings.Join(st.AllowedFiles(), ", "))
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "Next: %s\n", st.SuggestedNextAction())
	}
	ui.VerboseLog("rules: %s", strings.Join(st.RulesReminder(), " | "))
	ui.VerboseLog("state digest: %s", ov.Digest)

	if ov.Stale {
		fmt.Fprintln(ui.Out)
		ui.Warning("Lock looks stale; run 'tdd session unlock %s' to release it", ov.ID)
	}
	return nil
}

func sessionHistoryRun(ctx context.Context, id string) error {
	s, err := getStore(ctx)
	if err != nil {
		return err
	}
	events, err := s.LoadEvents(ctx, id)
	if err != nil {
		return err
	}
	for _, line := range session.History(events) {
		fmt.Fprintln(ui.Out, line)
	}
	return nil
}

func sessionUnlockRun(ctx context.Context, id string) error {
	reg, err := getRegistry(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		info, err := reg.Store().LockInfo(ctx, id)
		if err != nil {
			return err
		}
		if info == nil {
			ui.Info("Session %s is not locked", id)
			return nil
		}
		ui.DryRunMsg("Would remove lock held by %s", info.LockedBy)
		return nil
	}

	removed, err := reg.BreakLock(ctx, id, sessionUnlockForce)
	if err != nil {
		return err
	}
	if removed == nil {
		ui.Info("Session %s is not locked", id)
		return nil
	}
	ui.Success("Removed lock held by %s (since %s)", removed.LockedBy, timeAgo(removed.LockedAt))
	return nil
}

func sessionWatchRun(ctx context.Context, id string) error {
	cfg := storeConfig()
	if cfg.Backend != "" && cfg.Backend != store.BackendFile {
		return fmt.Errorf("watch needs the file backend (backend is %q)", cfg.Backend)
	}
	s, err := getStore(ctx)
	if err != nil {
		return err
	}
	ui.VerboseLog("watching %s", viper.GetString("session_dir"))
	return watch.Follow(ctx, s, cfg.SessionDir, id, func(line string) {
		fmt.Fprintln(ui.Out, line)
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
