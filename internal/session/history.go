package session

import (
	"fmt"
	"strings"

	"github.com/joescharf/tdd/internal/models"
)

// HistoryTimeFormat is the timestamp layout of history lines.
const HistoryTimeFormat = "2006-01-02 15:04:05"

// History renders every event in order as "YYYY-MM-DD HH:MM:SS - ...".
func History(events []models.Event) []string {
	lines := make([]string, 0, len(events))
	for _, e := range events {
		lines = append(lines, FormatEvent(e))
	}
	return lines
}

// FormatEvent renders a single history line.
func FormatEvent(e models.Event) string {
	return e.Timestamp.Format(HistoryTimeFormat) + " - " + describeEvent(e)
}

func describeEvent(e models.Event) string {
	switch d := e.Data.(type) {
	case models.SessionStarted:
		return "Session started: " + d.Goal
	case models.SessionUpdated:
		return "Session updated: " + strings.Join(updatedFields(d), ", ")
	case models.PhaseChanged:
		from := "start"
		if d.FromPhase != nil {
			from = string(*d.FromPhase)
		}
		return fmt.Sprintf("Phase %s -> %s: %s", from, d.ToPhase, d.Evidence)
	case models.Rollback:
		return fmt.Sprintf("Rollback %s -> %s: %s", d.FromPhase, d.ToPhase, d.Reason)
	case models.LogEntry:
		return "Log: " + d.Message
	case models.SessionPaused:
		return "Session paused"
	case models.SessionResumed:
		return "Session resumed"
	case models.SessionEnded:
		return "Session ended"
	}
	return string(e.Type)
}

func updatedFields(u models.SessionUpdated) []string {
	var fields []string
	if u.Goal != nil {
		fields = append(fields, "goal")
	}
	if u.TestFiles != nil {
		fields = append(fields, "test_files")
	}
	if u.ImplementationFiles != nil {
		fields = append(fields, "implementation_files")
	}
	if u.RunTests != nil {
		fields = append(fields, "run_tests")
	}
	if u.CustomRules != nil {
		fields = append(fields, "custom_rules")
	}
	return fields
}

// Summary is the closing report returned by End.
func Summary(st *models.SessionState) string {
	return fmt.Sprintf("Session completed: %s\nFinal phase: %s\nCycles completed: %d\nTotal events: %d",
		st.Goal, st.CurrentPhase, st.CycleNumber, st.EventCount)
}
