// Package guide holds the instructions handed to agents: the initialize
// text and context-aware quick help.
package guide

import (
	_ "embed"
	"strconv"
	"strings"

	"github.com/joescharf/tdd/internal/models"
)

//go:embed initialize.md
var initializeText string

// Initialize returns the usage instructions for a newly connected agent.
func Initialize() string {
	return strings.TrimSpace(initializeText)
}

// QuickHelp is context-aware help for the current session, or for no session.
type QuickHelp struct {
	CurrentContext    string            `json:"current_context"`
	AvailableActions  []string          `json:"available_actions"`
	QuickCommands     map[string]string `json:"quick_commands"`
	WorkflowReminders []string          `json:"workflow_reminders"`
}

// NoSessionHelp is returned when no session is active.
func NoSessionHelp() QuickHelp {
	return QuickHelp{
		CurrentContext: "No active session",
		AvailableActions: []string{
			"Start a new session with: start_session(goal, test_files, implementation_files, run_tests, custom_rules)",
			"Resume an existing session with: resume_session(session_id)",
			"List existing sessions with: tdd session list",
		},
		QuickCommands: map[string]string{
			"start":  "start_session(...)",
			"resume": "resume_session(session_id)",
			"status": "get_current_state()",
		},
		WorkflowReminders: []string{
			"Start with a clear goal and definition of done",
			"Name the test and implementation files explicitly",
			"Say how the test suite is run",
		},
	}
}

// SessionHelp is returned while a session is active.
func SessionHelp(st *models.SessionState) QuickHelp {
	return QuickHelp{
		CurrentContext:   string(st.CurrentPhase) + " phase, cycle " + strconv.Itoa(st.CycleNumber),
		AvailableActions: PhaseActions(st),
		QuickCommands: map[string]string{
			"next":     "next_phase(evidence_description)",
			"rollback": "rollback(reason)",
			"status":   "get_current_state()",
			"log":      "log(message)",
			"pause":    "pause_session()",
		},
		WorkflowReminders: PhaseReminders(st.CurrentPhase),
	}
}

// PhaseActions lists what the agent can do in the current phase.
func PhaseActions(st *models.SessionState) []string {
	switch st.CurrentPhase {
	case models.PhaseWriteTest:
		return []string{
			"Write a failing test in: " + strings.Join(st.TestFiles, ", "),
			"Call next_phase('wrote failing test for <behavior>') when done",
			"Use log('<note>') to record decisions",
		}
	case models.PhaseImplement:
		return []string{
			"Write minimal code to make the test pass in: " + strings.Join(st.ImplementationFiles, ", "),
			"Run tests with: " + strings.Join(st.RunTests, ", "),
			"Call next_phase('implemented <functionality>') when done",
			"Or call next_phase('<evidence>', skip_refactor=true) to start the next cycle directly",
		}
	case models.PhaseRefactor:
		return []string{
			"Improve code quality in: " + strings.Join(st.AllowedFiles(), ", "),
			"Call next_phase('refactored <improvements>') when done",
			"Or call next_phase('no refactoring needed') to move on",
		}
	}
	return []string{"Unknown phase - check session state"}
}

// PhaseReminders are the discipline rules for phase.
func PhaseReminders(phase models.Phase) []string {
	switch phase {
	case models.PhaseWriteTest:
		return []string{
			"Write only ONE test per cycle",
			"The test must fail before you move to implement",
			"Focus on a single behavior",
		}
	case models.PhaseImplement:
		return []string{
			"Write the simplest code that makes the test pass",
			"Don't over-engineer; just make it green",
			"Solve the test case, not the general problem",
		}
	case models.PhaseRefactor:
		return []string{
			"Improve structure without changing behavior",
			"Tests must still pass after refactoring",
			"Refactoring is optional",
		}
	}
	return []string{"Follow the TDD cycle strictly"}
}
