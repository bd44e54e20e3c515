package guide

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/tdd/internal/models"
)

func TestInitialize(t *testing.T) {
	text := Initialize()
	assert.Contains(t, text, "start_session")
	assert.Contains(t, text, "skip_refactor")
	assert.NotContains(t, text, "\n\n\n")
}

func TestNoSessionHelp(t *testing.T) {
	h := NoSessionHelp()
	assert.Equal(t, "No active session", h.CurrentContext)
	assert.Contains(t, h.QuickCommands, "resume")
	assert.Len(t, h.AvailableActions, 3)
}

func TestSessionHelp(t *testing.T) {
	st := &models.SessionState{
		CurrentPhase:        models.PhaseImplement,
		CycleNumber:         2,
		TestFiles:           []string{"a_test.go"},
		ImplementationFiles: []string{"a.go"},
		RunTests:            []string{"go test ./..."},
	}
	h := SessionHelp(st)
	assert.Equal(t, "implement phase, cycle 2", h.CurrentContext)
	assert.Contains(t, h.AvailableActions[0], "a.go")
	assert.Contains(t, h.AvailableActions[1], "go test ./...")
	assert.Equal(t, PhaseReminders(models.PhaseImplement), h.WorkflowReminders)
}

func TestPhaseActions_RefactorListsAllFiles(t *testing.T) {
	st := &models.SessionState{
		CurrentPhase:        models.PhaseRefactor,
		TestFiles:           []string{"a_test.go"},
		ImplementationFiles: []string{"a.go"},
	}
	assert.Contains(t, PhaseActions(st)[0], "a_test.go, a.go")
}

func TestPhaseReminders_Unknown(t *testing.T) {
	assert.Equal(t, []string{"Follow the TDD cycle strictly"}, PhaseReminders("other"))
}
