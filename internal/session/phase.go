package session

import (
	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/models"
)

// transitions is the forward table. The value reports whether the move
// completes a cycle.
var transitions = map[models.Phase]map[models.Phase]bool{
	models.PhaseWriteTest: {models.PhaseImplement: false},
	models.PhaseImplement: {models.PhaseRefactor: false, models.PhaseWriteTest: true},
	models.PhaseRefactor:  {models.PhaseWriteTest: true},
}

// Transition checks a forward move and reports whether it starts a new cycle.
func Transition(from, to models.Phase) (newCycle bool, err error) {
	if !from.Valid() {
		return false, errs.InvalidTransition(string(from), string(to), "unknown current phase")
	}
	if !to.Valid() {
		return false, errs.InvalidTransition(string(from), string(to), "unknown target phase")
	}
	newCycle, ok := transitions[from][to]
	if !ok {
		return false, errs.InvalidTransition(string(from), string(to), "not a forward move in the TDD cycle")
	}
	return newCycle, nil
}

// DefaultNext is the phase next_phase moves to when no target is given.
// Refactor is never skipped implicitly.
func DefaultNext(from models.Phase) (models.Phase, error) {
	switch from {
	case models.PhaseWriteTest:
		return models.PhaseImplement, nil
	case models.PhaseImplement:
		return models.PhaseRefactor, nil
	case models.PhaseRefactor:
		return models.PhaseWriteTest, nil
	}
	return "", errs.InvalidTransition(string(from), "", "unknown current phase")
}

// NextCycle returns the cycle number after moving from (phase, cycle) to to.
func NextCycle(from models.Phase, cycle int, to models.Phase) (int, error) {
	newCycle, err := Transition(from, to)
	if err != nil {
		return 0, err
	}
	if newCycle {
		return cycle + 1, nil
	}
	return cycle, nil
}

// RollbackTarget returns the position the most recent forward move left.
func RollbackTarget(st *models.SessionState) (models.PhaseMark, error) {
	mark, ok := st.Previous()
	if !ok {
		return models.PhaseMark{}, errs.NoRollback(string(st.CurrentPhase), st.CycleNumber)
	}
	return mark, nil
}
