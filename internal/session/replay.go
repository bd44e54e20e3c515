package session

import (
	"fmt"
	"slices"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/models"
)

// Replay folds events into the state they describe. It is pure: the same
// events always produce an identical state, and nothing outside the
// arguments is read or written.
func Replay(sessionID string, events []models.Event) (*models.SessionState, error) {
	if len(events) == 0 {
		return nil, errs.Corrupted(sessionID, "event log is empty", nil)
	}
	r := NewReplayer(sessionID)
	for _, e := range events {
		if err := r.Apply(e); err != nil {
			return nil, err
		}
	}
	return r.State(), nil
}

// Replayer applies events one at a time, so a cached state can be extended
// with newly appended events instead of replaying the whole log.
type Replayer struct {
	id    string
	state *models.SessionState
	n     int
}

// NewReplayer returns a Replayer with no events applied.
func NewReplayer(sessionID string) *Replayer {
	return &Replayer{id: sessionID}
}

// Len is the number of events applied so far.
func (r *Replayer) Len() int { return r.n }

// State returns a copy of the current state, or nil before session_started.
func (r *Replayer) State() *models.SessionState {
	return r.state.Clone()
}

// Apply folds one event into the state. A rejected event leaves the
// Replayer unchanged.
func (r *Replayer) Apply(e models.Event) error {
	if err := e.Validate(); err != nil {
		return r.corrupted(fmt.Sprintf("event %d is invalid", r.n), err)
	}

	if r.state == nil {
		started, ok := e.Data.(models.SessionStarted)
		if !ok {
			return r.corrupted(fmt.Sprintf("first event is %s, want %s", e.Type, models.EventSessionStarted), nil)
		}
		r.state = &models.SessionState{
			SessionID:           r.id,
			CurrentPhase:        models.PhaseWriteTest,
			CycleNumber:         1,
			Goal:                started.Goal,
			TestFiles:           slices.Clone(started.TestFiles),
			ImplementationFiles: slices.Clone(started.ImplementationFiles),
			RunTests:            slices.Clone(started.RunTests),
			CustomRules:         orEmpty(started.CustomRules),
			StartedAt:           e.Timestamp,
			Log:                 []string{},
			Trail:               []models.PhaseMark{},
		}
		r.commit(r.state, e)
		return nil
	}

	if r.state.Ended {
		return r.corrupted(fmt.Sprintf("event %d (%s) follows %s", r.n, e.Type, models.EventSessionEnded), nil)
	}

	next := r.state.Clone()
	switch data := e.Data.(type) {
	case models.SessionStarted:
		return r.corrupted(fmt.Sprintf("event %d repeats %s", r.n, models.EventSessionStarted), nil)

	case models.SessionUpdated:
		if data.Goal != nil {
			next.Goal = *data.Goal
		}
		if data.TestFiles != nil {
			next.TestFiles = slices.Clone(data.TestFiles)
		}
		if data.ImplementationFiles != nil {
			next.ImplementationFiles = slices.Clone(data.ImplementationFiles)
		}
		if data.RunTests != nil {
			next.RunTests = slices.Clone(data.RunTests)
		}
		if data.CustomRules != nil {
			next.CustomRules = slices.Clone(data.CustomRules)
		}

	case models.PhaseChanged:
		from := next.CurrentPhase
		if data.FromPhase == nil {
			// Only the very first move out of the initial phase may omit it.
			if len(next.Trail) > 0 || next.CycleNumber != 1 || from != models.PhaseWriteTest {
				return r.corrupted(fmt.Sprintf("event %d: phase change without from_phase", r.n), nil)
			}
		} else if *data.FromPhase != from {
			return r.corrupted(fmt.Sprintf("event %d: phase change from %s, but session is in %s", r.n, *data.FromPhase, from), nil)
		}
		cycle, err := NextCycle(from, next.CycleNumber, data.ToPhase)
		if err != nil {
			return r.corrupted(fmt.Sprintf("event %d", r.n), err)
		}
		if data.CycleNumber != cycle {
			return r.corrupted(fmt.Sprintf("event %d: cycle_number %d, want %d", r.n, data.CycleNumber, cycle), nil)
		}
		next.Trail = append(next.Trail, models.PhaseMark{Phase: from, Cycle: next.CycleNumber})
		next.CurrentPhase = data.ToPhase
		next.CycleNumber = cycle

	case models.Rollback:
		mark, ok := next.Previous()
		if !ok {
			return r.corrupted(fmt.Sprintf("event %d: rollback with nothing to undo", r.n), nil)
		}
		if data.FromPhase != next.CurrentPhase || data.ToPhase != mark.Phase || data.CycleNumber != mark.Cycle {
			return r.corrupted(fmt.Sprintf("event %d: rollback %s -> %s (cycle %d) does not undo the last move, want %s -> %s (cycle %d)",
				r.n, data.FromPhase, data.ToPhase, data.CycleNumber, next.CurrentPhase, mark.Phase, mark.Cycle), nil)
		}
		next.Trail = next.Trail[:len(next.Trail)-1]
		next.CurrentPhase = mark.Phase
		next.CycleNumber = mark.Cycle

	case models.LogEntry:
		next.Log = append(next.Log, data.Message)

	case models.SessionPaused, models.SessionResumed:
		// audit markers only

	case models.SessionEnded:
		next.Ended = true

	default:
		return r.corrupted(fmt.Sprintf("event %d has unhandled type %s", r.n, e.Type), nil)
	}

	r.commit(next, e)
	return nil
}

func (r *Replayer) commit(next *models.SessionState, e models.Event) {
	next.UpdatedAt = e.Timestamp
	next.EventCount++
	r.state = next
	r.n++
}

func (r *Replayer) corrupted(reason string, cause error) error {
	return errs.Corrupted(r.id, reason, cause)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}
