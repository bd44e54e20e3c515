package models

// Phase is one of the three TDD workflow stages.
type Phase string

const (
	PhaseWriteTest Phase = "write_test"
	PhaseImplement Phase = "implement"
	PhaseRefactor  Phase = "refactor"
)

// Phases lists the workflow phases in cycle order.
var Phases = []Phase{PhaseWriteTest, PhaseImplement, PhaseRefactor}

// Valid reports whether p names a workflow phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseWriteTest, PhaseImplement, PhaseRefactor:
		return true
	}
	return false
}

func (p Phase) String() string { return string(p) }

// PhaseMark is a (phase, cycle) position in a session's history.
type PhaseMark struct {
	Phase Phase `json:"phase"`
	Cycle int   `json:"cycle"`
}
