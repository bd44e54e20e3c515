package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// globalRules apply to every session ahead of its custom rules.
var globalRules = []string{
	"Write ONE failing test per cycle",
	"Write minimal code to make test pass",
	"Refactor only after tests pass",
	"Evidence required for phase transitions",
}

// SessionState is the materialised view of a session, derived by replaying
// its events. It is never stored.
type SessionState struct {
	SessionID           string    `json:"session_id"`
	CurrentPhase        Phase     `json:"current_phase"`
	CycleNumber         int       `json:"cycle_number"`
	Goal                string    `json:"goal"`
	TestFiles           []string  `json:"test_files"`
	ImplementationFiles []string  `json:"implementation_files"`
	RunTests            []string  `json:"run_tests"`
	CustomRules         []string  `json:"custom_rules"`
	Ended               bool      `json:"ended"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	EventCount          int       `json:"event_count"`
	// Log holds the messages of log_entry events in order.
	Log []string `json:"log"`
	// Trail holds the position before each forward transition that has not
	// been rolled back; its top is the rollback target.
	Trail []PhaseMark `json:"trail"`
}

// Clone returns a deep copy of s.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.TestFiles = slices.Clone(s.TestFiles)
	c.ImplementationFiles = slices.Clone(s.ImplementationFiles)
	c.RunTests = slices.Clone(s.RunTests)
	c.CustomRules = slices.Clone(s.CustomRules)
	c.Log = slices.Clone(s.Log)
	c.Trail = slices.Clone(s.Trail)
	return &c
}

// AllowedFiles returns the files the current phase may touch. Advisory only.
func (s *SessionState) AllowedFiles() []string {
	switch s.CurrentPhase {
	case PhaseWriteTest:
		return slices.Clone(s.TestFiles)
	case PhaseImplement:
		return slices.Clone(s.ImplementationFiles)
	case PhaseRefactor:
		out := slices.Clone(s.TestFiles)
		for _, f := range s.ImplementationFiles {
			if !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
		return out
	}
	return []string{}
}

// SuggestedNextAction describes what the agent should do in the current phase.
func (s *SessionState) SuggestedNextAction() string {
	switch s.CurrentPhase {
	case PhaseWriteTest:
		return fmt.Sprintf("Write ONE failing test for the current goal. Allowed files: %s", strings.Join(s.TestFiles, ", "))
	case PhaseImplement:
		return fmt.Sprintf("Write minimal code to make the test pass. Allowed files: %s. Run tests: %s",
			strings.Join(s.ImplementationFiles, ", "), strings.Join(s.RunTests, ", "))
	case PhaseRefactor:
		return "Improve code quality without changing behavior. You can modify both test and implementation files. If no refactoring is needed, you can move to next cycle with minimal changes."
	}
	return "Unknown phase - check session state"
}

// RulesReminder returns the global rules followed by the session's custom rules.
func (s *SessionState) RulesReminder() []string {
	return append(slices.Clone(globalRules), s.CustomRules...)
}

// CanRollback reports whether a forward transition is available to undo.
func (s *SessionState) CanRollback() bool {
	return len(s.Trail) > 0
}

// Previous returns the rollback target.
func (s *SessionState) Previous() (PhaseMark, bool) {
	if len(s.Trail) == 0 {
		return PhaseMark{}, false
	}
	return s.Trail[len(s.Trail)-1], true
}

// Digest is a sha256 over the RFC 8785 canonical JSON of s. Two states with
// equal digests are identical field for field.
func (s *SessionState) Digest() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	canonical, err := jcs.Transform(b)
	if err != nil {
		return "", fmt.Errorf("canonicalize state: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
