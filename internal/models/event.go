package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// EventType identifies the payload variant carried by an Event.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionUpdated EventType = "session_updated"
	EventPhaseChanged   EventType = "phase_changed"
	EventRollback       EventType = "rollback"
	EventLogEntry       EventType = "log_entry"
	EventSessionPaused  EventType = "session_paused"
	EventSessionResumed EventType = "session_resumed"
	EventSessionEnded   EventType = "session_ended"
)

// Payload is the event-specific data of an Event. The set of implementations
// is closed; replay dispatches on the concrete type.
type Payload interface {
	EventType() EventType
	isPayload()
}

// Event is one immutable fact in a session's log.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Data      Payload
}

// NewEvent wraps a payload in an envelope stamped with ts.
func NewEvent(ts time.Time, data Payload) Event {
	return Event{Timestamp: ts, Type: data.EventType(), Data: data}
}

// Clone returns a copy of e that shares no memory with it. Nil slices and
// pointers stay nil, so "absent" and "empty" survive the copy.
func (e Event) Clone() Event {
	switch d := e.Data.(type) {
	case SessionStarted:
		d.TestFiles = slices.Clone(d.TestFiles)
		d.ImplementationFiles = slices.Clone(d.ImplementationFiles)
		d.RunTests = slices.Clone(d.RunTests)
		d.CustomRules = slices.Clone(d.CustomRules)
		e.Data = d
	case SessionUpdated:
		if d.Goal != nil {
			goal := *d.Goal
			d.Goal = &goal
		}
		d.TestFiles = slices.Clone(d.TestFiles)
		d.ImplementationFiles = slices.Clone(d.ImplementationFiles)
		d.RunTests = slices.Clone(d.RunTests)
		d.CustomRules = slices.Clone(d.CustomRules)
		e.Data = d
	case PhaseChanged:
		if d.FromPhase != nil {
			from := *d.FromPhase
			d.FromPhase = &from
		}
		e.Data = d
	}
	return e
}

// SessionStarted opens a session. It must be the first event of every log.
type SessionStarted struct {
	Goal                string   `json:"goal" validate:"required"`
	TestFiles           []string `json:"test_files" validate:"required,min=1,unique,dive,required"`
	ImplementationFiles []string `json:"implementation_files" validate:"required,min=1,unique,dive,required"`
	RunTests            []string `json:"run_tests" validate:"required,min=1,dive,required"`
	CustomRules         []string `json:"custom_rules" validate:"dive,required"`
}

// SessionUpdated overwrites the fields that are present (non-nil).
type SessionUpdated struct {
	Goal                *string  `json:"goal"`
	TestFiles           []string `json:"test_files"`
	ImplementationFiles []string `json:"implementation_files"`
	RunTests            []string `json:"run_tests"`
	CustomRules         []string `json:"custom_rules"`
}

// PhaseChanged records a forward transition. FromPhase is nil only for a
// transition out of the implicit initial phase.
type PhaseChanged struct {
	FromPhase   *Phase `json:"from_phase" validate:"omitempty,oneof=write_test implement refactor"`
	ToPhase     Phase  `json:"to_phase" validate:"required,oneof=write_test implement refactor"`
	Evidence    string `json:"evidence" validate:"required"`
	CycleNumber int    `json:"cycle_number" validate:"min=1"`
}

// Rollback undoes the most recent forward transition.
type Rollback struct {
	FromPhase   Phase  `json:"from_phase" validate:"required,oneof=write_test implement refactor"`
	ToPhase     Phase  `json:"to_phase" validate:"required,oneof=write_test implement refactor"`
	Reason      string `json:"reason" validate:"required"`
	CycleNumber int    `json:"cycle_number" validate:"min=1"`
}

// LogEntry is a free-form note that never affects workflow state.
type LogEntry struct {
	Message string `json:"message" validate:"required"`
}

// SessionPaused marks the point where a holder released the session.
type SessionPaused struct {
	LockedBy string `json:"locked_by,omitempty"`
}

// SessionResumed marks the point where a holder took the session back.
type SessionResumed struct {
	LockedBy string `json:"locked_by,omitempty"`
}

// SessionEnded closes the session for good.
type SessionEnded struct {
	Summary string `json:"summary,omitempty"`
}

func (SessionStarted) EventType() EventType { return EventSessionStarted }
func (SessionUpdated) EventType() EventType { return EventSessionUpdated }
func (PhaseChanged) EventType() EventType   { return EventPhaseChanged }
func (Rollback) EventType() EventType       { return EventRollback }
func (LogEntry) EventType() EventType       { return EventLogEntry }
func (SessionPaused) EventType() EventType  { return EventSessionPaused }
func (SessionResumed) EventType() EventType { return EventSessionResumed }
func (SessionEnded) EventType() EventType   { return EventSessionEnded }

func (SessionStarted) isPayload() {}
func (SessionUpdated) isPayload() {}
func (PhaseChanged) isPayload()   {}
func (Rollback) isPayload()       {}
func (LogEntry) isPayload()       {}
func (SessionPaused) isPayload()  {}
func (SessionResumed) isPayload() {}
func (SessionEnded) isPayload()   {}

// newPayload returns a pointer to an empty payload for t.
func newPayload(t EventType) (any, error) {
	switch t {
	case EventSessionStarted:
		return &SessionStarted{}, nil
	case EventSessionUpdated:
		return &SessionUpdated{}, nil
	case EventPhaseChanged:
		return &PhaseChanged{}, nil
	case EventRollback:
		return &Rollback{}, nil
	case EventLogEntry:
		return &LogEntry{}, nil
	case EventSessionPaused:
		return &SessionPaused{}, nil
	case EventSessionResumed:
		return &SessionResumed{}, nil
	case EventSessionEnded:
		return &SessionEnded{}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}

type eventJSON struct {
	Timestamp time.Time       `json:"timestamp"`
	EventType EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// eventWire is eventJSON as read back: the timestamp stays a string until
// ParseTimestamp has looked at it.
type eventWire struct {
	Timestamp string          `json:"timestamp"`
	EventType EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// localTimestamp is ISO-8601 without a zone designator, as written by older
// tdd-mcp releases.
const localTimestamp = "2006-01-02T15:04:05.999999999"

// ParseTimestamp reads an ISO-8601 timestamp. RFC 3339 values keep their
// offset; values without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(localTimestamp, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: want ISO-8601", s)
	}
	return t, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("marshal event %s: missing data", e.Type)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", e.Type, err)
	}
	return json.Marshal(eventJSON{Timestamp: e.Timestamp, EventType: e.Type, Data: data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventWire
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	ptr, err := newPayload(raw.EventType)
	if err != nil {
		return err
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, ptr); err != nil {
			return fmt.Errorf("decode %s data: %w", raw.EventType, err)
		}
	}

	e.Timestamp = ts
	e.Type = raw.EventType
	switch p := ptr.(type) {
	case *SessionStarted:
		e.Data = *p
	case *SessionUpdated:
		e.Data = *p
	case *PhaseChanged:
		e.Data = *p
	case *Rollback:
		e.Data = *p
	case *LogEntry:
		e.Data = *p
	case *SessionPaused:
		e.Data = *p
	case *SessionResumed:
		e.Data = *p
	case *SessionEnded:
		e.Data = *p
	}
	return nil
}
