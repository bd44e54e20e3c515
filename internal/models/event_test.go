package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/tdd/internal/errs"
)

var ts = time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)

func validStarted() SessionStarted {
	return SessionStarted{
		Goal:                "parse dates",
		TestFiles:           []string{"date_test.go"},
		ImplementationFiles: []string{"date.go"},
		RunTests:            []string{"go test ./..."},
		CustomRules:         []string{},
	}
}

func phasePtr(p Phase) *Phase { return &p }

func strPtr(s string) *string { return &s }

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr string
	}{
		{name: "session started ok", event: NewEvent(ts, validStarted())},
		{
			name: "empty goal",
			event: NewEvent(ts, func() SessionStarted {
				s := validStarted()
				s.Goal = ""
				return s
			}()),
			wantErr: "goal is required",
		},
		{
			name: "no test files",
			event: NewEvent(ts, func() SessionStarted {
				s := validStarted()
				s.TestFiles = []string{}
				return s
			}()),
			wantErr: "test_files must contain at least 1 item(s)",
		},
		{
			name: "duplicate implementation files",
			event: NewEvent(ts, func() SessionStarted {
				s := validStarted()
				s.ImplementationFiles = []string{"a.go", "a.go"}
				return s
			}()),
			wantErr: "implementation_files must not contain duplicates",
		},
		{
			name: "blank run_tests entry",
			event: NewEvent(ts, func() SessionStarted {
				s := validStarted()
				s.RunTests = []string{""}
				return s
			}()),
			wantErr: "run_tests[0] is required",
		},
		{
			name:  "initial phase change without from",
			event: NewEvent(ts, PhaseChanged{ToPhase: PhaseImplement, Evidence: "wrote test", CycleNumber: 1}),
		},
		{
			name:    "phase change to unknown phase",
			event:   NewEvent(ts, PhaseChanged{FromPhase: phasePtr(PhaseWriteTest), ToPhase: "deploy", Evidence: "x", CycleNumber: 1}),
			wantErr: "to_phase must be one of: write_test, implement, refactor",
		},
		{
			name:    "phase change bad from",
			event:   NewEvent(ts, PhaseChanged{FromPhase: phasePtr("review"), ToPhase: PhaseImplement, Evidence: "x", CycleNumber: 1}),
			wantErr: "from_phase must be one of",
		},
		{
			name:    "phase change without evidence",
			event:   NewEvent(ts, PhaseChanged{FromPhase: phasePtr(PhaseWriteTest), ToPhase: PhaseImplement, CycleNumber: 1}),
			wantErr: "evidence is required",
		},
		{
			name:    "phase change cycle zero",
			event:   NewEvent(ts, PhaseChanged{FromPhase: phasePtr(PhaseWriteTest), ToPhase: PhaseImplement, Evidence: "x"}),
			wantErr: "cycle_number must be >= 1",
		},
		{
			name:    "rollback without reason",
			event:   NewEvent(ts, Rollback{FromPhase: PhaseImplement, ToPhase: PhaseWriteTest, CycleNumber: 1}),
			wantErr: "reason is required",
		},
		{
			name:    "empty log message",
			event:   NewEvent(ts, LogEntry{}),
			wantErr: "message is required",
		},
		{
			name:    "update with nothing",
			event:   NewEvent(ts, SessionUpdated{}),
			wantErr: "no fields to update",
		},
		{
			name:    "update with empty goal",
			event:   NewEvent(ts, SessionUpdated{Goal: strPtr("")}),
			wantErr: "goal is required",
		},
		{
			name:  "update clearing custom rules",
			event: NewEvent(ts, SessionUpdated{CustomRules: []string{}}),
		},
		{
			name:    "update with empty test files",
			event:   NewEvent(ts, SessionUpdated{TestFiles: []string{}}),
			wantErr: "test_files must contain at least 1 item(s)",
		},
		{name: "pause marker", event: NewEvent(ts, SessionPaused{LockedBy: "a"})},
		{
			name:    "mismatched envelope",
			event:   Event{Timestamp: ts, Type: EventRollback, Data: LogEntry{Message: "x"}},
			wantErr: "does not match",
		},
		{
			name:    "zero timestamp",
			event:   NewEvent(time.Time{}, LogEntry{Message: "x"}),
			wantErr: "timestamp is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEventJSON_DecodesRecordFormat(t *testing.T) {
	raw := `[
		{"timestamp":"2025-06-01T10:30:00Z","event_type":"session_started","data":{"goal":"g","test_files":["t.py"],"implementation_files":["i.py"],"run_tests":["pytest"],"custom_rules":[]}},
		{"timestamp":"2025-06-01T10:31:00Z","event_type":"phase_changed","data":{"from_phase":"write_test","to_phase":"implement","evidence":"wrote test","cycle_number":1}},
		{"timestamp":"2025-06-01T10:32:00Z","event_type":"session_updated","data":{"goal":null,"test_files":null,"implementation_files":null,"run_tests":["pytest -x"],"custom_rules":null}},
		{"timestamp":"2025-06-01T10:33:00Z","event_type":"session_paused","data":{}}
	]`

	var events []Event
	require.NoError(t, json.Unmarshal([]byte(raw), &events))
	require.Len(t, events, 4)

	started, ok := events[0].Data.(SessionStarted)
	require.True(t, ok)
	assert.Equal(t, "g", started.Goal)
	assert.True(t, events[0].Timestamp.Equal(ts))

	changed, ok := events[1].Data.(PhaseChanged)
	require.True(t, ok)
	require.NotNil(t, changed.FromPhase)
	assert.Equal(t, PhaseWriteTest, *changed.FromPhase)

	updated, ok := events[2].Data.(SessionUpdated)
	require.True(t, ok)
	assert.Nil(t, updated.Goal)
	assert.Nil(t, updated.TestFiles)
	assert.Equal(t, []string{"pytest -x"}, updated.RunTests)

	assert.Equal(t, EventSessionPaused, events[3].Type)
	for _, e := range events {
		assert.NoError(t, e.Validate())
	}
}

func TestEventJSON_PreservesNilVersusEmptyOnUpdate(t *testing.T) {
	in := NewEvent(ts, SessionUpdated{CustomRules: []string{}})
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(b, &out))
	u := out.Data.(SessionUpdated)
	assert.NotNil(t, u.CustomRules)
	assert.Empty(t, u.CustomRules)
	assert.Nil(t, u.TestFiles)
}

func TestEventJSON_UnknownType(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"timestamp":"2025-06-01T10:30:00Z","event_type":"session_exploded","data":{}}`), &e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-06-01T09:00:00Z", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
		{"2025-06-01T11:00:00+02:00", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
		{"2025-06-01T09:00:00.123456", time.Date(2025, 6, 1, 9, 0, 0, 123456000, time.UTC)},
		{"2025-06-01T09:00:00", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s", got)
		})
	}

	for _, bad := range []string{"", "yesterday", "2025-06-01", "2025-06-01 09:00:00"} {
		_, err := ParseTimestamp(bad)
		assert.Error(t, err, bad)
	}
}

func TestEventClone_SharesNothing(t *testing.T) {
	goal := "g"
	from := PhaseWriteTest
	upd := NewEvent(time.Now(), SessionUpdated{Goal: &goal, TestFiles: []string{"a"}})
	pc := NewEvent(time.Now(), PhaseChanged{FromPhase: &from, ToPhase: PhaseImplement, Evidence: "e", CycleNumber: 1})

	updCopy := upd.Clone()
	pcCopy := pc.Clone()
	goal = "changed"
	from = PhaseRefactor
	upd.Data.(SessionUpdated).TestFiles[0] = "changed"

	u := updCopy.Data.(SessionUpdated)
	assert.Equal(t, "g", *u.Goal)
	assert.Equal(t, []string{"a"}, u.TestFiles)
	assert.Nil(t, u.RunTests)
	assert.Equal(t, PhaseWriteTest, *pcCopy.Data.(PhaseChanged).FromPhase)
}
