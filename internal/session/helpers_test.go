package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joescharf/tdd/internal/holder"
	"github.com/joescharf/tdd/internal/models"
	"github.com/joescharf/tdd/internal/store"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeClock advances one second per reading.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func exampleParams() StartParams {
	return StartParams{
		Goal:                "X",
		TestFiles:           []string{"t.py"},
		ImplementationFiles: []string{"i.py"},
		RunTests:            []string{"run t.py"},
	}
}

func testIdentity(name string) holder.Identity {
	return holder.Identity{ID: name, PID: 1, Host: "test-host"}
}

// liveChecker never judges a lock stale.
func liveChecker() *holder.Checker {
	return &holder.Checker{Host: "test-host", Alive: func(int) bool { return true }}
}

func testOptions() []Option {
	return []Option{WithClock(newFakeClock().Now), WithStaleChecker(liveChecker())}
}

func newTestEngine(t *testing.T, st store.Store, name string) *Engine {
	t.Helper()
	return NewEngine(st, "s1", testIdentity(name), testOptions()...)
}

func startedEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	e := newTestEngine(t, st, "agent-a")
	_, err := e.Start(context.Background(), exampleParams())
	require.NoError(t, err)
	return e, st
}

func phasePtr(p models.Phase) *models.Phase { return &p }

func ev(sec int, data models.Payload) models.Event {
	return models.NewEvent(t0.Add(time.Duration(sec)*time.Second), data)
}

func started() models.SessionStarted {
	return models.SessionStarted{
		Goal:                "X",
		TestFiles:           []string{"t.py"},
		ImplementationFiles: []string{"i.py"},
		RunTests:            []string{"run t.py"},
		CustomRules:         []string{},
	}
}

func changed(from, to models.Phase, cycle int) models.PhaseChanged {
	return models.PhaseChanged{FromPhase: phasePtr(from), ToPhase: to, Evidence: "e", CycleNumber: cycle}
}
