package holder

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/tdd/internal/models"
)

func TestNew_UniquePerInstance(t *testing.T) {
	a := New("agent")
	b := New("agent")

	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, strings.HasPrefix(a.ID, "agent@"))
	assert.Equal(t, os.Getpid(), a.PID)
}

func TestOwns(t *testing.T) {
	a := New("")
	l := a.Lock(time.Now())

	assert.True(t, a.Owns(&l))
	assert.False(t, New("").Owns(&l))
	assert.False(t, a.Owns(nil))
	assert.True(t, strings.HasPrefix(l.LockedBy, "tdd-mcp@"))
}

func TestAlive_CurrentProcess(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
}

func TestAlive_DeadProcess(t *testing.T) {
	// Use a very high PID that almost certainly doesn't exist.
	assert.False(t, Alive(999999))
}

func TestChecker_Stale(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dead := func(int) bool { return false }
	live := func(int) bool { return true }

	tests := []struct {
		name    string
		checker Checker
		lock    *models.Lock
		want    bool
	}{
		{
			name:    "nil lock",
			checker: Checker{Host: "h", Alive: live},
			want:    false,
		},
		{
			name:    "live holder on this host",
			checker: Checker{Host: "h", Alive: live},
			lock:    &models.Lock{LockedBy: "x", LockedAt: now, PID: 10, Host: "h"},
			want:    false,
		},
		{
			name:    "dead holder on this host",
			checker: Checker{Host: "h", Alive: dead},
			lock:    &models.Lock{LockedBy: "x", LockedAt: now, PID: 10, Host: "h"},
			want:    true,
		},
		{
			name:    "other host is never probed",
			checker: Checker{Host: "h", Alive: dead},
			lock:    &models.Lock{LockedBy: "x", LockedAt: now, PID: 10, Host: "other"},
			want:    false,
		},
		{
			name:    "legacy marker without pid",
			checker: Checker{Host: "h", Alive: dead},
			lock:    &models.Lock{LockedBy: "current_agent", LockedAt: now.Add(-time.Hour)},
			want:    false,
		},
		{
			name:    "expired by age",
			checker: Checker{Host: "h", Alive: live, MaxAge: 30 * time.Minute},
			lock:    &models.Lock{LockedBy: "x", LockedAt: now.Add(-time.Hour), PID: 10, Host: "h"},
			want:    true,
		},
		{
			name:    "within max age",
			checker: Checker{Host: "h", Alive: live, MaxAge: 2 * time.Hour},
			lock:    &models.Lock{LockedBy: "x", LockedAt: now.Add(-time.Hour), PID: 10, Host: "h"},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.checker.Stale(tt.lock, now))
		})
	}
}
