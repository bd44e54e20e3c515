// Package holder identifies the process that owns a session lock and decides
// whether a lock left behind by another process is stale.
package holder

import (
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/tdd/internal/models"
)

// Identity describes one lock holder. ID is unique per process instance.
type Identity struct {
	ID   string
	PID  int
	Host string
}

// New returns an identity for the current process, e.g. "tdd-mcp@host:4242/01J...".
func New(name string) Identity {
	if name == "" {
		name = "tdd-mcp"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	pid := os.Getpid()
	return Identity{
		ID:   fmt.Sprintf("%s@%s:%d/%s", name, host, pid, ulid.Make().String()),
		PID:  pid,
		Host: host,
	}
}

// Lock builds the marker this holder writes when it takes a session.
func (i Identity) Lock(now time.Time) models.Lock {
	return models.Lock{
		LockedBy: i.ID,
		LockedAt: now.UTC(),
		PID:      i.PID,
		Host:     i.Host,
	}
}

// Owns reports whether l was written by this holder.
func (i Identity) Owns(l *models.Lock) bool {
	return l != nil && l.LockedBy == i.ID
}

// Checker decides lock staleness.
type Checker struct {
	// MaxAge expires locks older than this; zero disables age expiry.
	MaxAge time.Duration
	// Host is the local hostname; liveness is only probed for same-host locks.
	Host string
	// Alive probes a local pid. Defaults to Alive.
	Alive func(pid int) bool
}

// NewChecker returns a Checker for the local host.
func NewChecker(maxAge time.Duration) *Checker {
	host, _ := os.Hostname()
	return &Checker{MaxAge: maxAge, Host: host, Alive: Alive}
}

// Stale reports whether l looks abandoned: its holder process on this host
// is gone, or it is older than MaxAge.
func (c *Checker) Stale(l *models.Lock, now time.Time) bool {
	if l == nil {
		return false
	}
	alive := c.Alive
	if alive == nil {
		alive = Alive
	}
	if l.PID > 0 && l.Host != "" && l.Host == c.Host && !alive(l.PID) {
		return true
	}
	if c.MaxAge > 0 && !l.LockedAt.IsZero() && now.Sub(l.LockedAt) > c.MaxAge {
		return true
	}
	return false
}
