package store

import (
	"context"
	"fmt"
	"regexp"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/models"
)

// SchemaVersion is the version written into every persisted session record.
const SchemaVersion = "1.0"

// Store is the persistence port of the session engine. Every backend must
// satisfy the same contract:
//
//   - LoadEvents returns events in append order, or a session_not_found error.
//   - AppendEvent is durable before it returns and preserves append order.
//   - AcquireLock fails with session_locked when another holder owns the lock;
//     re-acquiring an owned lock refreshes it.
//   - ReleaseLock is idempotent.
type Store interface {
	LoadEvents(ctx context.Context, sessionID string) ([]models.Event, error)
	AppendEvent(ctx context.Context, sessionID string, event models.Event) error
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	ListSessions(ctx context.Context) ([]string, error)

	AcquireLock(ctx context.Context, sessionID string, lock models.Lock) error
	ReleaseLock(ctx context.Context, sessionID string) error
	IsLocked(ctx context.Context, sessionID string) (bool, error)
	// LockInfo returns the current lock marker, or nil when unlocked.
	LockInfo(ctx context.Context, sessionID string) (*models.Lock, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config selects and locates a backend.
type Config struct {
	Backend    string
	SessionDir string
	DBPath     string
}

// Open constructs the backend named by cfg.Backend (default: file).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileStore(cfg.SessionDir)
	case BackendSQLite:
		s, err := NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return s, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q (want file, sqlite or memory)", cfg.Backend)
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSessionID rejects ids that cannot safely name a record.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return errs.Validation("invalid session id %q", id)
	}
	return nil
}

// checkAppend validates an event before any backend persists it.
func checkAppend(sessionID string, event models.Event) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	return event.Validate()
}
