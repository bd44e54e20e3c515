package store

import (
	"context"
	"sort"
	"sync"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/models"
)

// MemoryStore is a volatile Store for tests and ephemeral sessions. It
// behaves like the durable backends except that nothing survives the process.
// Events are copied in and out, so callers never share memory with the log.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]models.Event
	locks  map[string]models.Lock
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]models.Event),
		locks:  make(map[string]models.Lock),
	}
}

func (s *MemoryStore) LoadEvents(_ context.Context, sessionID string) ([]models.Event, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.events[sessionID]
	if !ok || len(events) == 0 {
		return nil, errs.NotFound(sessionID)
	}
	out := make([]models.Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, sessionID string, event models.Event) error {
	if err := checkAppend(sessionID, event); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[sessionID] = append(s.events[sessionID], event.Clone())
	return nil
}

func (s *MemoryStore) SessionExists(_ context.Context, sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[sessionID]
	return ok, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, sessionID string, lock models.Lock) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.locks[sessionID]; ok && current.LockedBy != lock.LockedBy {
		return errs.Locked(sessionID, current.LockedBy, false)
	}
	s.locks[sessionID] = lock
	return nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, sessionID)
	return nil
}

func (s *MemoryStore) IsLocked(_ context.Context, sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.locks[sessionID]
	return ok, nil
}

func (s *MemoryStore) LockInfo(_ context.Context, sessionID string) (*models.Lock, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[sessionID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *MemoryStore) Close() error { return nil }
