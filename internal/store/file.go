package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/models"
)

// FileStore keeps one JSON record per session and one lock marker per
// locked session in a directory shared across processes:
//
//	<dir>/<id>.json  {"schema_version":"1.0","events":[...]}
//	<dir>/<id>.lock  {"locked_by":"...","locked_at":"..."}
//
// The lock marker is advisory; the engine only writes a session while
// holding it.
type FileStore struct {
	dir string

	mu    sync.Mutex
	perID map[string]*sync.Mutex
}

type record struct {
	SchemaVersion string         `json:"schema_version"`
	Events        []models.Event `json:"events"`
}

// NewFileStore opens (or creates) a session directory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	if _, err := loadRecordSchema(); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, perID: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the session directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) recordPath(id string) string { return filepath.Join(s.dir, id+".json") }
func (s *FileStore) lockPath(id string) string   { return filepath.Join(s.dir, id+".lock") }

// sessionMutex serialises read-modify-write cycles on one record.
func (s *FileStore) sessionMutex(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.perID[id]
	if !ok {
		m = &sync.Mutex{}
		s.perID[id] = m
	}
	return m
}

func (s *FileStore) LoadEvents(_ context.Context, sessionID string) ([]models.Event, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	m := s.sessionMutex(sessionID)
	m.Lock()
	defer m.Unlock()

	rec, err := s.readRecord(sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil || len(rec.Events) == 0 {
		return nil, errs.NotFound(sessionID)
	}
	return rec.Events, nil
}

func (s *FileStore) AppendEvent(_ context.Context, sessionID string, event models.Event) error {
	if err := checkAppend(sessionID, event); err != nil {
		return err
	}
	m := s.sessionMutex(sessionID)
	m.Lock()
	defer m.Unlock()

	rec, err := s.readRecord(sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &record{SchemaVersion: SchemaVersion}
	}
	rec.Events = append(rec.Events, event)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	return writeDurable(s.recordPath(sessionID), data)
}

// readRecord returns nil, nil when the record does not exist.
func (s *FileStore) readRecord(id string) (*record, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session record: %w", err)
	}
	if !json.Valid(data) {
		return nil, errs.Corrupted(id, "record is not valid JSON", nil)
	}
	if err := validateRecord(data); err != nil {
		return nil, errs.Corrupted(id, "record does not match schema", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errs.Corrupted(id, "decode record", err)
	}
	for i, e := range rec.Events {
		if err := e.Validate(); err != nil {
			return nil, errs.Corrupted(id, fmt.Sprintf("event %d", i), err)
		}
	}
	return &rec, nil
}

func (s *FileStore) SessionExists(_ context.Context, sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}
	_, err := os.Stat(s.recordPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat session record: %w", err)
	}
	return true, nil
}

func (s *FileStore) ListSessions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if ValidateSessionID(id) == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) AcquireLock(_ context.Context, sessionID string, lock models.Lock) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	path := s.lockPath(sessionID)

	// A marker removed between the exclusive create and the read is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(data)
			if serr := f.Sync(); werr == nil {
				werr = serr
			}
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return fmt.Errorf("write lock: %w", werr)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock: %w", err)
		}

		current, err := s.LockInfo(context.Background(), sessionID)
		if err != nil {
			return err
		}
		if current == nil {
			continue
		}
		if current.LockedBy != lock.LockedBy {
			return errs.Locked(sessionID, current.LockedBy, false)
		}
		return writeDurable(path, data)
	}
	return errs.Locked(sessionID, "unknown", false)
}

func (s *FileStore) ReleaseLock(_ context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	err := os.Remove(s.lockPath(sessionID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

func (s *FileStore) IsLocked(_ context.Context, sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}
	_, err := os.Stat(s.lockPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat lock: %w", err)
	}
	return true, nil
}

// LockInfo reads the marker. An unreadable marker still counts as held, by
// an unknown holder.
func (s *FileStore) LockInfo(_ context.Context, sessionID string) (*models.Lock, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.lockPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	var l models.Lock
	if err := json.Unmarshal(data, &l); err != nil || l.LockedBy == "" {
		return &models.Lock{LockedBy: "unknown"}, nil
	}
	return &l, nil
}

func (s *FileStore) Close() error { return nil }

// writeDurable replaces path atomically: temp file, fsync, rename.
func writeDurable(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
