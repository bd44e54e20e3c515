package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
// Each event row holds the same JSON envelope the file backend writes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer; a single connection
	// serializes all access through the pool.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate runs all embedded SQL migration files in filename order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Events ---

func (s *SQLiteStore) LoadEvents(ctx context.Context, sessionID string) ([]models.Event, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var version string
	err := s.db.QueryRowContext(ctx, "SELECT schema_version FROM sessions WHERE id = ?", sessionID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if version != SchemaVersion {
		return nil, errs.Corrupted(sessionID, fmt.Sprintf("unsupported schema version %q", version), nil)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, body FROM events WHERE session_id = ? ORDER BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.Event
	for rows.Next() {
		var (
			seq  int64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e models.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, errs.Corrupted(sessionID, fmt.Sprintf("decode event %d", seq), err)
		}
		if err := e.Validate(); err != nil {
			return nil, errs.Corrupted(sessionID, fmt.Sprintf("event %d", seq), err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		return nil, errs.NotFound(sessionID)
	}
	return events, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionID string, event models.Event) error {
	if err := checkAppend(sessionID, event); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, schema_version, created_at) VALUES (?, ?, ?)",
		sessionID, SchemaVersion, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?", sessionID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO events (session_id, seq, event_type, recorded, body) VALUES (?, ?, ?, ?, ?)",
		sessionID, next, string(event.Type), event.Timestamp.UTC().Format(time.RFC3339Nano), string(body),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", sessionID).Scan(&count); err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM sessions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Locks ---

// AcquireLock inserts the marker, or refreshes it when this holder already
// owns it, in one statement so two processes cannot both win.
func (s *SQLiteStore) AcquireLock(ctx context.Context, sessionID string, lock models.Lock) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO session_locks (session_id, locked_by, locked_at, pid, host)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET locked_at = excluded.locked_at, pid = excluded.pid, host = excluded.host
		WHERE session_locks.locked_by = excluded.locked_by`,
		sessionID, lock.LockedBy, lock.LockedAt.UTC().Format(time.RFC3339Nano), lock.PID, lock.Host,
	)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	current, err := s.LockInfo(ctx, sessionID)
	if err != nil {
		return err
	}
	lockedBy := "unknown"
	if current != nil {
		lockedBy = current.LockedBy
	}
	return errs.Locked(sessionID, lockedBy, false)
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_locks WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsLocked(ctx context.Context, sessionID string) (bool, error) {
	l, err := s.LockInfo(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return l != nil, nil
}

func (s *SQLiteStore) LockInfo(ctx context.Context, sessionID string) (*models.Lock, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var (
		l        models.Lock
		lockedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT locked_by, locked_at, pid, host FROM session_locks WHERE session_id = ?", sessionID,
	).Scan(&l.LockedBy, &lockedAt, &l.PID, &l.Host)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, lockedAt); err == nil {
		l.LockedAt = t
	}
	return &l, nil
}
