package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/models"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func startedEvent(at time.Time) models.Event {
	return models.NewEvent(at, models.SessionStarted{
		Goal:                "X",
		TestFiles:           []string{"t.py"},
		ImplementationFiles: []string{"i.py"},
		RunTests:            []string{"run t.py"},
		CustomRules:         []string{},
	})
}

func logEvent(at time.Time, msg string) models.Event {
	return models.NewEvent(at, models.LogEntry{Message: msg})
}

func testLock(holder string) models.Lock {
	return models.Lock{LockedBy: holder, LockedAt: t0, PID: 42, Host: "test-host"}
}

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)

	sq, err := NewSQLiteStore(filepath.Join(dir, "tdd.db"))
	require.NoError(t, err)
	require.NoError(t, sq.Migrate(context.Background()))
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Store{
		BackendFile:   fs,
		BackendSQLite: sq,
		BackendMemory: NewMemoryStore(),
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func TestStore_LoadEvents_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.LoadEvents(context.Background(), "missing")
		require.Error(t, err)
		assert.Equal(t, errs.KindSessionNotFound, errs.KindOf(err))

		exists, err := s.SessionExists(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestStore_AppendAndLoad_PreservesOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendEvent(ctx, "s1", startedEvent(t0)))
		// Later appends with earlier wall-clock times must still come last.
		require.NoError(t, s.AppendEvent(ctx, "s1", logEvent(t0.Add(-time.Hour), "first")))
		require.NoError(t, s.AppendEvent(ctx, "s1", logEvent(t0.Add(-2*time.Hour), "second")))

		events, err := s.LoadEvents(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, models.EventSessionStarted, events[0].Type)
		assert.Equal(t, "first", events[1].Data.(models.LogEntry).Message)
		assert.Equal(t, "second", events[2].Data.(models.LogEntry).Message)
		assert.True(t, events[0].Timestamp.Equal(t0))

		exists, err := s.SessionExists(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestStore_AppendEvent_RejectsInvalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.AppendEvent(ctx, "s1", logEvent(t0, ""))
		require.Error(t, err)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))

		exists, err := s.SessionExists(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, exists, "invalid event must never reach storage")
	})
}

func TestStore_RejectsUnsafeSessionID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		err := s.AppendEvent(context.Background(), "../escape", startedEvent(t0))
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))

		_, err = s.LoadEvents(context.Background(), "a/b")
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})
}

func TestStore_ListSessions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendEvent(ctx, "b", startedEvent(t0)))
		require.NoError(t, s.AppendEvent(ctx, "a", startedEvent(t0)))
		require.NoError(t, s.AcquireLock(ctx, "c", testLock("h")))

		ids, err := s.ListSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)
	})
}

func TestStore_LockLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		locked, err := s.IsLocked(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, locked)
		info, err := s.LockInfo(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, info)

		require.NoError(t, s.AcquireLock(ctx, "s1", testLock("holder-a")))

		locked, err = s.IsLocked(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, locked)
		info, err = s.LockInfo(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, "holder-a", info.LockedBy)
		assert.Equal(t, 42, info.PID)
		assert.Equal(t, "test-host", info.Host)
		assert.True(t, info.LockedAt.Equal(t0))

		// Same holder may re-acquire.
		require.NoError(t, s.AcquireLock(ctx, "s1", testLock("holder-a")))

		// A different holder is refused.
		err = s.AcquireLock(ctx, "s1", testLock("holder-b"))
		require.Error(t, err)
		assert.Equal(t, errs.KindSessionLocked, errs.KindOf(err))
		assert.Contains(t, err.Error(), "holder-a")

		require.NoError(t, s.ReleaseLock(ctx, "s1"))
		require.NoError(t, s.ReleaseLock(ctx, "s1"), "release must be idempotent")

		require.NoError(t, s.AcquireLock(ctx, "s1", testLock("holder-b")))
		info, err = s.LockInfo(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "holder-b", info.LockedBy)
	})
}

func TestStore_LocksAreScopedPerSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AcquireLock(ctx, "s1", testLock("holder-a")))
		require.NoError(t, s.AcquireLock(ctx, "s2", testLock("holder-b")))
	})
}

func TestStore_ConcurrentAppends(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendEvent(ctx, "s1", startedEvent(t0)))

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.AppendEvent(ctx, "s1", logEvent(t0, fmt.Sprintf("m%d", i))))
			}(i)
		}
		wg.Wait()

		events, err := s.LoadEvents(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, events, n+1)

		seen := make(map[string]bool)
		for _, e := range events[1:] {
			seen[e.Data.(models.LogEntry).Message] = true
		}
		assert.Len(t, seen, n)
	})
}

func TestOpen_SelectsBackend(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, Config{SessionDir: filepath.Join(dir, "sessions")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, Config{Backend: BackendSQLite, DBPath: filepath.Join(dir, "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(ctx, Config{Backend: "redis"})
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestStore_EventsAreNotAliased(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tf := []string{"t.py"}
		goal := "new goal"
		require.NoError(t, s.AppendEvent(ctx, "s1", models.NewEvent(t0, models.SessionStarted{
			Goal:                "X",
			TestFiles:           tf,
			ImplementationFiles: []string{"i.py"},
			RunTests:            []string{"run t.py"},
			CustomRules:         []string{},
		})))
		update := models.SessionUpdated{Goal: &goal, RunTests: []string{"run all"}}
		require.NoError(t, s.AppendEvent(ctx, "s1", models.NewEvent(t0.Add(time.Second), update)))

		// Caller-side changes after the append
		tf[0] = "changed.py"
		goal = "changed goal"
		update.RunTests[0] = "changed"

		loaded, err := s.LoadEvents(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, loaded, 2)

		// Changes to a loaded copy
		started := loaded[0].Data.(models.SessionStarted)
		started.TestFiles[0] = "loaded-changed.py"
		updated := loaded[1].Data.(models.SessionUpdated)
		*updated.Goal = "loaded-changed"
		updated.RunTests[0] = "loaded-changed"

		fresh, err := s.LoadEvents(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"t.py"}, fresh[0].Data.(models.SessionStarted).TestFiles)
		freshUpdate := fresh[1].Data.(models.SessionUpdated)
		require.NotNil(t, freshUpdate.Goal)
		assert.Equal(t, "new goal", *freshUpdate.Goal)
		assert.Equal(t, []string{"run all"}, freshUpdate.RunTests)
		assert.Nil(t, freshUpdate.TestFiles)
	})
}
