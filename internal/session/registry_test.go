package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/holder"
	"github.com/joescharf/tdd/internal/models"
	"github.com/joescharf/tdd/internal/store"
)

func newTestRegistry(st store.Store, name string, opts ...Option) *Registry {
	return NewRegistry(st, testIdentity(name), append(testOptions(), opts...)...)
}

func sequentialIDs() Option {
	var mu sync.Mutex
	n := 0
	return WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("sess-%d", n)
	})
}

func TestRegistry_StartCachesEngine(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(store.NewMemoryStore(), "agent-a", sequentialIDs())

	e, st, err := r.Start(ctx, exampleParams())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", e.ID())
	assert.Equal(t, "sess-1", st.SessionID)

	got, ok := r.Get("sess-1")
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Same(t, e, r.GetOrCreate("sess-1"))
	assert.Equal(t, []string{"sess-1"}, r.IDs())
}

func TestRegistry_StartDefaultsToULID(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), testIdentity("agent-a"), WithStaleChecker(liveChecker()))
	e, _, err := r.Start(context.Background(), exampleParams())
	require.NoError(t, err)
	assert.Len(t, e.ID(), 26)
}

func TestRegistry_FailedStartIsNotCached(t *testing.T) {
	r := newTestRegistry(store.NewMemoryStore(), "agent-a", sequentialIDs())
	_, _, err := r.Start(context.Background(), StartParams{Goal: "no files"})
	require.Error(t, err)
	assert.Empty(t, r.IDs())
}

func TestRegistry_Resume(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	a := newTestRegistry(st, "agent-a", sequentialIDs())
	e, _, err := a.Start(ctx, exampleParams())
	require.NoError(t, err)
	_, err = e.NextPhase(ctx, "wrote test")
	require.NoError(t, err)

	b := newTestRegistry(st, "agent-b")
	_, _, err = b.Resume(ctx, "sess-1")
	require.Error(t, err)
	assert.Equal(t, errs.KindSessionLocked, errs.KindOf(err))
	assert.Empty(t, b.IDs(), "failed resume leaves no cache entry")

	_, err = e.Pause(ctx)
	require.NoError(t, err)

	resumed, state, err := b.Resume(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseImplement, state.CurrentPhase)
	assert.Equal(t, []string{"sess-1"}, b.IDs())
	assert.Same(t, resumed, b.GetOrCreate("sess-1"))
}

func TestRegistry_ResumeUnknown(t *testing.T) {
	r := newTestRegistry(store.NewMemoryStore(), "agent-a")
	_, _, err := r.Resume(context.Background(), "nope")
	assert.Equal(t, errs.KindSessionNotFound, errs.KindOf(err))

	_, _, err = r.Resume(context.Background(), "../etc/passwd")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestRegistry_RemoveKeepsStorage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newTestRegistry(st, "agent-a", sequentialIDs())
	_, _, err := r.Start(ctx, exampleParams())
	require.NoError(t, err)

	r.Remove("sess-1")
	r.Remove("sess-1")
	_, ok := r.Get("sess-1")
	assert.False(t, ok)

	exists, err := st.SessionExists(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, exists)

	// The same holder picks it back up from storage.
	_, state, err := r.Resume(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseWriteTest, state.CurrentPhase)
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRegistry(store.NewMemoryStore(), "agent-a")
	const workers = 32

	var wg sync.WaitGroup
	results := make([]*Engine, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("shared")
			r.GetOrCreate(fmt.Sprintf("own-%d", i))
		}(i)
	}
	wg.Wait()

	for _, e := range results {
		assert.Same(t, results[0], e)
	}
	assert.Len(t, r.IDs(), workers+1)
}

func TestRegistry_ConcurrentSessionsAreIndependent(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	r := newTestRegistry(store.NewMemoryStore(), "agent-a", sequentialIDs())
	const sessions = 8

	var wg sync.WaitGroup
	errCh := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := r.Start(ctx, exampleParams())
			if err != nil {
				errCh <- err
				return
			}
			for _, evidence := range []string{"test", "pass", "clean"} {
				if _, err := e.NextPhase(ctx, evidence); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	for _, id := range r.IDs() {
		e, _ := r.Get(id)
		s, err := e.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, position{models.PhaseWriteTest, 2}, pos(s))
	}
}

func TestRegistry_BreakLock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	a := newTestRegistry(st, "agent-a", sequentialIDs())
	_, _, err := a.Start(ctx, exampleParams())
	require.NoError(t, err)

	b := newTestRegistry(st, "agent-b")

	// A live foreign lock is refused without force.
	_, err = b.BreakLock(ctx, "sess-1", false)
	assert.Equal(t, errs.KindSessionLocked, errs.KindOf(err))

	removed, err := b.BreakLock(ctx, "sess-1", true)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "agent-a", removed.LockedBy)

	removed, err = b.BreakLock(ctx, "sess-1", false)
	require.NoError(t, err)
	assert.Nil(t, removed, "nothing left to break")

	_, _, err = b.Resume(ctx, "sess-1")
	require.NoError(t, err)
}

func TestRegistry_BreakStaleLock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clock := newFakeClock()
	a := NewRegistry(st, testIdentity("agent-a"), WithClock(clock.Now), sequentialIDs())
	_, _, err := a.Start(ctx, exampleParams())
	require.NoError(t, err)

	aged := &holder.Checker{Host: "test-host", MaxAge: time.Minute, Alive: func(int) bool { return true }}
	later := func() time.Time { return t0.Add(time.Hour) }
	b := NewRegistry(st, testIdentity("agent-b"), WithClock(later), WithStaleChecker(aged))

	_, _, err = b.Resume(ctx, "sess-1")
	var locked *errs.Error
	require.ErrorAs(t, err, &locked)
	assert.True(t, locked.Stale)

	removed, err := b.BreakLock(ctx, "sess-1", false)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", removed.LockedBy)
}

func TestRegistry_Close(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newTestRegistry(st, "agent-a", sequentialIDs())
	_, _, err := r.Start(ctx, exampleParams())
	require.NoError(t, err)
	e2, _, err := r.Start(ctx, exampleParams())
	require.NoError(t, err)
	_, err = e2.Pause(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Close(ctx))

	for _, id := range []string{"sess-1", "sess-2"} {
		locked, err := st.IsLocked(ctx, id)
		require.NoError(t, err)
		assert.False(t, locked)
	}
}
