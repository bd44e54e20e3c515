package watch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/holder"
	"github.com/joescharf/tdd/internal/session"
	"github.com/joescharf/tdd/internal/store"
)

func newFileEngine(t *testing.T) (*store.FileStore, *session.Engine) {
	t.Helper()
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	e := session.NewEngine(fs, "s1", holder.Identity{ID: "agent-a", PID: 1, Host: "test-host"},
		session.WithStaleChecker(&holder.Checker{Host: "test-host", Alive: func(int) bool { return true }}))
	_, err = e.Start(context.Background(), session.StartParams{
		Goal:                "X",
		TestFiles:           []string{"t.py"},
		ImplementationFiles: []string{"i.py"},
		RunTests:            []string{"run t.py"},
	})
	require.NoError(t, err)
	return fs, e
}

func next(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case l := <-lines:
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for history line")
		return ""
	}
}

func TestFollow_StreamsAppendsUntilEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs, e := newFileEngine(t)
	ctx := context.Background()

	lines := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, fs, fs.Dir(), "s1", func(l string) { lines <- l })
	}()

	assert.True(t, strings.HasSuffix(next(t, lines), "Session started: X"))

	require.NoError(t, e.Log(ctx, "note"))
	assert.True(t, strings.HasSuffix(next(t, lines), "Log: note"))

	_, err := e.NextPhase(ctx, "wrote test")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(next(t, lines), "Phase write_test -> implement: wrote test"))

	_, err = e.End(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(next(t, lines), "Session ended"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after the session ended")
	}
}

func TestFollow_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs, _ := newFileEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	lines := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, fs, fs.Dir(), "s1", func(l string) { lines <- l })
	}()
	next(t, lines)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}

func TestFollow_EndedSessionReturnsImmediately(t *testing.T) {
	fs, e := newFileEngine(t)
	_, err := e.End(context.Background())
	require.NoError(t, err)

	var got []string
	err = Follow(context.Background(), fs, fs.Dir(), "s1", func(l string) { got = append(got, l) })
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFollow_UnknownSession(t *testing.T) {
	fs, _ := newFileEngine(t)
	err := Follow(context.Background(), fs, fs.Dir(), "missing", func(string) {})
	assert.Equal(t, errs.KindSessionNotFound, errs.KindOf(err))

	err = Follow(context.Background(), fs, fs.Dir(), "../x", func(string) {})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
