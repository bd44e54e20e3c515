// Package watch follows a session record on disk and streams its history
// as other processes append to it.
package watch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/log"
	"github.com/joescharf/tdd/internal/session"
	"github.com/joescharf/tdd/internal/store"
)

// Follow emits the history of session id, then keeps emitting new lines as
// the record in dir changes. It returns when ctx is cancelled or the session
// ends.
func Follow(ctx context.Context, st store.Store, dir, id string, emit func(line string)) error {
	if err := store.ValidateSessionID(id); err != nil {
		return err
	}
	logger := log.WithComponent("watch").With().Str(log.FieldSessionID, id).Logger()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Records are replaced by rename, so the directory is watched rather
	// than the file itself.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	seen := 0
	catchUp := func() (bool, error) {
		events, err := st.LoadEvents(ctx, id)
		if err != nil {
			return false, err
		}
		if len(events) < seen {
			seen = 0
		}
		for _, e := range events[seen:] {
			emit(session.FormatEvent(e))
		}
		seen = len(events)
		state, err := session.Replay(id, events)
		if err != nil {
			return false, err
		}
		return state.Ended, nil
	}

	ended, err := catchUp()
	if err != nil {
		return err
	}
	if ended {
		return nil
	}

	record := id + ".json"
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != record || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			ended, err := catchUp()
			if errs.Is(err, errs.KindSessionNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if ended {
				logger.Debug().Msg("session ended, stop following")
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
}
