package session

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/models"
)

// Session statuses reported by Inspect.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusStale     = "stale"
	StatusEnded     = "ended"
	StatusCorrupted = "corrupted"
)

// inspectWorkers bounds concurrent replays when listing sessions.
const inspectWorkers = 8

// Overview is a read-only snapshot of one stored session and its lock.
type Overview struct {
	ID     string               `json:"session_id"`
	Status string               `json:"status"`
	State  *models.SessionState `json:"state,omitempty"`
	Digest string               `json:"state_digest,omitempty"`
	Lock   *models.Lock         `json:"lock,omitempty"`
	Stale  bool                 `json:"stale"`
	Error  string               `json:"error,omitempty"`
}

// Inspect replays session id straight from storage without taking its
// lock or touching the engine cache. A session whose log fails to replay
// is reported with StatusCorrupted instead of an error; a missing session
// is an error.
func (r *Registry) Inspect(ctx context.Context, id string) (Overview, error) {
	ov := Overview{ID: id}

	lock, err := r.store.LockInfo(ctx, id)
	if err != nil {
		return ov, err
	}
	ov.Lock = lock
	if lock != nil {
		ov.Stale = r.o.checker.Stale(lock, r.o.now().UTC())
	}

	events, err := r.store.LoadEvents(ctx, id)
	if err == nil {
		ov.State, err = Replay(id, events)
	}
	switch {
	case err == nil:
	case errs.Is(err, errs.KindCorruptedData):
		ov.Status = StatusCorrupted
		ov.Error = err.Error()
		return ov, nil
	default:
		return ov, err
	}

	if ov.Digest, err = ov.State.Digest(); err != nil {
		return ov, err
	}

	switch {
	case ov.State.Ended:
		ov.Status = StatusEnded
	case lock == nil:
		ov.Status = StatusPaused
	case ov.Stale:
		ov.Status = StatusStale
	default:
		ov.Status = StatusActive
	}
	return ov, nil
}

// Overviews inspects every stored session concurrently, in id order.
func (r *Registry) Overviews(ctx context.Context) ([]Overview, error) {
	ids, err := r.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]Overview, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectWorkers)
	for i, id := range ids {
		g.Go(func() error {
			ov, err := r.Inspect(gctx, id)
			if err != nil {
				return fmt.Errorf("inspect %s: %w", id, err)
			}
			out[i] = ov
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
