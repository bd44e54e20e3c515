package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/holder"
	"github.com/joescharf/tdd/internal/log"
	"github.com/joescharf/tdd/internal/metrics"
	"github.com/joescharf/tdd/internal/models"
	"github.com/joescharf/tdd/internal/store"
)

func newSessionID() string {
	return ulid.Make().String()
}

// Registry caches one Engine per session id for a process. It is created by
// the composition root and passed to whatever exposes operations. Removing
// an entry never touches storage.
type Registry struct {
	store  store.Store
	holder holder.Identity
	opts   []Option
	o      options
	logger zerolog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry returns an empty registry whose engines share st, h and opts.
func NewRegistry(st store.Store, h holder.Identity, opts ...Option) *Registry {
	o := buildOptions(opts)
	return &Registry{
		store:   st,
		holder:  h,
		opts:    opts,
		o:       o,
		logger:  o.logger,
		engines: make(map[string]*Engine),
	}
}

// Holder returns the identity engines of this registry lock with.
func (r *Registry) Holder() holder.Identity { return r.holder }

// Store returns the storage port shared by the registry's engines.
func (r *Registry) Store() store.Store { return r.store }

// Get returns the cached engine for id.
func (r *Registry) Get(id string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[id]
	return e, ok
}

// GetOrCreate returns the cached engine for id, creating it if needed.
// Concurrent callers with the same id always receive the same engine.
func (r *Registry) GetOrCreate(id string) *Engine {
	e, _ := r.getOrCreate(id)
	return e
}

func (r *Registry) getOrCreate(id string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[id]; ok {
		return e, false
	}
	e := NewEngine(r.store, id, r.holder, r.opts...)
	r.engines[id] = e
	metrics.CachedSessions.Inc()
	return e, true
}

// Remove drops id from the cache.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[id]; ok {
		delete(r.engines, id)
		metrics.CachedSessions.Dec()
	}
}

// IDs returns the cached session ids in order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start opens a new session under a fresh id and caches its engine.
func (r *Registry) Start(ctx context.Context, p StartParams) (*Engine, *models.SessionState, error) {
	id := r.o.newID()
	e, created := r.getOrCreate(id)
	if !created {
		return nil, nil, fmt.Errorf("session id %q already in use", id)
	}
	st, err := e.Start(ctx, p)
	if err != nil {
		r.Remove(id)
		return nil, nil, err
	}
	return e, st, nil
}

// Resume takes over an existing session. A failed resume does not leave a
// new cache entry behind.
func (r *Registry) Resume(ctx context.Context, id string) (*Engine, *models.SessionState, error) {
	if err := store.ValidateSessionID(id); err != nil {
		return nil, nil, err
	}
	e, created := r.getOrCreate(id)
	st, err := e.Resume(ctx)
	if err != nil {
		if created {
			r.Remove(id)
		}
		return nil, nil, err
	}
	return e, st, nil
}

// BreakLock removes the lock of session id and returns the marker it
// removed (nil if the session was not locked). Without force only a lock
// this registry's holder owns or a stale lock is removed.
func (r *Registry) BreakLock(ctx context.Context, id string, force bool) (*models.Lock, error) {
	info, err := r.store.LockInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	stale := r.o.checker.Stale(info, r.o.now().UTC())
	if !force && !stale && !r.holder.Owns(info) {
		return nil, errs.Locked(id, info.LockedBy, false)
	}
	if err := r.store.ReleaseLock(ctx, id); err != nil {
		return nil, fmt.Errorf("release lock: %w", err)
	}
	r.logger.Warn().
		Str(log.FieldSessionID, id).
		Str(log.FieldHolder, info.LockedBy).
		Bool("stale", stale).
		Bool("force", force).
		Msg("lock broken")
	return info, nil
}

// Close releases every lock this registry's engines hold. It is meant for
// process shutdown; sessions stay resumable.
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	for _, id := range r.IDs() {
		e, ok := r.Get(id)
		if !ok {
			continue
		}
		held, err := e.Holds(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !held {
			continue
		}
		if err := r.store.ReleaseLock(ctx, id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release lock %s: %w", id, err)
		}
	}
	return firstErr
}
