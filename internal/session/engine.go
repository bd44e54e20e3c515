// Package session is the event-sourced TDD session engine: replay, the phase
// state machine, the per-session Engine and the Registry that caches engines.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/holder"
	"github.com/joescharf/tdd/internal/log"
	"github.com/joescharf/tdd/internal/metrics"
	"github.com/joescharf/tdd/internal/models"
	"github.com/joescharf/tdd/internal/store"
)

// StartParams opens a session.
type StartParams struct {
	Goal                string
	TestFiles           []string
	ImplementationFiles []string
	RunTests            []string
	CustomRules         []string
}

// UpdateParams changes session settings. Nil fields are left alone. An empty
// non-nil CustomRules clears the custom rules; TestFiles, ImplementationFiles
// and RunTests must stay non-empty when given.
type UpdateParams struct {
	Goal                *string
	TestFiles           []string
	ImplementationFiles []string
	RunTests            []string
	CustomRules         []string
}

// Option configures an Engine or Registry.
type Option func(*options)

type options struct {
	now     func() time.Time
	checker *holder.Checker
	logger  zerolog.Logger
	newID   func() string
}

func defaultOptions() options {
	return options{
		now:     time.Now,
		checker: holder.NewChecker(0),
		logger:  log.WithComponent("session"),
		newID:   newSessionID,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source used for event timestamps and locks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStaleChecker sets how foreign locks are judged stale.
func WithStaleChecker(c *holder.Checker) Option {
	return func(o *options) { o.checker = c }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIDGenerator sets how a Registry names new sessions.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// Engine is the only writer of one session. Operations are serialised;
// every mutation appends exactly one event and returns the replayed state.
type Engine struct {
	mu     sync.Mutex
	id     string
	store  store.Store
	holder holder.Identity
	opts   options
	logger zerolog.Logger

	// replayer caches the state of the events read so far.
	replayer *Replayer
}

// NewEngine binds an engine to sessionID. Nothing is read until the first
// operation.
func NewEngine(st store.Store, sessionID string, h holder.Identity, opts ...Option) *Engine {
	o := buildOptions(opts)
	return &Engine{
		id:     sessionID,
		store:  st,
		holder: h,
		opts:   o,
		logger: o.logger.With().Str(log.FieldSessionID, sessionID).Logger(),
	}
}

// ID returns the session id.
func (e *Engine) ID() string { return e.id }

// Start validates params, takes the lock and records session_started.
func (e *Engine) Start(ctx context.Context, p StartParams) (*models.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.start(ctx, p)
	return st, e.observe("start", err)
}

func (e *Engine) start(ctx context.Context, p StartParams) (*models.SessionState, error) {
	if err := store.ValidateSessionID(e.id); err != nil {
		return nil, err
	}
	exists, err := e.store.SessionExists(ctx, e.id)
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if exists {
		return nil, errs.Validation("session %q already exists; resume it instead", e.id)
	}

	customRules := p.CustomRules
	if customRules == nil {
		customRules = []string{}
	}
	event := models.NewEvent(e.now(), models.SessionStarted{
		Goal:                p.Goal,
		TestFiles:           p.TestFiles,
		ImplementationFiles: p.ImplementationFiles,
		RunTests:            p.RunTests,
		CustomRules:         customRules,
	})
	if err := event.Validate(); err != nil {
		return nil, err
	}

	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	if err := e.store.AppendEvent(ctx, e.id, event); err != nil {
		e.release(ctx)
		return nil, err
	}
	metrics.RecordAppend(string(event.Type))

	r := NewReplayer(e.id)
	if err := r.Apply(event); err != nil {
		return nil, err
	}
	e.replayer = r

	e.logger.Info().Str(log.FieldHolder, e.holder.ID).Msg("session started")
	return r.State(), nil
}

// Update overwrites the session settings present in p.
func (e *Engine) Update(ctx context.Context, p UpdateParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.mutate(ctx, func(*models.SessionState) (models.Payload, error) {
		return models.SessionUpdated{
			Goal:                p.Goal,
			TestFiles:           p.TestFiles,
			ImplementationFiles: p.ImplementationFiles,
			RunTests:            p.RunTests,
			CustomRules:         p.CustomRules,
		}, nil
	})
	return e.observe("update", err)
}

// NextPhase moves to the default next phase. Refactor is never skipped.
func (e *Engine) NextPhase(ctx context.Context, evidence string) (*models.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.advance(ctx, nil, evidence)
	return st, e.observe("next_phase", err)
}

// AdvanceTo moves to an explicit target phase, e.g. implement -> write_test
// to skip refactoring.
func (e *Engine) AdvanceTo(ctx context.Context, to models.Phase, evidence string) (*models.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.advance(ctx, &to, evidence)
	return st, e.observe("next_phase", err)
}

func (e *Engine) advance(ctx context.Context, target *models.Phase, evidence string) (*models.SessionState, error) {
	var from models.Phase
	st, err := e.mutate(ctx, func(cur *models.SessionState) (models.Payload, error) {
		from = cur.CurrentPhase
		var to models.Phase
		if target != nil {
			to = *target
		} else {
			next, err := DefaultNext(from)
			if err != nil {
				return nil, err
			}
			to = next
		}
		cycle, err := NextCycle(from, cur.CycleNumber, to)
		if err != nil {
			return nil, err
		}
		return models.PhaseChanged{
			FromPhase:   &from,
			ToPhase:     to,
			Evidence:    evidence,
			CycleNumber: cycle,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(from), string(st.CurrentPhase))
	e.logger.Info().
		Str("from", string(from)).
		Str(log.FieldPhase, string(st.CurrentPhase)).
		Int(log.FieldCycle, st.CycleNumber).
		Msg("phase changed")
	return st, nil
}

// Rollback undoes the most recent forward transition, restoring the cycle
// number it had.
func (e *Engine) Rollback(ctx context.Context, reason string) (*models.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var fromCycle int
	st, err := e.mutate(ctx, func(cur *models.SessionState) (models.Payload, error) {
		mark, err := RollbackTarget(cur)
		if err != nil {
			return nil, err
		}
		fromCycle = cur.CycleNumber
		return models.Rollback{
			FromPhase:   cur.CurrentPhase,
			ToPhase:     mark.Phase,
			Reason:      reason,
			CycleNumber: mark.Cycle,
		}, nil
	})
	if err != nil {
		return nil, e.observe("rollback", err)
	}
	metrics.RecordRollback(st.CycleNumber != fromCycle)
	e.logger.Info().
		Str(log.FieldPhase, string(st.CurrentPhase)).
		Int(log.FieldCycle, st.CycleNumber).
		Msg("rolled back")
	return st, nil
}

// Log records a free-form note.
func (e *Engine) Log(ctx context.Context, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.mutate(ctx, func(*models.SessionState) (models.Payload, error) {
		return models.LogEntry{Message: message}, nil
	})
	return e.observe("log", err)
}

// Pause records a pause marker and releases the lock so another holder can
// resume the session.
func (e *Engine) Pause(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.mutate(ctx, func(*models.SessionState) (models.Payload, error) {
		return models.SessionPaused{LockedBy: e.holder.ID}, nil
	})
	if err != nil {
		return "", e.observe("pause", err)
	}
	if err := e.store.ReleaseLock(ctx, e.id); err != nil {
		return "", fmt.Errorf("release lock: %w", err)
	}
	e.logger.Info().Msg("session paused")
	return e.id, nil
}

// Resume takes the lock and records a resume marker. Resuming a session
// this holder already owns is a no-op.
func (e *Engine) Resume(ctx context.Context) (*models.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.resume(ctx)
	return st, e.observe("resume", err)
}

func (e *Engine) resume(ctx context.Context) (*models.SessionState, error) {
	if err := store.ValidateSessionID(e.id); err != nil {
		return nil, err
	}
	cur, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if cur.Ended {
		return nil, errs.Ended(e.id)
	}

	info, err := e.store.LockInfo(ctx, e.id)
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if e.holder.Owns(info) {
		return cur, nil
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}

	event := models.NewEvent(e.now(), models.SessionResumed{LockedBy: e.holder.ID})
	if err := e.append(ctx, event); err != nil {
		e.release(ctx)
		return nil, err
	}
	e.logger.Info().Str(log.FieldHolder, e.holder.ID).Msg("session resumed")
	return e.replayer.State(), nil
}

// End closes the session for good, releases the lock and returns a summary.
func (e *Engine) End(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var summary string
	_, err := e.mutate(ctx, func(cur *models.SessionState) (models.Payload, error) {
		summary = Summary(cur)
		return models.SessionEnded{Summary: summary}, nil
	})
	if err != nil {
		return "", e.observe("end", err)
	}
	if err := e.store.ReleaseLock(ctx, e.id); err != nil {
		return "", fmt.Errorf("release lock: %w", err)
	}
	e.logger.Info().Msg("session ended")
	return summary, nil
}

// State returns the current replayed state. It needs no lock.
func (e *Engine) State(ctx context.Context) (*models.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.load(ctx)
	return st, e.observe("get_current_state", err)
}

// History renders every event in append order. It needs no lock and works
// on ended sessions.
func (e *Engine) History(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	events, err := e.store.LoadEvents(ctx, e.id)
	if err != nil {
		return nil, e.observe("history", err)
	}
	return History(events), nil
}

// Holds reports whether this engine's holder owns the session lock.
func (e *Engine) Holds(ctx context.Context) (bool, error) {
	info, err := e.store.LockInfo(ctx, e.id)
	if err != nil {
		return false, err
	}
	return e.holder.Owns(info), nil
}

// mutate runs the shared command pipeline: replay, ended check, lock check,
// build, validate, append, incremental replay.
func (e *Engine) mutate(ctx context.Context, build func(*models.SessionState) (models.Payload, error)) (*models.SessionState, error) {
	cur, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if cur.Ended {
		return nil, errs.Ended(e.id)
	}
	if err := e.checkHeld(ctx); err != nil {
		return nil, err
	}

	payload, err := build(cur)
	if err != nil {
		return nil, err
	}
	if err := e.append(ctx, models.NewEvent(e.now(), payload)); err != nil {
		return nil, err
	}
	return e.replayer.State(), nil
}

// append validates, persists and folds one event into the cached state.
func (e *Engine) append(ctx context.Context, event models.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if err := e.store.AppendEvent(ctx, e.id, event); err != nil {
		return err
	}
	metrics.RecordAppend(string(event.Type))
	if err := e.replayer.Apply(event); err != nil {
		// The store now holds an event the cache rejected; force a full
		// reload next time so the corruption is reported from storage.
		e.replayer = nil
		return err
	}
	return nil
}

// load brings the cached replayer up to date with storage. Only events
// appended since the last read are replayed.
func (e *Engine) load(ctx context.Context) (*models.SessionState, error) {
	events, err := e.store.LoadEvents(ctx, e.id)
	if err != nil {
		return nil, err
	}
	if e.replayer == nil || e.replayer.Len() > len(events) {
		e.replayer = NewReplayer(e.id)
	}
	for _, ev := range events[e.replayer.Len():] {
		if err := e.replayer.Apply(ev); err != nil {
			e.replayer = nil
			return nil, err
		}
	}
	st := e.replayer.State()
	if st == nil {
		return nil, errs.Corrupted(e.id, "event log is empty", nil)
	}
	return st, nil
}

func (e *Engine) checkHeld(ctx context.Context) error {
	info, err := e.store.LockInfo(ctx, e.id)
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if e.holder.Owns(info) {
		return nil
	}
	if info != nil {
		return errs.Locked(e.id, info.LockedBy, e.opts.checker.Stale(info, e.now()))
	}
	return errs.NotHeld(e.id)
}

// acquire takes the lock, reporting a refusal with the current holder and
// whether that lock looks abandoned.
func (e *Engine) acquire(ctx context.Context) error {
	err := e.store.AcquireLock(ctx, e.id, e.holder.Lock(e.now()))
	if err == nil || !errs.Is(err, errs.KindSessionLocked) {
		return err
	}
	info, ierr := e.store.LockInfo(ctx, e.id)
	if ierr != nil || info == nil {
		metrics.RecordLockConflict(false)
		return err
	}
	stale := e.opts.checker.Stale(info, e.now())
	metrics.RecordLockConflict(stale)
	if stale {
		e.logger.Warn().Str(log.FieldHolder, info.LockedBy).Time("locked_at", info.LockedAt).Msg("session is held by a stale lock")
	}
	return errs.Locked(e.id, info.LockedBy, stale)
}

func (e *Engine) release(ctx context.Context) {
	if err := e.store.ReleaseLock(ctx, e.id); err != nil {
		e.logger.Error().Err(err).Msg("release lock after failed append")
	}
}

func (e *Engine) now() time.Time {
	return e.opts.now().UTC()
}

// observe counts and logs a rejected command, returning err unchanged.
func (e *Engine) observe(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := errs.KindOf(err)
	metrics.RecordCommandError(string(kind))
	e.logger.Debug().Err(err).Str("op", op).Str("kind", string(kind)).Msg("command rejected")
	return err
}
