// Package engine keeps a window of calendar dates synchronized between the
// remote calendar and the local store, and runs event mutations against
// the remote.
//
// Observable state lives in cells that only the Engine writes: the loaded
// range, the visible date, the network status, and one result channel per
// mutation kind. At most one fetch task is active; starting another cancels
// it. Cancellation is honored only while a token is being acquired. Once a
// fetch has published Loading, it runs to Idle or Error regardless.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/auth"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/remote"
	"calsync/internal/settings"
	"calsync/internal/state"
	"calsync/internal/store"
)

var (
	// ErrSuperseded is the cancellation cause of a fetch replaced by a newer one.
	ErrSuperseded = errors.New("fetch superseded by a newer request")
	// ErrLocalSync reports that the remote accepted a change the local
	// store could not mirror. The remote is authoritative.
	ErrLocalSync = errors.New("synchronization error")
	// ErrClosed is the cancellation cause of tasks still running at Close.
	ErrClosed = errors.New("engine closed")
)

const msgAuthFailed = "authentication failed: could not obtain an access token"

// Remote is the calendar API the engine talks to. *remote.Client
// implements it.
type Remote interface {
	EventsInRange(ctx context.Context, token string, r model.DateRange) ([]model.CalendarEvent, error)
	CreateEvent(ctx context.Context, token string, draft model.EventDraft) (string, error)
	UpdateEvent(ctx context.Context, token, id string, patch model.EventPatch, mode remote.UpdateMode) (string, error)
	DeleteEvent(ctx context.Context, token, id string, mode remote.DeleteMode) error
}

// Store is the local mirror. *store.Store implements it.
type Store interface {
	ClearAndInsertEventsForRange(ctx context.Context, startMs, endMs int64, rows []store.EventRow) error
	DeleteEventByID(ctx context.Context, id string) error
	WatchRange(ctx context.Context, startMs, endMs int64) <-chan []store.EventRow
}

// Options wires an Engine to its collaborators. Remote, Store, Tokens and
// Settings are required.
type Options struct {
	Remote   Remote
	Store    Store
	Tokens   auth.TokenProvider
	Settings settings.Provider

	// Policy defaults to DefaultPolicy when left zero.
	Policy Policy

	TokenAttempts int
	TokenBackoff  time.Duration

	// RefreshCron, when set, force-refreshes the visible date on that
	// schedule while Run is active.
	RefreshCron string
}

// Engine keeps a window of the remote calendar mirrored in the local store
// around the visible date, and runs create/update/delete mutations.
// Construct it with New and release it with Close.
type Engine struct {
	remote   Remote
	store    Store
	tokens   auth.TokenProvider
	settings settings.Provider

	policy        Policy
	tokenAttempts int
	tokenBackoff  time.Duration
	refreshSpec   string

	loaded  *state.Cell[*model.DateRange]
	visible *state.Cell[model.Date]
	status  *state.Cell[state.NetworkStatus]

	creates *state.Channel[string]
	updates *state.Channel[string]
	deletes *state.Channel[string]

	// mu guards active only.
	mu     sync.Mutex
	active *task

	ctx    context.Context
	cancel context.CancelCauseFunc
	tasks  sync.WaitGroup
}

// task is the handle of one fetch decision. done closes after the task and
// every task it replaced have finished.
type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// New validates opts and returns an idle Engine. Nothing is fetched until
// SetVisibleDate is called.
func New(opts Options) (*Engine, error) {
	if opts.Remote == nil || opts.Store == nil || opts.Tokens == nil || opts.Settings == nil {
		return nil, errors.New("engine: remote, store, tokens and settings are required")
	}

	policy := opts.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if opts.TokenAttempts <= 0 {
		opts.TokenAttempts = 3
	}
	if opts.TokenBackoff <= 0 {
		opts.TokenBackoff = 500 * time.Millisecond
	}
	if opts.RefreshCron != "" {
		if _, err := cron.ParseStandard(opts.RefreshCron); err != nil {
			return nil, fmt.Errorf("invalid refresh schedule %q: %w", opts.RefreshCron, err)
		}
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Engine{
		remote:        opts.Remote,
		store:         opts.Store,
		tokens:        opts.Tokens,
		settings:      opts.Settings,
		policy:        policy,
		tokenAttempts: opts.TokenAttempts,
		tokenBackoff:  opts.TokenBackoff,
		refreshSpec:   opts.RefreshCron,
		loaded:        state.NewCell[*model.DateRange](nil),
		visible:       state.NewCell(model.Date{}),
		status:        state.NewCell(state.StatusIdle()),
		creates:       state.NewChannel[string](),
		updates:       state.NewChannel[string](),
		deletes:       state.NewChannel[string](),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Run drives the scheduled refresh until ctx is done. Without a schedule it
// just blocks.
func (e *Engine) Run(ctx context.Context) error {
	if e.refreshSpec == "" {
		<-ctx.Done()
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(e.refreshSpec, func() {
		appLog.Debug("scheduled refresh")
		err := e.RefreshCurrent(ctx, true)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, auth.ErrNotSignedIn):
			appLog.Debug("scheduled refresh skipped; not signed in")
		default:
			appLog.Error("scheduled refresh failed", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	c.Start()
	appLog.Info("refresh scheduler started", "spec", e.refreshSpec)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Close cancels every task and waits for them. A fetch already committing
// finishes first.
func (e *Engine) Close() {
	e.mu.Lock()
	e.cancel(ErrClosed)
	e.mu.Unlock()
	e.tasks.Wait()
}

// SetVisibleDate records date as the one being viewed and, when needed,
// starts a fetch for the window around it.
func (e *Engine) SetVisibleDate(date model.Date, force bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !force && e.visible.Get() == date && e.loaded.Get() != nil {
		return
	}

	e.cancelActiveLocked()
	e.visible.Set(date)

	if !e.tokens.Authenticated() {
		appLog.Debug("not signed in; skipping fetch", "date", date)
		return
	}
	e.startLocked(date, force)
}

// RefreshCurrent force-fetches the window around the visible date. With join
// it returns once that fetch is over or ctx is done.
func (e *Engine) RefreshCurrent(ctx context.Context, join bool) error {
	e.mu.Lock()
	date := e.visible.Get()
	if date.IsZero() {
		e.mu.Unlock()
		return nil
	}
	e.cancelActiveLocked()
	if !e.tokens.Authenticated() {
		e.mu.Unlock()
		return auth.ErrNotSignedIn
	}
	t := e.startLocked(date, true)
	e.mu.Unlock()

	if !join {
		return nil
	}
	return t.wait(ctx)
}

// WaitIdle blocks until the active fetch task, if any, has finished.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	t := e.active
	e.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.wait(ctx)
}

// ClearNetworkError acknowledges a displayed fetch error.
func (e *Engine) ClearNetworkError() {
	e.status.Update(func(cur state.NetworkStatus) (state.NetworkStatus, bool) {
		return state.StatusIdle(), cur.IsError()
	})
}

func (e *Engine) cancelActiveLocked() {
	if e.active != nil {
		e.active.cancel(ErrSuperseded)
	}
}

func (e *Engine) startLocked(date model.Date, force bool) *task {
	prev := e.active
	ctx, cancel := context.WithCancelCause(e.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	if e.ctx.Err() != nil {
		close(t.done)
		return t
	}
	e.active = t

	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		defer close(t.done)
		defer cancel(nil)

		if prev != nil {
			// prev is already cancelled; at most a shielded commit is left.
			<-prev.done
		}
		if ctx.Err() != nil {
			return
		}

		plan, ok := Decide(e.policy, date, e.loaded.Get(), force)
		if !ok {
			appLog.Debug("visible date already covered", "date", date, "loaded", e.loaded.Get())
			return
		}
		appLog.Debug("fetch planned", "date", date, "range", plan.Range, "replace", plan.Replace, "reason", plan.Reason)

		if err := e.fetchAndStore(ctx, plan); err != nil {
			if errors.Is(err, ErrSuperseded) || errors.Is(err, ErrClosed) {
				appLog.Debug("fetch cancelled", "range", plan.Range, "cause", err)
				return
			}
			appLog.Error("fetch failed", err, "range", plan.Range)
		}
	}()
	return t
}

func (t *task) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// fetchAndStore fetches plan.Range and commits it to the store and the
// loaded range. It returns the cancellation cause when cancelled before
// Loading, and otherwise the error already published as NetworkStatus.
func (e *Engine) fetchAndStore(ctx context.Context, plan Plan) error {
	e.status.Update(func(cur state.NetworkStatus) (state.NetworkStatus, bool) {
		return state.StatusIdle(), cur.IsError()
	})
	defer e.status.Update(func(cur state.NetworkStatus) (state.NetworkStatus, bool) {
		return state.StatusIdle(), cur.IsLoading()
	})

	token, err := auth.Acquire(ctx, e.tokens, e.tokenAttempts, e.tokenBackoff)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		e.status.Set(state.StatusError(msgAuthFailed))
		return err
	}

	e.status.Set(state.StatusLoading())

	// From here on the outcome must reach the store and the status cells.
	commit := context.WithoutCancel(ctx)

	events, err := e.remote.EventsInRange(commit, token, plan.Range)
	if err != nil {
		e.status.Set(state.StatusError(err.Error()))
		return err
	}

	if err := e.saveEvents(commit, events, plan.Range); err != nil {
		e.status.Set(state.StatusError(err.Error()))
		return err
	}

	e.loaded.Update(func(cur *model.DateRange) (*model.DateRange, bool) {
		next := plan.Range
		if !plan.Replace && cur != nil {
			next = cur.Union(plan.Range)
		}
		return &next, true
	})
	e.status.Set(state.StatusIdle())

	appLog.Info("range synchronized", "range", plan.Range, "events", len(events), "replace", plan.Replace)
	return nil
}

// Status returns the current network status.
func (e *Engine) Status() state.NetworkStatus { return e.status.Get() }

// WatchStatus streams the network status, current value first.
func (e *Engine) WatchStatus(ctx context.Context) <-chan state.NetworkStatus {
	return e.status.Subscribe(ctx)
}

// LoadedRange returns a copy of the synchronized range; ok is false before
// the first successful fetch.
func (e *Engine) LoadedRange() (model.DateRange, bool) {
	r := e.loaded.Get()
	if r == nil {
		return model.DateRange{}, false
	}
	return *r, true
}

func (e *Engine) VisibleDate() model.Date { return e.visible.Get() }

// Policy returns the window policy in effect.
func (e *Engine) Policy() Policy { return e.policy }
