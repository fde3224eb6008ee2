package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"calsync/internal/auth"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/recurrence"
	"calsync/internal/remote"
	"calsync/internal/state"
	"calsync/internal/store"
)

// CreateEvent runs a create mutation and reports whether it was accepted.
// It is refused while another create is in flight. The outcome, the new
// event id on success, is published on the create channel.
func (e *Engine) CreateEvent(ctx context.Context, draft model.EventDraft) bool {
	if !e.creates.Begin() {
		appLog.Warn("create already in flight; request ignored", "summary", draft.Summary)
		return false
	}

	id, err := e.createEvent(ctx, draft)
	if err != nil {
		appLog.Error("create event failed", err, "summary", draft.Summary)
		e.creates.Fail(err.Error())
		return true
	}

	appLog.Info("event created", "id", id)
	e.creates.Succeed(id)
	e.refreshAfterMutation()
	return true
}

func (e *Engine) createEvent(ctx context.Context, draft model.EventDraft) (string, error) {
	if err := validateDraft(draft); err != nil {
		return "", err
	}
	token, err := e.token(ctx)
	if err != nil {
		return "", err
	}
	return e.remote.CreateEvent(ctx, token, draft)
}

func validateDraft(d model.EventDraft) error {
	switch {
	case strings.TrimSpace(d.Summary) == "":
		return errors.New("summary is required")
	case strings.TrimSpace(d.StartTime) == "":
		return errors.New("start time is required")
	case strings.TrimSpace(d.EndTime) == "":
		return errors.New("end time is required")
	}
	for _, rule := range d.Recurrence {
		if strings.TrimSpace(rule) == "" {
			continue
		}
		if err := recurrence.Validate(rule); err != nil {
			return err
		}
	}
	return nil
}

// UpdateEvent applies a sparse patch to id. The id published on success is
// the one the remote returned, which replaces id when a series was split.
func (e *Engine) UpdateEvent(ctx context.Context, id string, patch model.EventPatch, mode remote.UpdateMode) bool {
	if !e.updates.Begin() {
		appLog.Warn("update already in flight; request ignored", "id", id)
		return false
	}

	newID, err := e.updateEvent(ctx, id, patch, mode)
	if err != nil {
		appLog.Error("update event failed", err, "id", id, "mode", mode)
		e.updates.Fail(err.Error())
		return true
	}

	if newID != id {
		appLog.Info("event updated under a new id", "id", id, "new_id", newID)
	}
	e.updates.Succeed(newID)
	e.refreshAfterMutation()
	return true
}

func (e *Engine) updateEvent(ctx context.Context, id string, patch model.EventPatch, mode remote.UpdateMode) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.New("event id is required")
	}
	if patch.Recurrence != nil {
		for _, rule := range *patch.Recurrence {
			if strings.TrimSpace(rule) == "" {
				continue
			}
			if err := recurrence.Validate(rule); err != nil {
				return "", err
			}
		}
	}

	token, err := e.token(ctx)
	if err != nil {
		return "", err
	}
	newID, err := e.remote.UpdateEvent(ctx, token, id, patch, mode)
	if err != nil {
		return "", err
	}
	if newID == "" {
		newID = id
	}
	return newID, nil
}

// DeleteEvent removes id remotely and then from the local store. A local
// failure after the remote succeeded is published as a synchronization
// error.
func (e *Engine) DeleteEvent(ctx context.Context, id string, mode remote.DeleteMode) bool {
	if !e.deletes.Begin() {
		appLog.Warn("delete already in flight; request ignored", "id", id)
		return false
	}

	if err := e.deleteEvent(ctx, id, mode); err != nil {
		appLog.Error("delete event failed", err, "id", id, "mode", mode)
		e.deletes.Fail(err.Error())
		return true
	}

	appLog.Info("event deleted", "id", id, "mode", mode)
	e.deletes.Succeed(id)
	return true
}

func (e *Engine) deleteEvent(ctx context.Context, id string, mode remote.DeleteMode) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("event id is required")
	}
	token, err := e.token(ctx)
	if err != nil {
		return err
	}
	if err := e.remote.DeleteEvent(ctx, token, id, mode); err != nil {
		return err
	}

	// The remote delete is done; the mirror must follow even if ctx ends now.
	err = e.store.DeleteEventByID(context.WithoutCancel(ctx), id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrLocalSync, err)
	}
	return nil
}

func (e *Engine) token(ctx context.Context) (string, error) {
	tok, err := auth.Acquire(ctx, e.tokens, e.tokenAttempts, e.tokenBackoff)
	if errors.Is(err, auth.ErrTokenUnavailable) {
		return "", errors.New(msgAuthFailed)
	}
	return tok, err
}

func (e *Engine) refreshAfterMutation() {
	if err := e.RefreshCurrent(e.ctx, false); err != nil && !errors.Is(err, auth.ErrNotSignedIn) {
		appLog.Error("refresh after mutation failed", err)
	}
}

// CreateResult, UpdateResult and DeleteResult return the latest result of
// each mutation kind; it stays until consumed.
func (e *Engine) CreateResult() state.Result[string] { return e.creates.Get() }
func (e *Engine) UpdateResult() state.Result[string] { return e.updates.Get() }
func (e *Engine) DeleteResult() state.Result[string] { return e.deletes.Get() }

// ConsumeCreate, ConsumeUpdate and ConsumeDelete acknowledge a finished
// result and reset it to Idle.
func (e *Engine) ConsumeCreate() { e.creates.Consume() }
func (e *Engine) ConsumeUpdate() { e.updates.Consume() }
func (e *Engine) ConsumeDelete() { e.deletes.Consume() }

// WatchCreate streams create results, current value first.
func (e *Engine) WatchCreate(ctx context.Context) <-chan state.Result[string] {
	return e.creates.Subscribe(ctx)
}

func (e *Engine) WatchUpdate(ctx context.Context) <-chan state.Result[string] {
	return e.updates.Subscribe(ctx)
}

func (e *Engine) WatchDelete(ctx context.Context) <-chan state.Result[string] {
	return e.deletes.Subscribe(ctx)
}

// Busy is true while a fetch or any mutation is loading.
func (e *Engine) Busy() bool {
	return e.status.Get().IsLoading() ||
		e.creates.Get().IsLoading() ||
		e.updates.Get().IsLoading() ||
		e.deletes.Get().IsLoading()
}

// WatchBusy emits Busy now and whenever it flips, until ctx is done.
func (e *Engine) WatchBusy(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	status := e.status.Subscribe(ctx)
	creates := e.creates.Subscribe(ctx)
	updates := e.updates.Subscribe(ctx)
	deletes := e.deletes.Subscribe(ctx)

	go func() {
		defer close(out)
		first := true
		var last bool
		for {
			var ok bool
			select {
			case _, ok = <-status:
			case _, ok = <-creates:
			case _, ok = <-updates:
			case _, ok = <-deletes:
			}
			if !ok {
				return
			}

			busy := e.Busy()
			if !first && busy == last {
				continue
			}
			first, last = false, busy

			select {
			case <-out:
			default:
			}
			out <- busy
		}
	}()
	return out
}
