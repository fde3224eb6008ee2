package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
	"calsync/internal/remote"
	"calsync/internal/settings"
	"calsync/internal/state"
	"calsync/internal/store"
)

// fakeRemote records calls. A nil hook means "succeed with nothing".
type fakeRemote struct {
	mu      sync.Mutex
	fetched []model.DateRange

	events func(ctx context.Context, r model.DateRange) ([]model.CalendarEvent, error)
	create func(ctx context.Context, d model.EventDraft) (string, error)
	update func(ctx context.Context, id string, p model.EventPatch, m remote.UpdateMode) (string, error)

	creates     atomic.Int32
	deleted     []string
	deleteModes []remote.DeleteMode
	deleteErr   error
}

func (f *fakeRemote) EventsInRange(ctx context.Context, _ string, r model.DateRange) ([]model.CalendarEvent, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, r)
	hook := f.events
	f.mu.Unlock()
	if hook == nil {
		return nil, nil
	}
	return hook(ctx, r)
}

func (f *fakeRemote) CreateEvent(ctx context.Context, _ string, d model.EventDraft) (string, error) {
	f.creates.Add(1)
	if f.create == nil {
		return "created", nil
	}
	return f.create(ctx, d)
}

func (f *fakeRemote) UpdateEvent(ctx context.Context, _ string, id string, p model.EventPatch, m remote.UpdateMode) (string, error) {
	if f.update == nil {
		return id, nil
	}
	return f.update(ctx, id, p, m)
}

func (f *fakeRemote) DeleteEvent(_ context.Context, _ string, id string, m remote.DeleteMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	f.deleteModes = append(f.deleteModes, m)
	return nil
}

func (f *fakeRemote) fetches() []model.DateRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DateRange(nil), f.fetched...)
}

// tokens is a TokenProvider driven by a function.
type tokens struct {
	signedOut bool
	fn        func(ctx context.Context) (string, error)
}

func (p *tokens) Token(ctx context.Context) (string, error) {
	if p.fn == nil {
		return "tok", nil
	}
	return p.fn(ctx)
}

func (p *tokens) Authenticated() bool { return !p.signedOut }

// brokenDeletes fails every local delete.
type brokenDeletes struct {
	*store.Store
}

func (brokenDeletes) DeleteEventByID(context.Context, string) error {
	return errors.New("disk I/O error")
}

type harness struct {
	engine   *Engine
	remote   *fakeRemote
	store    *store.Store
	settings *settings.Static
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{remote: &fakeRemote{}, store: st, settings: settings.NewStatic("UTC")}
	opts := Options{
		Remote:        h.remote,
		Store:         st,
		Tokens:        &tokens{},
		Settings:      h.settings,
		TokenAttempts: 3,
		TokenBackoff:  time.Millisecond,
	}
	if configure != nil {
		configure(&opts)
	}

	h.engine, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.WaitIdle(ctx))
}

func (h *harness) rows(t *testing.T, r model.DateRange) []store.EventRow {
	t.Helper()
	startMs, endMs := spanMillis(r, time.UTC)
	rows, err := h.store.EventsInRange(context.Background(), startMs, endMs)
	require.NoError(t, err)
	return rows
}

func timed(id, start, end string) model.CalendarEvent {
	s, err := model.ParseEventTime(start)
	if err != nil {
		panic(err)
	}
	e, err := model.ParseEventTime(end)
	if err != nil {
		panic(err)
	}
	return model.CalendarEvent{ID: id, Summary: id, Start: s, End: e}
}

func TestInitialVisibleDateLoadsIdealWindow(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.SetVisibleDate(model.MustParseDate("2024-03-01"), false)
	h.waitIdle(t)

	want := model.MustDateRange("2024-02-27", "2024-03-06")
	assert.Equal(t, []model.DateRange{want}, h.remote.fetches())
	loaded, ok := h.engine.LoadedRange()
	require.True(t, ok)
	assert.Equal(t, want, loaded)
	assert.True(t, h.engine.Status().IsIdle())
}

func TestSameVisibleDateFetchesOnce(t *testing.T) {
	h := newHarness(t, nil)
	d := model.MustParseDate("2024-05-10")

	h.engine.SetVisibleDate(d, false)
	h.waitIdle(t)
	h.engine.SetVisibleDate(d, false)
	h.waitIdle(t)

	assert.Len(t, h.remote.fetches(), 1)

	h.engine.SetVisibleDate(d, true)
	h.waitIdle(t)
	assert.Len(t, h.remote.fetches(), 2, "force always fetches")
}

func TestForwardEdgeMergesWithStatusTransitions(t *testing.T) {
	h := newHarness(t, nil)
	loaded := model.MustDateRange("2024-01-01", "2024-01-10")
	h.engine.loaded.Set(&loaded)

	release := make(chan struct{})
	h.remote.events = func(ctx context.Context, _ model.DateRange) ([]model.CalendarEvent, error) {
		<-release
		return nil, nil
	}

	h.engine.SetVisibleDate(model.MustParseDate("2024-01-09"), false)

	require.Eventually(t, func() bool { return h.engine.Status().IsLoading() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.Busy())
	close(release)
	h.waitIdle(t)

	want := model.MustDateRange("2024-01-01", "2024-01-14")
	assert.Equal(t, []model.DateRange{want}, h.remote.fetches())
	got, _ := h.engine.LoadedRange()
	assert.Equal(t, want, got)
	assert.True(t, h.engine.Status().IsIdle())
	assert.False(t, h.engine.Busy())
}

func TestJumpReplacesLoadedRange(t *testing.T) {
	for _, p := range testPolicies {
		p := p
		t.Run(fmt.Sprintf("%+v", p), func(t *testing.T) {
			h := newHarness(t, func(o *Options) { o.Policy = p })
			loaded := model.MustDateRange("2024-01-01", "2024-01-10")
			h.engine.loaded.Set(&loaded)

			center := loaded.End.AddDays(p.JumpBuffer + 1)
			h.engine.SetVisibleDate(center, false)
			h.waitIdle(t)

			got, _ := h.engine.LoadedRange()
			assert.Equal(t, p.Ideal(center), got)
		})
	}
}

func TestCancelDuringTokenAcquisitionLeavesStateAlone(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	h := newHarness(t, func(o *Options) {
		o.Tokens = &tokens{fn: func(ctx context.Context) (string, error) {
			once.Do(func() { close(entered) })
			<-ctx.Done()
			return "", context.Cause(ctx)
		}}
	})

	loaded := model.MustDateRange("2024-01-01", "2024-01-10")
	h.engine.loaded.Set(&loaded)
	require.NoError(t, h.store.ClearAndInsertEventsForRange(context.Background(), 0, 1<<62, []store.EventRow{
		{ID: "kept", StartMs: time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC).UnixMilli()},
	}))

	h.engine.SetVisibleDate(model.MustParseDate("2024-03-01"), false)
	<-entered
	h.engine.Close()

	got, _ := h.engine.LoadedRange()
	assert.Equal(t, loaded, got)
	assert.Empty(t, h.remote.fetches())
	assert.True(t, h.engine.Status().IsIdle())
	assert.Len(t, h.rows(t, loaded), 1)
}

func TestNewerVisibleDateSupersedesPendingFetch(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(o *Options) {
		o.Tokens = &tokens{fn: func(ctx context.Context) (string, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return "", context.Cause(ctx)
			}
			return "tok", nil
		}}
	})

	h.engine.SetVisibleDate(model.MustParseDate("2024-01-05"), false)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.engine.SetVisibleDate(model.MustParseDate("2024-08-20"), false)
	h.waitIdle(t)

	assert.Equal(t, []model.DateRange{DefaultPolicy().Ideal(model.MustParseDate("2024-08-20"))}, h.remote.fetches())
	assert.True(t, h.engine.Status().IsIdle())
}

func TestSuccessfulFetchReplacesStaleRows(t *testing.T) {
	h := newHarness(t, nil)
	window := DefaultPolicy().Ideal(model.MustParseDate("2024-03-01"))

	require.NoError(t, h.store.ClearAndInsertEventsForRange(context.Background(), 0, 1<<62, []store.EventRow{
		{ID: "stale", StartMs: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()},
		{ID: "outside", StartMs: time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC).UnixMilli()},
	}))
	h.remote.events = func(context.Context, model.DateRange) ([]model.CalendarEvent, error) {
		return []model.CalendarEvent{timed("fresh", "2024-03-02T09:00:00Z", "2024-03-02T10:00:00Z")}, nil
	}

	h.engine.SetVisibleDate(model.MustParseDate("2024-03-01"), false)
	h.waitIdle(t)

	rows := h.rows(t, window)
	require.Len(t, rows, 1)
	assert.Equal(t, "fresh", rows[0].ID)
	assert.Len(t, h.rows(t, model.MustDateRange("2024-04-01", "2024-04-01")), 1)
	assert.True(t, h.engine.Status().IsIdle())
}

func TestEmptyFetchClearsSpanAndAdvances(t *testing.T) {
	h := newHarness(t, nil)
	window := DefaultPolicy().Ideal(model.MustParseDate("2024-03-01"))

	require.NoError(t, h.store.ClearAndInsertEventsForRange(context.Background(), 0, 1<<62, []store.EventRow{
		{ID: "stale", StartMs: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()},
	}))

	h.engine.SetVisibleDate(model.MustParseDate("2024-03-01"), false)
	h.waitIdle(t)

	assert.Empty(t, h.rows(t, window))
	got, ok := h.engine.LoadedRange()
	require.True(t, ok)
	assert.Equal(t, window, got)
}

func TestLocalSyncUsesTimezoneAtWriteTime(t *testing.T) {
	h := newHarness(t, nil)
	h.settings.Set("Asia/Seoul")
	h.remote.events = func(context.Context, model.DateRange) ([]model.CalendarEvent, error) {
		return []model.CalendarEvent{timed("naive", "2024-03-01T09:00:00", "2024-03-01T10:00:00")}, nil
	}

	d := model.MustParseDate("2024-03-01")
	h.engine.SetVisibleDate(d, false)
	h.waitIdle(t)

	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	rows, err := h.store.EventsInRange(context.Background(), 0, 1<<62)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, seoul).UnixMilli(), rows[0].StartMs)
	assert.Equal(t, "Asia/Seoul", rows[0].TimeZoneID)

	h.settings.Set("America/New_York")
	h.engine.SetVisibleDate(d, true)
	h.waitIdle(t)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	rows, err = h.store.EventsInRange(context.Background(), 0, 1<<62)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, ny).UnixMilli(), rows[0].StartMs)
	assert.Equal(t, "America/New_York", rows[0].TimeZoneID)
}

func TestAllDayRowsCoverWholeDaysInUserZone(t *testing.T) {
	h := newHarness(t, nil)
	h.settings.Set("Asia/Seoul")
	h.remote.events = func(context.Context, model.DateRange) ([]model.CalendarEvent, error) {
		ev := timed("holiday", "2024-03-01T23:30:00Z", "2024-03-02T23:30:00Z")
		ev.AllDay = true
		return []model.CalendarEvent{ev}, nil
	}

	h.engine.SetVisibleDate(model.MustParseDate("2024-03-02"), false)
	h.waitIdle(t)

	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	rows, err := h.store.EventsInRange(context.Background(), 0, 1<<62)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].AllDay)
	// 23:30 UTC is already the next morning in Seoul.
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, seoul).UnixMilli(), rows[0].StartMs)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, seoul).UnixMilli(), rows[0].EndMs)
}

func TestFetchErrorsThroughHTTP(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"unreadable body", http.StatusOK, `{not json`, "could not read server response"},
		{"not a list", http.StatusOK, `{"events":[]}`, "could not read server response"},
		{"null payload", http.StatusOK, `null`, "not a list"},
		{"server detail", http.StatusForbidden, `{"detail":"calendar access revoked"}`, "calendar access revoked"},
		{"bare status", http.StatusServiceUnavailable, ``, "server error (503)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			h := newHarness(t, func(o *Options) {
				o.Remote = remote.NewClient(server.URL, server.Client())
			})
			loaded := model.MustDateRange("2024-01-01", "2024-01-10")
			h.engine.loaded.Set(&loaded)

			h.engine.SetVisibleDate(model.MustParseDate("2024-01-09"), false)
			h.waitIdle(t)

			status := h.engine.Status()
			require.True(t, status.IsError(), status.String())
			assert.Contains(t, status.Message(), tt.message)
			got, _ := h.engine.LoadedRange()
			assert.Equal(t, loaded, got)

			h.engine.ClearNetworkError()
			assert.True(t, h.engine.Status().IsIdle())
		})
	}
}

func TestFetchThroughHTTPStoresParsedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-02-27", r.URL.Query().Get("startDate"))
		assert.Equal(t, "2024-03-06", r.URL.Query().Get("endDate"))
		_, _ = w.Write([]byte(`[
			{"id":"a","summary":"Standup","startTime":"2024-03-01T09:00:00Z","endTime":"2024-03-01T09:15:00Z"},
			{"summary":"no id","startTime":"2024-03-01T10:00:00Z"},
			{"id":"b","summary":"Trip","startTime":"2024-03-02","endTime":"2024-03-04","isAllDay":true}
		]`))
	}))
	defer server.Close()

	h := newHarness(t, func(o *Options) {
		o.Remote = remote.NewClient(server.URL, server.Client())
	})
	h.engine.SetVisibleDate(model.MustParseDate("2024-03-01"), false)
	h.waitIdle(t)

	rows := h.rows(t, model.MustDateRange("2024-02-27", "2024-03-06"))
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID)
	assert.True(t, rows[1].AllDay)
	assert.True(t, h.engine.Status().IsIdle())
}

func TestNullPayloadKeepsStoredRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("null"))
	}))
	defer server.Close()

	h := newHarness(t, func(o *Options) {
		o.Remote = remote.NewClient(server.URL, server.Client())
	})
	window := DefaultPolicy().Ideal(model.MustParseDate("2024-03-01"))
	require.NoError(t, h.store.ClearAndInsertEventsForRange(context.Background(), 0, 1<<62, []store.EventRow{
		{ID: "keep", StartMs: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()},
	}))

	h.engine.SetVisibleDate(model.MustParseDate("2024-03-01"), false)
	h.waitIdle(t)

	assert.True(t, h.engine.Status().IsError(), h.engine.Status().String())
	_, ok := h.engine.LoadedRange()
	assert.False(t, ok)
	rows := h.rows(t, window)
	require.Len(t, rows, 1)
	assert.Equal(t, "keep", rows[0].ID)
}

func TestTokenExhaustionSetsAuthError(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(o *Options) {
		o.Tokens = &tokens{fn: func(context.Context) (string, error) {
			calls.Add(1)
			return "", errors.New("refresh rejected")
		}}
	})

	h.engine.SetVisibleDate(model.MustParseDate("2024-01-01"), false)
	h.waitIdle(t)

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, state.StatusError(msgAuthFailed), h.engine.Status())
	assert.Empty(t, h.remote.fetches())
	_, ok := h.engine.LoadedRange()
	assert.False(t, ok)
}

func TestSignedOutOnlyTracksVisibleDate(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Tokens = &tokens{signedOut: true} })

	d := model.MustParseDate("2024-01-01")
	h.engine.SetVisibleDate(d, false)
	h.waitIdle(t)

	assert.Equal(t, d, h.engine.VisibleDate())
	assert.Empty(t, h.remote.fetches())
}

func TestRefreshCurrentJoins(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.engine.RefreshCurrent(context.Background(), true), "no visible date yet")
	assert.Empty(t, h.remote.fetches())

	d := model.MustParseDate("2024-01-20")
	h.engine.SetVisibleDate(d, false)
	h.waitIdle(t)

	require.NoError(t, h.engine.RefreshCurrent(context.Background(), true))
	assert.Len(t, h.remote.fetches(), 2)
}

func TestCreateRefusedWhileLoading(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.remote.create = func(context.Context, model.EventDraft) (string, error) {
		<-gate
		return "new-id", nil
	}

	draft := model.EventDraft{Summary: "Lunch", StartTime: "2024-01-02T12:00:00", EndTime: "2024-01-02T13:00:00"}
	accepted := make(chan bool, 1)
	go func() { accepted <- h.engine.CreateEvent(context.Background(), draft) }()

	require.Eventually(t, func() bool { return h.engine.CreateResult().IsLoading() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.Busy())

	assert.False(t, h.engine.CreateEvent(context.Background(), draft))
	assert.True(t, h.engine.CreateResult().IsLoading())

	close(gate)
	assert.True(t, <-accepted)
	assert.EqualValues(t, 1, h.remote.creates.Load())

	id, ok := h.engine.CreateResult().Value()
	require.True(t, ok)
	assert.Equal(t, "new-id", id)

	h.engine.ConsumeCreate()
	assert.Equal(t, state.PhaseIdle, h.engine.CreateResult().Phase())
}

func TestCreateValidatesBeforeNetwork(t *testing.T) {
	tests := []struct {
		name  string
		draft model.EventDraft
		want  string
	}{
		{"blank summary", model.EventDraft{Summary: "  ", StartTime: "2024-01-02", EndTime: "2024-01-03"}, "summary"},
		{"no start", model.EventDraft{Summary: "x", EndTime: "2024-01-03"}, "start"},
		{"no end", model.EventDraft{Summary: "x", StartTime: "2024-01-02"}, "end"},
		{"bad rule", model.EventDraft{Summary: "x", StartTime: "2024-01-02", EndTime: "2024-01-03", Recurrence: []string{"FREQ=SOMETIMES"}}, "recurrence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			assert.True(t, h.engine.CreateEvent(context.Background(), tt.draft))
			res := h.engine.CreateResult()
			assert.Equal(t, state.PhaseError, res.Phase())
			assert.Contains(t, res.Message(), tt.want)
			assert.Zero(t, h.remote.creates.Load())
		})
	}
}

func TestCreateSuccessRefreshesVisibleDate(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.SetVisibleDate(model.MustParseDate("2024-01-20"), false)
	h.waitIdle(t)

	require.True(t, h.engine.CreateEvent(context.Background(), model.EventDraft{
		Summary: "Review", StartTime: "2024-01-20T10:00:00", EndTime: "2024-01-20T11:00:00",
		Recurrence: []string{"RRULE:FREQ=WEEKLY;COUNT=3"},
	}))
	h.waitIdle(t)

	assert.Len(t, h.remote.fetches(), 2)
}

func TestUpdateUsesAuthoritativeID(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.SetVisibleDate(model.MustParseDate("2024-01-20"), false)
	h.waitIdle(t)

	var gotMode remote.UpdateMode
	h.remote.update = func(_ context.Context, id string, _ model.EventPatch, m remote.UpdateMode) (string, error) {
		gotMode = m
		return id + "_R20240120", nil
	}

	rules := []string{"FREQ=DAILY;COUNT=2"}
	require.True(t, h.engine.UpdateEvent(context.Background(), "E1", model.EventPatch{Recurrence: &rules}, remote.UpdateAllInSeries))
	h.waitIdle(t)

	id, ok := h.engine.UpdateResult().Value()
	require.True(t, ok)
	assert.Equal(t, "E1_R20240120", id)
	assert.Equal(t, remote.UpdateAllInSeries, gotMode)
	assert.Len(t, h.remote.fetches(), 2)
}

func TestUpdateWithoutReturnedIDKeepsRequestID(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.update = func(context.Context, string, model.EventPatch, remote.UpdateMode) (string, error) {
		return "", nil
	}

	summary := "Renamed"
	require.True(t, h.engine.UpdateEvent(context.Background(), "E1", model.EventPatch{Summary: &summary}, remote.UpdateSingleInstance))
	id, ok := h.engine.UpdateResult().Value()
	require.True(t, ok)
	assert.Equal(t, "E1", id)
}

func TestDeleteRemovesLocalRowAfterRemote(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.ClearAndInsertEventsForRange(context.Background(), 0, 1<<62, []store.EventRow{
		{ID: "E1", StartMs: time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC).UnixMilli()},
	}))

	require.True(t, h.engine.DeleteEvent(context.Background(), "E1", remote.DeleteDefault))

	id, ok := h.engine.DeleteResult().Value()
	require.True(t, ok)
	assert.Equal(t, "E1", id)
	assert.Empty(t, h.rows(t, model.MustDateRange("2024-01-05", "2024-01-05")))
}

func TestDeleteRemoteFailureKeepsLocalRow(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.ClearAndInsertEventsForRange(context.Background(), 0, 1<<62, []store.EventRow{
		{ID: "E1", StartMs: time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC).UnixMilli()},
	}))
	h.remote.deleteErr = &remote.ServerError{StatusCode: http.StatusNotFound, Message: "event not found"}

	require.True(t, h.engine.DeleteEvent(context.Background(), "E1", remote.DeleteDefault))

	res := h.engine.DeleteResult()
	assert.Equal(t, state.PhaseError, res.Phase())
	assert.Equal(t, "event not found", res.Message())
	assert.Len(t, h.rows(t, model.MustDateRange("2024-01-05", "2024-01-05")), 1)
}

func TestDeleteLocalFailureIsSynchronizationError(t *testing.T) {
	h := newHarness(t, nil)
	failing := newHarness(t, func(o *Options) {
		o.Store = brokenDeletes{Store: h.store}
	})

	require.True(t, failing.engine.DeleteEvent(context.Background(), "E1", remote.DeleteInstanceOnly))

	assert.Equal(t, []string{"E1"}, failing.remote.deleted)
	assert.Equal(t, []remote.DeleteMode{remote.DeleteInstanceOnly}, failing.remote.deleteModes)

	res := failing.engine.DeleteResult()
	assert.Equal(t, state.PhaseError, res.Phase())
	assert.Contains(t, res.Message(), "synchronization")
}

func TestWatchBusyFollowsMutations(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.remote.create = func(context.Context, model.EventDraft) (string, error) {
		<-gate
		return "id", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	busy := h.engine.WatchBusy(ctx)
	assert.False(t, <-busy)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.CreateEvent(context.Background(), model.EventDraft{Summary: "x", StartTime: "2024-01-01", EndTime: "2024-01-02", AllDay: true})
	}()

	select {
	case b := <-busy:
		assert.True(t, b)
	case <-time.After(2 * time.Second):
		t.Fatal("busy never went up")
	}

	close(gate)
	<-done

	require.Eventually(t, func() bool {
		select {
		case b := <-busy:
			return !b
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatchDayEmitsStoredRows(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.events = func(context.Context, model.DateRange) ([]model.CalendarEvent, error) {
		return []model.CalendarEvent{timed("a", "2024-03-01T09:00:00Z", "2024-03-01T10:00:00Z")}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	day := h.engine.WatchDay(ctx, model.MustParseDate("2024-03-01"))
	assert.Empty(t, <-day)

	h.engine.SetVisibleDate(model.MustParseDate("2024-03-01"), false)

	require.Eventually(t, func() bool {
		select {
		case rows := <-day:
			return len(rows) == 1 && rows[0].ID == "a"
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	st := settings.NewStatic("UTC")
	_, err = New(Options{
		Remote: &fakeRemote{}, Store: brokenDeletes{}, Tokens: &tokens{}, Settings: st,
		Policy: Policy{Backward: 1, Forward: 1, ForwardTrigger: 1, BackwardTrigger: 0},
	})
	assert.Error(t, err)

	_, err = New(Options{
		Remote: &fakeRemote{}, Store: brokenDeletes{}, Tokens: &tokens{}, Settings: st,
		RefreshCron: "every now and then",
	})
	assert.Error(t, err)
}
