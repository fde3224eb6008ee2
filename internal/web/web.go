package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"calsync/internal/auth"
	"calsync/internal/config"
	"calsync/internal/engine"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/remote"
	"calsync/internal/settings"
	"calsync/internal/state"
	"calsync/internal/store"
)

// EventReader is the read side of the local store.
type EventReader interface {
	EventsInRange(ctx context.Context, startMs, endMs int64) ([]store.EventRow, error)
}

// Server exposes the engine over a small local HTTP API.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	events   EventReader
	settings settings.Provider
	mux      *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, eng *engine.Engine, events EventReader, tz settings.Provider) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		events:   events,
		settings: tz,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials mean disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/status/clear", s.handleClearStatus)
	s.mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)

	s.mux.HandleFunc("POST /api/visible", s.handleVisible)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)

	s.mux.HandleFunc("GET /api/events", s.handleDayEvents)
	s.mux.HandleFunc("POST /api/events", s.handleCreate)
	s.mux.HandleFunc("PATCH /api/events/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDelete)
	s.mux.HandleFunc("POST /api/mutations/{kind}/consume", s.handleConsume)

	s.mux.HandleFunc("GET /api/export.ics", s.handleExport)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON shape of /api/status and each stream message.
type statusResponse struct {
	Network     state.NetworkStatus  `json:"network"`
	Busy        bool                 `json:"busy"`
	VisibleDate *model.Date          `json:"visible_date,omitempty"`
	LoadedRange *model.DateRange     `json:"loaded_range,omitempty"`
	TimeZone    string               `json:"timezone"`
	Create      state.Result[string] `json:"create"`
	Update      state.Result[string] `json:"update"`
	Delete      state.Result[string] `json:"delete"`
}

func (s *Server) snapshot() statusResponse {
	resp := statusResponse{
		Network:  s.engine.Status(),
		Busy:     s.engine.Busy(),
		TimeZone: s.settings.TimeZoneID(),
		Create:   s.engine.CreateResult(),
		Update:   s.engine.UpdateResult(),
		Delete:   s.engine.DeleteResult(),
	}
	if d := s.engine.VisibleDate(); !d.IsZero() {
		resp.VisibleDate = &d
	}
	if r, ok := s.engine.LoadedRange(); ok {
		resp.LoadedRange = &r
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleClearStatus(w http.ResponseWriter, _ *http.Request) {
	s.engine.ClearNetworkError()
	writeJSON(w, http.StatusOK, s.snapshot())
}

type visibleRequest struct {
	Date  model.Date `json:"date"`
	Force bool       `json:"force"`
}

func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	var req visibleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Date.IsZero() {
		writeError(w, http.StatusBadRequest, "date is required")
		return
	}

	s.engine.SetVisibleDate(req.Date, req.Force)
	writeJSON(w, http.StatusAccepted, s.snapshot())
}

// handleRefresh force-refreshes the visible date. With ?wait=1 it answers
// after the fetch has finished.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	wait := r.URL.Query().Get("wait") == "1"

	err := s.engine.RefreshCurrent(r.Context(), wait)
	switch {
	case errors.Is(err, auth.ErrNotSignedIn):
		writeError(w, http.StatusConflict, "not signed in")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	status := http.StatusAccepted
	if wait {
		status = http.StatusOK
	}
	writeJSON(w, status, s.snapshot())
}

// handleDayEvents lists the stored events of ?date=, defaulting to the
// visible date.
func (s *Server) handleDayEvents(w http.ResponseWriter, r *http.Request) {
	day := s.engine.VisibleDate()
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		day = d
	}
	if day.IsZero() {
		writeError(w, http.StatusBadRequest, "date is required")
		return
	}

	rows, err := s.rowsIn(r.Context(), model.DateRange{Start: day, End: day})
	if err != nil {
		appLog.Error("api events: query failed", err, "date", day)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": day, "events": rows})
}

func (s *Server) rowsIn(ctx context.Context, span model.DateRange) ([]store.EventRow, error) {
	loc := settings.Location(s.settings)
	start := span.Start.In(loc).UnixMilli()
	end := span.End.AddDays(1).In(loc).UnixMilli()
	return s.events.EventsInRange(ctx, start, end)
}

type draftRequest struct {
	Summary     string   `json:"summary"`
	StartTime   string   `json:"startTime"`
	EndTime     string   `json:"endTime"`
	IsAllDay    bool     `json:"isAllDay"`
	TimeZoneID  string   `json:"timeZoneId"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Recurrence  []string `json:"recurrence"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.TimeZoneID == "" && !req.IsAllDay {
		req.TimeZoneID = s.settings.TimeZoneID()
	}

	accepted := s.engine.CreateEvent(r.Context(), model.EventDraft{
		Summary:     req.Summary,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		AllDay:      req.IsAllDay,
		TimeZoneID:  req.TimeZoneID,
		Description: req.Description,
		Location:    req.Location,
		Recurrence:  req.Recurrence,
	})
	writeMutation(w, accepted, s.engine.CreateResult())
}

type patchRequest struct {
	Summary     *string   `json:"summary"`
	Description *string   `json:"description"`
	Location    *string   `json:"location"`
	StartTime   *string   `json:"startTime"`
	EndTime     *string   `json:"endTime"`
	IsAllDay    *bool     `json:"isAllDay"`
	TimeZoneID  *string   `json:"timeZoneId"`
	Recurrence  *[]string `json:"recurrence"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	mode, err := remote.ParseUpdateMode(r.URL.Query().Get("update_mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	patch := model.EventPatch{
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		AllDay:      req.IsAllDay,
		TimeZoneID:  req.TimeZoneID,
		Recurrence:  req.Recurrence,
	}
	if patch.IsEmpty() {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	accepted := s.engine.UpdateEvent(r.Context(), r.PathValue("id"), patch, mode)
	writeMutation(w, accepted, s.engine.UpdateResult())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	mode, err := remote.ParseDeleteMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted := s.engine.DeleteEvent(r.Context(), r.PathValue("id"), mode)
	writeMutation(w, accepted, s.engine.DeleteResult())
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("kind") {
	case "create":
		s.engine.ConsumeCreate()
	case "update":
		s.engine.ConsumeUpdate()
	case "delete":
		s.engine.ConsumeDelete()
	default:
		writeError(w, http.StatusNotFound, "unknown mutation kind")
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

// writeMutation reports a finished mutation. A refused request is a 409; a
// failed one still answers 200 with the error in the result, which stays
// until consumed.
func writeMutation(w http.ResponseWriter, accepted bool, res state.Result[string]) {
	if !accepted {
		writeError(w, http.StatusConflict, "another request of this kind is in progress")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExport serves stored events as iCalendar. start/end default to the
// loaded range.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	span, ok := s.engine.LoadedRange()
	q := r.URL.Query()
	if q.Get("start") != "" || q.Get("end") != "" {
		start, err1 := model.ParseDate(q.Get("start"))
		end, err2 := model.ParseDate(q.Get("end"))
		if err := errors.Join(err1, err2); err != nil {
			writeError(w, http.StatusBadRequest, "start and end must both be YYYY-MM-DD")
			return
		}
		custom, err := model.NewDateRange(start, end)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		span, ok = custom, true
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "nothing loaded yet; pass start and end")
		return
	}

	rows, err := s.rowsIn(r.Context(), span)
	if err != nil {
		appLog.Error("api export: query failed", err, "range", span)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calsync-`+strings.ReplaceAll(span.String(), "..", "_")+`.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.Export(rows, time.Now())))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
