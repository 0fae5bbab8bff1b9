package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamq/internal/streaming"
)

const (
	defaultAwaitTimeout   = 30 * time.Second
	defaultProcessTimeout = 30 * time.Second
	stopTimeout           = 10 * time.Second
	maxRowsPerRequest     = 10000
)

type startQueryRequest struct {
	Template string `json:"template"`
	Name     string `json:"name"`
}

type addRowsRequest struct {
	Values []int64 `json:"values"`
}

type queryDTO struct {
	ID                 string                      `json:"id"`
	RunID              string                      `json:"run_id"`
	Name               string                      `json:"name,omitempty"`
	Status             string                      `json:"status"`
	IsActive           bool                        `json:"is_active"`
	StartedAt          time.Time                   `json:"started_at"`
	FinishedAt         *time.Time                  `json:"finished_at,omitempty"`
	CheckpointLocation string                      `json:"checkpoint_location,omitempty"`
	Exception          string                      `json:"exception,omitempty"`
	LastProgress       *streaming.ProgressSnapshot `json:"last_progress,omitempty"`
}

func toQueryDTO(h *streaming.Handle) queryDTO {
	dto := queryDTO{
		ID:                 h.ID().String(),
		RunID:              h.RunID().String(),
		Name:               h.Name(),
		Status:             h.Status().String(),
		IsActive:           h.IsActive(),
		StartedAt:          h.StartedAt(),
		CheckpointLocation: h.CheckpointLocation(),
		LastProgress:       h.LastProgress(),
	}
	if finished := h.FinishedAt(); !finished.IsZero() {
		dto.FinishedAt = &finished
	}
	if exc := h.Exception(); exc != nil {
		dto.Exception = exc.Error()
	}
	return dto
}

func toQueryDTOs(in []*streaming.Handle) []queryDTO {
	out := make([]queryDTO, 0, len(in))
	for _, h := range in {
		out = append(out, toQueryDTO(h))
	}
	return out
}

// listQueries handles GET /v1/queries. Only live runs are listed unless
// all=true.
func (s *Server) listQueries(w http.ResponseWriter, r *http.Request) {
	handles := s.manager.Active()
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		handles = s.manager.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": toQueryDTOs(handles)})
}

// startQuery handles POST /v1/queries with {"template", "name"}.
func (s *Server) startQuery(w http.ResponseWriter, r *http.Request) {
	var req startQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Template) == "" {
		writeError(w, http.StatusBadRequest, "missing template")
		return
	}
	tmpl, ok := s.cfg.Queries.Templates[strings.ToLower(req.Template)]
	if !ok {
		writeError(w, http.StatusNotFound, "query template not found")
		return
	}
	spec, err := tmpl.Spec(req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h, err := s.manager.Start(r.Context(), spec)
	if err != nil {
		writeError(w, startStatus(err), err.Error())
		return
	}
	s.logger.Info("query started via API",
		zap.String("template", req.Template),
		zap.Stringer("query_id", h.ID()),
		zap.Stringer("run_id", h.RunID()),
	)
	writeJSON(w, http.StatusCreated, map[string]any{"query": toQueryDTO(h)})
}

func startStatus(err error) int {
	var cfgErr *streaming.ConfigurationError
	var dupErr *streaming.DuplicateNameError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &dupErr), errors.Is(err, streaming.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, streaming.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) lookupQuery(w http.ResponseWriter, r *http.Request) (*streaming.Handle, bool) {
	id, err := parseUUIDParam(r, "query_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	h := s.manager.Get(id)
	if h == nil {
		writeError(w, http.StatusNotFound, "query not found")
		return nil, false
	}
	return h, true
}

// getQuery handles GET /v1/queries/{query_id} for the most recent run.
func (s *Server) getQuery(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookupQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": toQueryDTO(h)})
}

// getQueryProgress handles GET /v1/queries/{query_id}/progress, oldest first.
func (s *Server) getQueryProgress(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookupQuery(w, r)
	if !ok {
		return
	}
	recent := h.RecentProgress()
	if recent == nil {
		recent = []*streaming.ProgressSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   h.RunID().String(),
		"progress": recent,
	})
}

// stopQuery handles POST /v1/queries/{query_id}/stop.
func (s *Server) stopQuery(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookupQuery(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		s.logger.Warn("stop query failed", zap.Stringer("run_id", h.RunID()), zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": toQueryDTO(h)})
}

// processAllAvailable handles POST /v1/queries/{query_id}/process-all-available.
func (s *Server) processAllAvailable(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookupQuery(w, r)
	if !ok {
		return
	}
	timeout, err := parseTimeout(r, defaultProcessTimeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := h.ProcessAllAvailable(ctx); err != nil {
		var qErr *streaming.StreamingQueryError
		switch {
		case errors.As(err, &qErr):
			writeError(w, http.StatusConflict, qErr.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "timed out waiting for available input")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": toQueryDTO(h)})
}

// awaitAnyTermination handles GET /v1/streams/await-termination?timeout_ms=.
// It reports whether a run failed since the last reset.
func (s *Server) awaitAnyTermination(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r, defaultAwaitTimeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	terminated, err := s.manager.AwaitAnyTermination(r.Context(), timeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": terminated})
}

// resetTerminated handles POST /v1/streams/reset-terminated.
func (s *Server) resetTerminated(w http.ResponseWriter, _ *http.Request) {
	s.manager.ResetTerminated()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// addRows handles POST /v1/streams/{stream}/rows with {"values": [...]}.
func (s *Server) addRows(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "memory streams unavailable")
		return
	}
	name := strings.TrimSpace(chi.URLParam(r, "stream"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "stream is required")
		return
	}
	var req addRowsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Values) == 0 {
		writeError(w, http.StatusBadRequest, "values required")
		return
	}
	if len(req.Values) > maxRowsPerRequest {
		writeError(w, http.StatusRequestEntityTooLarge, "too many values")
		return
	}
	s.streams.Stream(name).AddValues(req.Values...)
	writeJSON(w, http.StatusAccepted, map[string]any{"stream": name, "rows": len(req.Values)})
}

// listListeners handles GET /v1/listeners.
func (s *Server) listListeners(w http.ResponseWriter, _ *http.Request) {
	listeners := s.manager.Listeners()
	names := make([]string, 0, len(listeners))
	for _, l := range listeners {
		names = append(names, streaming.ListenerName(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listeners": names})
}

// listTemplates handles GET /v1/templates.
func (s *Server) listTemplates(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.cfg.Queries.Templates))
	for name := range s.cfg.Queries.Templates {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"templates": names})
}

func parseTimeout(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout_ms")
	if raw == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, errors.New("invalid timeout_ms")
	}
	return time.Duration(ms) * time.Millisecond, nil
}
