// Package httpapi binds the scheduling engine to REST plus an SSE event
// stream. Authorization is the caller's problem: the service assumes an
// upstream gateway has already vetted the request.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fellbythecoop/worms-scheduling/internal/assign"
	"github.com/fellbythecoop/worms-scheduling/internal/conflict"
	"github.com/fellbythecoop/worms-scheduling/internal/engine"
	"github.com/fellbythecoop/worms-scheduling/internal/notify"
	"github.com/fellbythecoop/worms-scheduling/internal/storage"
	"github.com/fellbythecoop/worms-scheduling/internal/utilization"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

type Server struct {
	store    storage.Store
	orch     *assign.Orchestrator
	advisor  *conflict.Advisor
	agg      *utilization.Aggregator
	notifier *notify.Notifier
	log      logx.Logger

	mux *http.ServeMux
}

func New(store storage.Store, orch *assign.Orchestrator, advisor *conflict.Advisor, agg *utilization.Aggregator, notifier *notify.Notifier, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		store:    store,
		orch:     orch,
		advisor:  advisor,
		agg:      agg,
		notifier: notifier,
		log:      log,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /schedules", s.handleCreateSchedule)
	s.mux.HandleFunc("GET /schedules", s.handleListSchedules)
	s.mux.HandleFunc("GET /schedules/utilization/stats", s.handleUtilizationStats)
	s.mux.HandleFunc("GET /schedules/technician/{id}", s.handleTechnicianRange)
	s.mux.HandleFunc("PATCH /schedules/{id}", s.handlePatchSchedule)
	s.mux.HandleFunc("DELETE /schedules/{id}", s.handleDeleteSchedule)
	s.mux.HandleFunc("PATCH /schedules/{id}/scheduled-hours", s.handleSetScheduledHoursByID)
	s.mux.HandleFunc("POST /schedules/technician/{id}/scheduled-hours", s.handleSetScheduledHoursByKey)
	s.mux.HandleFunc("POST /jobs/{id}/assign", s.handleAssignJob)
	s.mux.HandleFunc("POST /jobs/{id}/check-conflicts", s.handleCheckConflicts)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- error envelope ----

type errorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorInfo `json:"error"`
}

const (
	kindNotFound   = "not_found"
	kindValidation = "validation"
	kindConflict   = "conflict"
	kindInternal   = "internal"
)

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *assign.ValidationError
	var rerr *engine.RecalculationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: errorInfo{Kind: kindNotFound, Message: err.Error()}})
	case errors.Is(err, storage.ErrConflict):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: errorInfo{Kind: kindConflict, Message: err.Error()}})
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: errorInfo{Kind: kindValidation, Message: verr.Error()}})
	case errors.As(err, &rerr):
		s.log.Error("request failed in recalculation", logx.Err(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorInfo{Kind: kindInternal, Message: rerr.Error()}})
	default:
		s.log.Error("request failed", logx.Err(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorInfo{Kind: kindInternal, Message: "internal error"}})
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: errorInfo{Kind: kindValidation, Message: msg}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", logx.Err(err))
	}
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}
