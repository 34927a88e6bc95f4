package httpapi

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/assign"
	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
	"github.com/fellbythecoop/worms-scheduling/internal/conflict"
)

type assignJobRequest struct {
	TechnicianID   string           `json:"technicianId"`
	ScheduledDate  string           `json:"scheduledDate,omitempty"`
	EstimatedHours *decimal.Decimal `json:"estimatedHours"`
}

func (s *Server) handleAssignJob(w http.ResponseWriter, r *http.Request) {
	var req assignJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid body: "+err.Error())
		return
	}

	day := ""
	if req.ScheduledDate != "" {
		var err error
		if day, err = capacity.ParseDay(req.ScheduledDate); err != nil {
			s.badRequest(w, err.Error())
			return
		}
	}

	areq := assign.Request{
		JobID:        r.PathValue("id"),
		TechnicianID: req.TechnicianID,
		Day:          day,
	}
	if req.EstimatedHours != nil {
		if req.EstimatedHours.IsNegative() {
			s.badRequest(w, "estimatedHours must be >= 0")
			return
		}
		areq.EstimatedHours = decimal.NewNullDecimal(*req.EstimatedHours)
	}

	res, err := s.orch.Assign(r.Context(), areq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleCheckConflicts evaluates the proposed assignment without persisting
// anything. Omitted fields fall back to the job's current values.
func (s *Server) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	var req assignJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid body: "+err.Error())
		return
	}

	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	cand := conflict.Candidate{
		TechnicianID:   req.TechnicianID,
		Day:            job.ScheduledDay,
		EstimatedHours: job.EstimatedHours,
	}
	if cand.TechnicianID == "" {
		cand.TechnicianID = job.AssignedTo
	}
	if req.ScheduledDate != "" {
		if cand.Day, err = capacity.ParseDay(req.ScheduledDate); err != nil {
			s.badRequest(w, err.Error())
			return
		}
	}
	if req.EstimatedHours != nil {
		cand.EstimatedHours = decimal.NewNullDecimal(*req.EstimatedHours)
	}

	warnings, err := s.advisor.CheckConflicts(r.Context(), cand)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"warnings": warnings})
}
