package httpapi

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
	"github.com/fellbythecoop/worms-scheduling/internal/storage"
)

// scheduleView is a capacity record plus the derived fields clients render.
// The derived values are never stored; they are computed at response time.
type scheduleView struct {
	capacity.Record
	UtilizationPercentage int             `json:"utilizationPercentage"`
	RemainingHours        decimal.Decimal `json:"remainingHours"`
	IsOverallocated       bool            `json:"isOverallocated"`
	UtilizationStatus     capacity.Status `json:"utilizationStatus"`
}

func viewOf(rec capacity.Record) scheduleView {
	return scheduleView{
		Record:                rec,
		UtilizationPercentage: rec.UtilizationPercent(),
		RemainingHours:        rec.RemainingHours(),
		IsOverallocated:       rec.Overallocated(),
		UtilizationStatus:     rec.Status(),
	}
}

func viewsOf(recs []capacity.Record) []scheduleView {
	out := make([]scheduleView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	return out
}

type createScheduleRequest struct {
	TechnicianID   string           `json:"technicianId"`
	Date           string           `json:"date"`
	AvailableHours *decimal.Decimal `json:"availableHours"`
	IsAvailable    *bool            `json:"isAvailable"`
	Notes          string           `json:"notes"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid body: "+err.Error())
		return
	}
	if req.TechnicianID == "" {
		s.badRequest(w, "technicianId is required")
		return
	}
	day, err := capacity.ParseDay(req.Date)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	// The technician must exist in the directory before a capacity row for
	// them can be created.
	if _, err := s.store.GetTechnician(r.Context(), req.TechnicianID); err != nil {
		s.writeError(w, err)
		return
	}

	rec := capacity.Record{
		TechnicianID:   req.TechnicianID,
		Day:            day,
		AvailableHours: capacity.DefaultAvailableHours(),
		IsAvailable:    true,
		Notes:          req.Notes,
	}
	if req.AvailableHours != nil {
		if req.AvailableHours.IsNegative() {
			s.badRequest(w, "availableHours must be >= 0")
			return
		}
		rec.AvailableHours = *req.AvailableHours
	}
	if req.IsAvailable != nil {
		rec.IsAvailable = *req.IsAvailable
	}

	created, err := s.store.CreateCapacity(r.Context(), rec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(created))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	f, ok := s.capacityFilterFromQuery(w, r)
	if !ok {
		return
	}
	recs, err := s.store.ListCapacity(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewsOf(recs))
}

func (s *Server) handleTechnicianRange(w http.ResponseWriter, r *http.Request) {
	techID := r.PathValue("id")
	q := r.URL.Query()
	start, end := q.Get("startDate"), q.Get("endDate")
	if start == "" || end == "" {
		s.badRequest(w, "startDate and endDate are required")
		return
	}
	from, err := capacity.ParseDay(start)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	to, err := capacity.ParseDay(end)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	recs, err := s.store.ListCapacity(r.Context(), storage.CapacityFilter{
		TechnicianID: techID,
		From:         from,
		To:           to,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewsOf(recs))
}

func (s *Server) handleUtilizationStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := "", ""
	var err error
	if raw := q.Get("startDate"); raw != "" {
		if from, err = capacity.ParseDay(raw); err != nil {
			s.badRequest(w, err.Error())
			return
		}
	}
	if raw := q.Get("endDate"); raw != "" {
		if to, err = capacity.ParseDay(raw); err != nil {
			s.badRequest(w, err.Error())
			return
		}
	}
	stats, err := s.agg.Stats(r.Context(), q.Get("technicianId"), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type patchScheduleRequest struct {
	TechnicianID   *string          `json:"technicianId"`
	Date           *string          `json:"date"`
	AvailableHours *decimal.Decimal `json:"availableHours"`
	ScheduledHours *decimal.Decimal `json:"scheduledHours"`
	IsAvailable    *bool            `json:"isAvailable"`
	Notes          *string          `json:"notes"`
}

func (s *Server) handlePatchSchedule(w http.ResponseWriter, r *http.Request) {
	var req patchScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid body: "+err.Error())
		return
	}
	patch := storage.CapacityPatch{
		TechnicianID:   req.TechnicianID,
		AvailableHours: req.AvailableHours,
		ScheduledHours: req.ScheduledHours,
		IsAvailable:    req.IsAvailable,
		Notes:          req.Notes,
	}
	if req.Date != nil {
		day, err := capacity.ParseDay(*req.Date)
		if err != nil {
			s.badRequest(w, err.Error())
			return
		}
		patch.Day = &day
	}
	if req.AvailableHours != nil && req.AvailableHours.IsNegative() {
		s.badRequest(w, "availableHours must be >= 0")
		return
	}
	if req.ScheduledHours != nil && req.ScheduledHours.IsNegative() {
		s.badRequest(w, "scheduledHours must be >= 0")
		return
	}

	rec, err := s.store.UpdateCapacity(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCapacity(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduledHoursRequest struct {
	Date           string           `json:"date,omitempty"`
	ScheduledHours *decimal.Decimal `json:"scheduledHours"`
}

// handleSetScheduledHoursByID overwrites the scheduled total of an existing
// record. This is the manual escape hatch; it does not trigger recalculation,
// so the value stands only until the next recalculation for the key.
func (s *Server) handleSetScheduledHoursByID(w http.ResponseWriter, r *http.Request) {
	var req scheduledHoursRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid body: "+err.Error())
		return
	}
	if req.ScheduledHours == nil {
		s.badRequest(w, "scheduledHours is required")
		return
	}
	rec, err := s.store.GetCapacity(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.store.UpsertScheduledHours(r.Context(), rec.TechnicianID, rec.Day, *req.ScheduledHours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.notifier.CapacityUpdated(updated)
	s.writeJSON(w, http.StatusOK, viewOf(updated))
}

// handleSetScheduledHoursByKey upserts by (technician, day): the record is
// created with default available hours when the key has none yet.
func (s *Server) handleSetScheduledHoursByKey(w http.ResponseWriter, r *http.Request) {
	var req scheduledHoursRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid body: "+err.Error())
		return
	}
	if req.ScheduledHours == nil {
		s.badRequest(w, "scheduledHours is required")
		return
	}
	day, err := capacity.ParseDay(req.Date)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	techID := r.PathValue("id")
	if _, err := s.store.GetTechnician(r.Context(), techID); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.store.UpsertScheduledHours(r.Context(), techID, day, *req.ScheduledHours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.notifier.CapacityUpdated(updated)
	s.writeJSON(w, http.StatusOK, viewOf(updated))
}

func (s *Server) capacityFilterFromQuery(w http.ResponseWriter, r *http.Request) (storage.CapacityFilter, bool) {
	q := r.URL.Query()
	f := storage.CapacityFilter{TechnicianID: q.Get("technicianId")}

	var err error
	if raw := q.Get("startDate"); raw != "" {
		if f.From, err = capacity.ParseDay(raw); err != nil {
			s.badRequest(w, err.Error())
			return f, false
		}
	}
	if raw := q.Get("endDate"); raw != "" {
		if f.To, err = capacity.ParseDay(raw); err != nil {
			s.badRequest(w, err.Error())
			return f, false
		}
	}
	if raw := q.Get("isAvailable"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.badRequest(w, "isAvailable must be true or false")
			return f, false
		}
		f.IsAvailable = &v
	}
	if raw := q.Get("utilizationStatus"); raw != "" {
		switch st := capacity.Status(raw); st {
		case capacity.StatusUnder, capacity.StatusOptimal, capacity.StatusOver:
			f.Status = st
		default:
			s.badRequest(w, "utilizationStatus must be under, optimal or over")
			return f, false
		}
	}
	return f, true
}
