// Package assign performs job assignment and reassignment and drives the
// recalculation of every affected (technician, day) key.
package assign

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/conflict"
	"github.com/fellbythecoop/worms-scheduling/internal/engine"
	"github.com/fellbythecoop/worms-scheduling/internal/notify"
	"github.com/fellbythecoop/worms-scheduling/internal/storage"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

// ValidationError reports an assignment request that can never succeed
// (missing technician, ineligible role). Not retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// Request describes one assignment. Day and EstimatedHours are optional;
// empty/invalid values keep the job's existing ones.
type Request struct {
	JobID          string
	TechnicianID   string
	Day            string
	EstimatedHours decimal.NullDecimal
}

// Result carries the freshly reloaded job. Warnings is always empty: the
// orchestrator never blocks or vetoes an assignment, conflict information
// must be solicited separately through the advisor.
type Result struct {
	Job      storage.Job        `json:"job"`
	Warnings []conflict.Warning `json:"warnings"`
}

type Orchestrator struct {
	store    storage.Store
	engine   *engine.Engine
	notifier *notify.Notifier
	log      logx.Logger
}

func NewOrchestrator(store storage.Store, eng *engine.Engine, notifier *notify.Notifier, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{store: store, engine: eng, notifier: notifier, log: log}
}

// Assign moves a job onto a technician, persists the job update, then
// recalculates the affected keys. A recalculation failure propagates to the
// caller but the job update is not rolled back; the record stays stale until
// the next recalculation for its key succeeds.
func (o *Orchestrator) Assign(ctx context.Context, req Request) (Result, error) {
	if req.TechnicianID == "" {
		return Result{}, &ValidationError{Reason: "technician id is required"}
	}

	tech, err := o.store.GetTechnician(ctx, req.TechnicianID)
	if err != nil {
		return Result{}, fmt.Errorf("technician lookup: %w", err)
	}
	if !tech.Assignable() {
		return Result{}, &ValidationError{Reason: fmt.Sprintf("technician %s (role %q) is not assignable", tech.ID, tech.Role)}
	}

	job, err := o.store.GetJob(ctx, req.JobID)
	if err != nil {
		return Result{}, fmt.Errorf("job lookup: %w", err)
	}

	oldTech := job.AssignedTo
	oldDay := job.ScheduledDay

	newDay := req.Day
	if newDay == "" {
		newDay = oldDay
	}
	est := job.EstimatedHours
	if req.EstimatedHours.Valid {
		est = req.EstimatedHours
	}

	if _, err := o.store.UpdateJobAssignment(ctx, job.ID, req.TechnicianID, newDay, est); err != nil {
		return Result{}, fmt.Errorf("persist assignment: %w", err)
	}

	techChanged := oldTech != req.TechnicianID
	dayChanged := oldDay != newDay

	for _, key := range affectedKeys(oldTech, oldDay, req.TechnicianID, newDay) {
		if err := o.engine.Recalculate(ctx, key.TechnicianID, key.Day); err != nil {
			return Result{}, err
		}
	}

	updated, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return Result{}, fmt.Errorf("reload job: %w", err)
	}

	if techChanged || dayChanged {
		hours := decimal.Zero
		if updated.EstimatedHours.Valid {
			hours = updated.EstimatedHours.Decimal
		}
		o.notifier.JobWasReassigned(notify.JobReassigned{
			JobID:      updated.ID,
			JobNumber:  updated.JobNumber,
			FromTechID: oldTech,
			ToTechID:   req.TechnicianID,
			FromDate:   oldDay,
			ToDate:     newDay,
			Hours:      hours,
		})
		o.log.Info("job reassigned",
			logx.String("job", updated.JobNumber),
			logx.String("from", oldTech),
			logx.String("to", req.TechnicianID),
			logx.String("day", newDay),
		)
	}

	return Result{Job: updated, Warnings: []conflict.Warning{}}, nil
}

// affectedKeys lists the (technician, day) keys whose capacity must be
// recomputed for a transition. Keys missing either half (a job that never had
// a technician, or still has no scheduled day) have no capacity record and
// are skipped.
func affectedKeys(oldTech, oldDay, newTech, newDay string) []storage.AssignmentKey {
	keys := make([]storage.AssignmentKey, 0, 2)
	add := func(tech, day string) {
		if tech == "" || day == "" {
			return
		}
		k := storage.AssignmentKey{TechnicianID: tech, Day: day}
		for _, have := range keys {
			if have == k {
				return
			}
		}
		keys = append(keys, k)
	}

	switch {
	case oldTech != newTech:
		add(oldTech, oldDay)
		add(newTech, newDay)
	case oldDay != newDay:
		add(newTech, oldDay)
		add(newTech, newDay)
	default:
		// Unchanged key: recalculate once to absorb estimate drift.
		add(newTech, newDay)
	}
	return keys
}
