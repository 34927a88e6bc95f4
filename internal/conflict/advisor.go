// Package conflict evaluates proposed assignments against current capacity.
//
// Warnings are advisory only: the assignment path never consults them and an
// over-capacity assignment is always allowed to proceed.
package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
	"github.com/fellbythecoop/worms-scheduling/internal/notify"
	"github.com/fellbythecoop/worms-scheduling/internal/storage"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Advisory thresholds. These deliberately differ from the 80/100 scale used
// for record classification; both are independently observable contracts.
const (
	warnAbovePercent  = 90
	errorAbovePercent = 100
)

// Candidate is the proposed assignment under evaluation.
type Candidate struct {
	TechnicianID   string
	Day            string
	EstimatedHours decimal.NullDecimal
}

// Warning describes a projected over-utilization.
type Warning struct {
	Message            string          `json:"message"`
	Severity           Severity        `json:"severity"`
	TechnicianName     string          `json:"technicianName"`
	Date               string          `json:"date"`
	CurrentUtilization int             `json:"currentUtilization"`
	NewUtilization     int             `json:"newUtilization"`
	ScheduledHours     decimal.Decimal `json:"scheduledHours"`
	AvailableHours     decimal.Decimal `json:"availableHours"`
}

// Advisor is a stateless read-only evaluator. It never mutates stored state;
// it does publish conflictDetected events for any warning it returns.
type Advisor struct {
	store    storage.Store
	notifier *notify.Notifier
	log      logx.Logger
}

func NewAdvisor(store storage.Store, notifier *notify.Notifier, log logx.Logger) *Advisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Advisor{store: store, notifier: notifier, log: log}
}

// CheckConflicts computes current vs. projected utilization for the
// candidate's key. A candidate missing any of technician, day or estimate
// yields no warnings.
func (a *Advisor) CheckConflicts(ctx context.Context, c Candidate) ([]Warning, error) {
	warnings := []Warning{}
	if c.TechnicianID == "" || c.Day == "" || !c.EstimatedHours.Valid {
		return warnings, nil
	}

	tech, err := a.store.GetTechnician(ctx, c.TechnicianID)
	if err != nil {
		return nil, fmt.Errorf("technician lookup: %w", err)
	}

	available := capacity.DefaultAvailableHours()
	scheduled := decimal.Zero
	rec, err := a.store.GetCapacityByKey(ctx, c.TechnicianID, c.Day)
	switch {
	case err == nil:
		available = rec.AvailableHours
		scheduled = rec.ScheduledHours
	case errors.Is(err, storage.ErrNotFound):
		// No record yet: a full free day is assumed.
	default:
		return nil, fmt.Errorf("capacity lookup: %w", err)
	}

	current := capacity.UtilizationPercent(scheduled, available)
	projected := scheduled.Add(c.EstimatedHours.Decimal)
	next := capacity.UtilizationPercent(projected, available)

	var severity Severity
	switch {
	case next > errorAbovePercent:
		severity = SeverityError
	case next > warnAbovePercent:
		severity = SeverityWarning
	default:
		return warnings, nil
	}

	w := Warning{
		Message: fmt.Sprintf("%s would be at %d%% capacity on %s (currently %d%%)",
			tech.Name, next, c.Day, current),
		Severity:           severity,
		TechnicianName:     tech.Name,
		Date:               c.Day,
		CurrentUtilization: current,
		NewUtilization:     next,
		ScheduledHours:     projected,
		AvailableHours:     available,
	}
	warnings = append(warnings, w)

	a.notifier.ConflictFound(c.TechnicianID, c.Day, w)
	a.log.Debug("conflict advisory",
		logx.String("technician", c.TechnicianID),
		logx.String("day", c.Day),
		logx.String("severity", string(severity)),
		logx.Int("newUtilization", next),
	)
	return warnings, nil
}
