// Package utilization rolls capacity records up into summary statistics.
package utilization

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
	"github.com/fellbythecoop/worms-scheduling/internal/storage"
)

// Stats is the read-only rollup over matched capacity records. The three
// classification counts partition TotalSchedules.
type Stats struct {
	TotalSchedules      int               `json:"totalSchedules"`
	TotalAvailableHours decimal.Decimal   `json:"totalAvailableHours"`
	TotalScheduledHours decimal.Decimal   `json:"totalScheduledHours"`
	AverageUtilization  int               `json:"averageUtilization"`
	OverallocatedCount  int               `json:"overallocatedCount"`
	UnderutilizedCount  int               `json:"underutilizedCount"`
	OptimalCount        int               `json:"optimalCount"`
	Schedules           []capacity.Record `json:"schedules"`
}

type Aggregator struct {
	store storage.Store
}

func NewAggregator(store storage.Store) *Aggregator {
	return &Aggregator{store: store}
}

// Stats aggregates the records matching the given technician and inclusive
// day range; empty arguments match everything.
func (a *Aggregator) Stats(ctx context.Context, technicianID, from, to string) (Stats, error) {
	recs, err := a.store.ListCapacity(ctx, storage.CapacityFilter{
		TechnicianID: technicianID,
		From:         from,
		To:           to,
	})
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		TotalSchedules:      len(recs),
		TotalAvailableHours: decimal.Zero,
		TotalScheduledHours: decimal.Zero,
		Schedules:           recs,
	}
	for _, rec := range recs {
		s.TotalAvailableHours = s.TotalAvailableHours.Add(rec.AvailableHours)
		s.TotalScheduledHours = s.TotalScheduledHours.Add(rec.ScheduledHours)
		if rec.Overallocated() {
			s.OverallocatedCount++
		}
		switch rec.Status() {
		case capacity.StatusUnder:
			s.UnderutilizedCount++
		case capacity.StatusOptimal:
			s.OptimalCount++
		}
	}
	s.AverageUtilization = capacity.UtilizationPercent(s.TotalScheduledHours, s.TotalAvailableHours)
	return s, nil
}
