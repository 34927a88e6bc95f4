package capacity

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DayFormat is the canonical calendar-day encoding used for keys, storage and
// the wire. Capacity is tracked per day; time-of-day never participates.
const DayFormat = "2006-01-02"

// Status classifies a record's utilization for rollups and list filters.
//
// Thresholds: <80% under, >100% over, otherwise optimal. The conflict advisor
// uses its own 90/100 thresholds; the two scales are independent contracts.
type Status string

const (
	StatusUnder   Status = "under"
	StatusOptimal Status = "optimal"
	StatusOver    Status = "over"
)

// DefaultAvailableHours is the working-day length a fresh record starts with.
func DefaultAvailableHours() decimal.Decimal { return decimal.NewFromInt(8) }

// Record is the per-(technician, day) capacity row. Exactly one exists per
// key; the storage layer enforces that with a unique composite index.
type Record struct {
	ID             string          `json:"id"`
	TechnicianID   string          `json:"technicianId"`
	Day            string          `json:"date"`
	AvailableHours decimal.Decimal `json:"availableHours"`
	ScheduledHours decimal.Decimal `json:"scheduledHours"`
	IsAvailable    bool            `json:"isAvailable"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// UtilizationPercent returns scheduled/available as a rounded whole percent,
// or 0 when no hours are available.
func (r Record) UtilizationPercent() int {
	return UtilizationPercent(r.ScheduledHours, r.AvailableHours)
}

// RemainingHours is the unscheduled remainder, clamped at zero.
func (r Record) RemainingHours() decimal.Decimal {
	rem := r.AvailableHours.Sub(r.ScheduledHours)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Overallocated reports whether more hours are scheduled than available.
func (r Record) Overallocated() bool {
	return r.ScheduledHours.GreaterThan(r.AvailableHours)
}

func (r Record) Status() Status {
	pct := r.UtilizationPercent()
	switch {
	case pct < 80:
		return StatusUnder
	case pct > 100:
		return StatusOver
	default:
		return StatusOptimal
	}
}

// UtilizationPercent computes round(scheduled/available*100) with 0 for a
// non-positive denominator.
func UtilizationPercent(scheduled, available decimal.Decimal) int {
	if !available.IsPositive() {
		return 0
	}
	return int(scheduled.Div(available).Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

// Key builds the composite lock/store key for a (technician, day) pair.
func Key(technicianID, day string) string {
	return technicianID + "|" + day
}

// DayOf truncates a timestamp to its canonical day string.
func DayOf(t time.Time) string { return t.Format(DayFormat) }

// ParseDay normalizes a day input. It accepts the canonical YYYY-MM-DD form
// as well as an RFC 3339 timestamp (the time part is discarded).
func ParseDay(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty date")
	}
	if t, err := time.Parse(DayFormat, s); err == nil {
		return DayOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return DayOf(t), nil
	}
	return "", fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC 3339)", s)
}
