package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
)

var (
	// ErrNotFound covers unknown capacity records, jobs and technicians.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would produce a second capacity
	// record for the same (technician, day) key. Callers surface it as a
	// distinct kind so the API can offer a merge/ignore path.
	ErrConflict = errors.New("capacity record exists for technician/day")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (production)
//   - "memory": in-process store (tests, dev)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Job is the work-order slice this subsystem reads and writes. The wider CRUD
// service owns the rest of the job document; recalculation only ever touches
// EstimatedHours, and assignment only AssignedTo/ScheduledDay.
type Job struct {
	ID             string              `json:"id"`
	JobNumber      string              `json:"jobNumber"`
	Title          string              `json:"title,omitempty"`
	AssignedTo     string              `json:"assignedToId,omitempty"`
	ScheduledDay   string              `json:"scheduledDate,omitempty"`
	EstimatedHours decimal.NullDecimal `json:"estimatedHours"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Assigned reports whether the job sits on a concrete (technician, day) key.
func (j Job) Assigned() bool { return j.AssignedTo != "" && j.ScheduledDay != "" }

// Technician is the directory entry consulted for display names and role
// eligibility.
type Technician struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	RoleTechnician = "technician"
	RoleLead       = "lead"
)

// Assignable reports whether the technician may be scheduled for jobs.
func (t Technician) Assignable() bool {
	return t.Active && (t.Role == RoleTechnician || t.Role == RoleLead)
}

// CapacityFilter narrows ListCapacity. Zero values mean "no constraint";
// From/To are inclusive day bounds.
type CapacityFilter struct {
	TechnicianID string
	From         string
	To           string
	IsAvailable  *bool
	Status       capacity.Status
}

// CapacityPatch is a partial update for a capacity record. Nil fields are
// left untouched.
type CapacityPatch struct {
	TechnicianID   *string
	Day            *string
	AvailableHours *decimal.Decimal
	ScheduledHours *decimal.Decimal
	IsAvailable    *bool
	Notes          *string
}

// AssignmentKey is a (technician, day) pair that currently has jobs on it.
type AssignmentKey struct {
	TechnicianID string
	Day          string
}

// Store is the persistence API used by the scheduling engine. Both the
// sqlite and the in-memory implementation provide the same semantics; in
// particular UpsertScheduledHours must be atomic under concurrent callers
// for the same key (at most one resulting row, no duplicate-key error
// surfaced).
type Store interface {
	// Capacity records.
	CreateCapacity(ctx context.Context, rec capacity.Record) (capacity.Record, error)
	GetCapacity(ctx context.Context, id string) (capacity.Record, error)
	GetCapacityByKey(ctx context.Context, technicianID, day string) (capacity.Record, error)
	ListCapacity(ctx context.Context, f CapacityFilter) ([]capacity.Record, error)
	UpdateCapacity(ctx context.Context, id string, patch CapacityPatch) (capacity.Record, error)
	DeleteCapacity(ctx context.Context, id string) error
	// UpsertScheduledHours updates only scheduledHours/updatedAt for an
	// existing key (id and createdAt preserved) or inserts a fresh record
	// with default available hours. total is clamped at zero.
	UpsertScheduledHours(ctx context.Context, technicianID, day string, total decimal.Decimal) (capacity.Record, error)

	// Jobs.
	CreateJob(ctx context.Context, j Job) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	UpdateJobAssignment(ctx context.Context, id, technicianID, day string, est decimal.NullDecimal) (Job, error)
	SetJobEstimate(ctx context.Context, id string, hours decimal.Decimal) error
	ListJobsFor(ctx context.Context, technicianID, day string) ([]Job, error)
	ListAssignmentKeys(ctx context.Context, from, to string) ([]AssignmentKey, error)

	// Technician directory.
	CreateTechnician(ctx context.Context, t Technician) (Technician, error)
	GetTechnician(ctx context.Context, id string) (Technician, error)

	Close() error
}
