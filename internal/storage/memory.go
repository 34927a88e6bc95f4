package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
)

// Memory is a mutex-guarded in-process Store. It mirrors the sqlite backend's
// semantics (same error kinds, same upsert behavior) and is the standard
// double in engine and handler tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]capacity.Record // by id
	byKey   map[string]string          // capacity.Key -> id
	jobs    map[string]Job
	techs   map[string]Technician
}

func NewMemory() *Memory {
	return &Memory{
		records: map[string]capacity.Record{},
		byKey:   map[string]string{},
		jobs:    map[string]Job{},
		techs:   map[string]Technician{},
	}
}

func (m *Memory) Close() error { return nil }

// ---- Capacity ----

func (m *Memory) CreateCapacity(_ context.Context, rec capacity.Record) (capacity.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := capacity.Key(rec.TechnicianID, rec.Day)
	if _, ok := m.byKey[key]; ok {
		return capacity.Record{}, ErrConflict
	}
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.ID] = rec
	m.byKey[key] = rec.ID
	return rec, nil
}

func (m *Memory) GetCapacity(_ context.Context, id string) (capacity.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return capacity.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) GetCapacityByKey(_ context.Context, technicianID, day string) (capacity.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[capacity.Key(technicianID, day)]
	if !ok {
		return capacity.Record{}, ErrNotFound
	}
	return m.records[id], nil
}

func (m *Memory) ListCapacity(_ context.Context, f CapacityFilter) ([]capacity.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]capacity.Record, 0, len(m.records))
	for _, rec := range m.records {
		if matchCapacity(rec, f) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].TechnicianID < out[j].TechnicianID
	})
	return out, nil
}

func matchCapacity(rec capacity.Record, f CapacityFilter) bool {
	if f.TechnicianID != "" && rec.TechnicianID != f.TechnicianID {
		return false
	}
	if f.From != "" && rec.Day < f.From {
		return false
	}
	if f.To != "" && rec.Day > f.To {
		return false
	}
	if f.IsAvailable != nil && rec.IsAvailable != *f.IsAvailable {
		return false
	}
	if f.Status != "" && rec.Status() != f.Status {
		return false
	}
	return true
}

func (m *Memory) UpdateCapacity(_ context.Context, id string, patch CapacityPatch) (capacity.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return capacity.Record{}, ErrNotFound
	}

	next := rec
	if patch.TechnicianID != nil {
		next.TechnicianID = *patch.TechnicianID
	}
	if patch.Day != nil {
		next.Day = *patch.Day
	}
	if patch.AvailableHours != nil {
		next.AvailableHours = *patch.AvailableHours
	}
	if patch.ScheduledHours != nil {
		next.ScheduledHours = *patch.ScheduledHours
	}
	if patch.IsAvailable != nil {
		next.IsAvailable = *patch.IsAvailable
	}
	if patch.Notes != nil {
		next.Notes = *patch.Notes
	}

	oldKey := capacity.Key(rec.TechnicianID, rec.Day)
	newKey := capacity.Key(next.TechnicianID, next.Day)
	if newKey != oldKey {
		if _, taken := m.byKey[newKey]; taken {
			return capacity.Record{}, ErrConflict
		}
		delete(m.byKey, oldKey)
		m.byKey[newKey] = id
	}

	next.UpdatedAt = time.Now().UTC()
	m.records[id] = next
	return next, nil
}

func (m *Memory) DeleteCapacity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	delete(m.byKey, capacity.Key(rec.TechnicianID, rec.Day))
	return nil
}

func (m *Memory) UpsertScheduledHours(_ context.Context, technicianID, day string, total decimal.Decimal) (capacity.Record, error) {
	if total.IsNegative() {
		total = decimal.Zero
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := capacity.Key(technicianID, day)
	if id, ok := m.byKey[key]; ok {
		rec := m.records[id]
		rec.ScheduledHours = total
		rec.UpdatedAt = now
		m.records[id] = rec
		return rec, nil
	}

	rec := capacity.Record{
		ID:             uuid.NewString(),
		TechnicianID:   technicianID,
		Day:            day,
		AvailableHours: capacity.DefaultAvailableHours(),
		ScheduledHours: total,
		IsAvailable:    true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.records[rec.ID] = rec
	m.byKey[key] = rec.ID
	return rec, nil
}

// ---- Jobs ----

func (m *Memory) CreateJob(_ context.Context, j Job) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	m.jobs[j.ID] = j
	return j, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) UpdateJobAssignment(_ context.Context, id, technicianID, day string, est decimal.NullDecimal) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	j.AssignedTo = technicianID
	j.ScheduledDay = day
	j.EstimatedHours = est
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return j, nil
}

func (m *Memory) SetJobEstimate(_ context.Context, id string, hours decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.EstimatedHours = decimal.NullDecimal{Decimal: hours, Valid: true}
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *Memory) ListJobsFor(_ context.Context, technicianID, day string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Job, 0, 4)
	for _, j := range m.jobs {
		if j.AssignedTo == technicianID && j.ScheduledDay == day {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (m *Memory) ListAssignmentKeys(_ context.Context, from, to string) ([]AssignmentKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]AssignmentKey{}
	for _, j := range m.jobs {
		if !j.Assigned() {
			continue
		}
		if from != "" && j.ScheduledDay < from {
			continue
		}
		if to != "" && j.ScheduledDay > to {
			continue
		}
		seen[capacity.Key(j.AssignedTo, j.ScheduledDay)] = AssignmentKey{TechnicianID: j.AssignedTo, Day: j.ScheduledDay}
	}
	out := make([]AssignmentKey, 0, len(seen))
	for _, k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Day != out[k].Day {
			return out[i].Day < out[k].Day
		}
		return out[i].TechnicianID < out[k].TechnicianID
	})
	return out, nil
}

// ---- Technicians ----

func (m *Memory) CreateTechnician(_ context.Context, t Technician) (Technician, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	m.techs[t.ID] = t
	return t, nil
}

func (m *Memory) GetTechnician(_ context.Context, id string) (Technician, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.techs[id]
	if !ok {
		return Technician{}, ErrNotFound
	}
	return t, nil
}
