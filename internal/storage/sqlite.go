package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---- Capacity ----

const capacityCols = `id, technician_id, day, available_hours, scheduled_hours, is_available, notes, created_at, updated_at`

func scanCapacity(row interface{ Scan(...any) error }) (capacity.Record, error) {
	var (
		rec                  capacity.Record
		avail, sched         string
		available            int
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.TechnicianID, &rec.Day, &avail, &sched, &available, &rec.Notes, &createdAt, &updatedAt); err != nil {
		return capacity.Record{}, err
	}
	var err error
	if rec.AvailableHours, err = decimal.NewFromString(avail); err != nil {
		return capacity.Record{}, fmt.Errorf("corrupt available_hours %q: %w", avail, err)
	}
	if rec.ScheduledHours, err = decimal.NewFromString(sched); err != nil {
		return capacity.Record{}, fmt.Errorf("corrupt scheduled_hours %q: %w", sched, err)
	}
	rec.IsAvailable = available != 0
	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return capacity.Record{}, err
	}
	if rec.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return capacity.Record{}, err
	}
	return rec, nil
}

func (s *sqliteStore) CreateCapacity(ctx context.Context, rec capacity.Record) (capacity.Record, error) {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capacity_records(`+capacityCols+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TechnicianID, rec.Day,
		rec.AvailableHours.String(), rec.ScheduledHours.String(),
		boolInt(rec.IsAvailable), rec.Notes,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if isUniqueViolation(err) {
		return capacity.Record{}, ErrConflict
	}
	if err != nil {
		return capacity.Record{}, err
	}
	return rec, nil
}

func (s *sqliteStore) GetCapacity(ctx context.Context, id string) (capacity.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+capacityCols+` FROM capacity_records WHERE id = ?`, id)
	rec, err := scanCapacity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return capacity.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) GetCapacityByKey(ctx context.Context, technicianID, day string) (capacity.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+capacityCols+` FROM capacity_records WHERE technician_id = ? AND day = ?`,
		technicianID, day)
	rec, err := scanCapacity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return capacity.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) ListCapacity(ctx context.Context, f CapacityFilter) ([]capacity.Record, error) {
	q := `SELECT ` + capacityCols + ` FROM capacity_records`
	var (
		where []string
		args  []any
	)
	if f.TechnicianID != "" {
		where = append(where, "technician_id = ?")
		args = append(args, f.TechnicianID)
	}
	if f.From != "" {
		where = append(where, "day >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		where = append(where, "day <= ?")
		args = append(args, f.To)
	}
	if f.IsAvailable != nil {
		where = append(where, "is_available = ?")
		args = append(args, boolInt(*f.IsAvailable))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY day, technician_id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]capacity.Record, 0, 16)
	for rows.Next() {
		rec, err := scanCapacity(rows)
		if err != nil {
			return nil, err
		}
		// Utilization status is derived from decimal math, so it is
		// filtered here rather than in SQL.
		if f.Status != "" && rec.Status() != f.Status {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateCapacity(ctx context.Context, id string, patch CapacityPatch) (capacity.Record, error) {
	rec, err := s.GetCapacity(ctx, id)
	if err != nil {
		return capacity.Record{}, err
	}

	if patch.TechnicianID != nil {
		rec.TechnicianID = *patch.TechnicianID
	}
	if patch.Day != nil {
		rec.Day = *patch.Day
	}
	if patch.AvailableHours != nil {
		rec.AvailableHours = *patch.AvailableHours
	}
	if patch.ScheduledHours != nil {
		rec.ScheduledHours = *patch.ScheduledHours
	}
	if patch.IsAvailable != nil {
		rec.IsAvailable = *patch.IsAvailable
	}
	if patch.Notes != nil {
		rec.Notes = *patch.Notes
	}
	rec.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`UPDATE capacity_records
		 SET technician_id=?, day=?, available_hours=?, scheduled_hours=?, is_available=?, notes=?, updated_at=?
		 WHERE id=?`,
		rec.TechnicianID, rec.Day,
		rec.AvailableHours.String(), rec.ScheduledHours.String(),
		boolInt(rec.IsAvailable), rec.Notes,
		rec.UpdatedAt.Format(timeFormat), id,
	)
	if isUniqueViolation(err) {
		return capacity.Record{}, ErrConflict
	}
	if err != nil {
		return capacity.Record{}, err
	}
	return rec, nil
}

func (s *sqliteStore) DeleteCapacity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM capacity_records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpsertScheduledHours(ctx context.Context, technicianID, day string, total decimal.Decimal) (capacity.Record, error) {
	if total.IsNegative() {
		total = decimal.Zero
	}
	now := time.Now().UTC().Format(timeFormat)

	// Conditional insert-or-update keyed on (technician_id, day): the write
	// stays race-safe even when the in-process key lock is bypassed.
	// An existing row keeps its id, created_at and available_hours.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capacity_records(`+capacityCols+`) VALUES(?,?,?,?,?,1,'',?,?)
		 ON CONFLICT(technician_id, day) DO UPDATE SET
		   scheduled_hours = excluded.scheduled_hours,
		   updated_at      = excluded.updated_at`,
		uuid.NewString(), technicianID, day,
		capacity.DefaultAvailableHours().String(), total.String(),
		now, now,
	)
	if err != nil {
		return capacity.Record{}, err
	}
	return s.GetCapacityByKey(ctx, technicianID, day)
}

// ---- Jobs ----

const jobCols = `id, job_number, title, assigned_to, scheduled_day, estimated_hours, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var (
		j                    Job
		assigned, day, est   sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&j.ID, &j.JobNumber, &j.Title, &assigned, &day, &est, &createdAt, &updatedAt); err != nil {
		return Job{}, err
	}
	j.AssignedTo = assigned.String
	j.ScheduledDay = day.String
	if est.Valid {
		d, err := decimal.NewFromString(est.String)
		if err != nil {
			return Job{}, fmt.Errorf("corrupt estimated_hours %q: %w", est.String, err)
		}
		j.EstimatedHours = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	var err error
	if j.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

func (s *sqliteStore) CreateJob(ctx context.Context, j Job) (Job, error) {
	now := time.Now().UTC()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		j.ID, j.JobNumber, j.Title,
		nullStr(j.AssignedTo), nullStr(j.ScheduledDay), nullDec(j.EstimatedHours),
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) UpdateJobAssignment(ctx context.Context, id, technicianID, day string, est decimal.NullDecimal) (Job, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET assigned_to=?, scheduled_day=?, estimated_hours=?, updated_at=? WHERE id=?`,
		nullStr(technicianID), nullStr(day), nullDec(est),
		time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Job{}, ErrNotFound
	}
	return s.GetJob(ctx, id)
}

func (s *sqliteStore) SetJobEstimate(ctx context.Context, id string, hours decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET estimated_hours=?, updated_at=? WHERE id=?`,
		hours.String(), time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListJobsFor(ctx context.Context, technicianID, day string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE assigned_to = ? AND scheduled_day = ? ORDER BY created_at, id`,
		technicianID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0, 4)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListAssignmentKeys(ctx context.Context, from, to string) ([]AssignmentKey, error) {
	q := `SELECT DISTINCT assigned_to, scheduled_day FROM jobs
	      WHERE assigned_to IS NOT NULL AND scheduled_day IS NOT NULL`
	var args []any
	if from != "" {
		q += " AND scheduled_day >= ?"
		args = append(args, from)
	}
	if to != "" {
		q += " AND scheduled_day <= ?"
		args = append(args, to)
	}
	q += " ORDER BY scheduled_day, assigned_to"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AssignmentKey, 0, 8)
	for rows.Next() {
		var k AssignmentKey
		if err := rows.Scan(&k.TechnicianID, &k.Day); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ---- Technicians ----

func (s *sqliteStore) CreateTechnician(ctx context.Context, t Technician) (Technician, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO technicians(id, name, role, active, created_at) VALUES(?,?,?,?,?)`,
		t.ID, t.Name, t.Role, boolInt(t.Active), t.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return Technician{}, err
	}
	return t, nil
}

func (s *sqliteStore) GetTechnician(ctx context.Context, id string) (Technician, error) {
	var (
		t         Technician
		active    int
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, active, created_at FROM technicians WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Role, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Technician{}, ErrNotFound
	}
	if err != nil {
		return Technician{}, err
	}
	t.Active = active != 0
	t.CreatedAt, err = time.Parse(timeFormat, createdAt)
	return t, err
}

// ---- helpers ----

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullDec(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}
