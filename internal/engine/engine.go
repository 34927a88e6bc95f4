// Package engine keeps a technician's per-day capacity record consistent
// with the set of jobs currently assigned to that key.
//
// Recalculation is serialized per (technician, day) key through an in-flight
// registry: a caller that finds an operation already running for its key
// awaits that operation's result instead of racing it. The registry is
// in-process only; cross-instance safety comes from the store's conditional
// upsert, the registry just avoids redundant recompute work.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
	"github.com/fellbythecoop/worms-scheduling/internal/notify"
	"github.com/fellbythecoop/worms-scheduling/internal/storage"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

// DailyCapacity is the fixed scheduled total for a key with at least one job.
// Per-job estimates are an even split of this value.
func DailyCapacity() decimal.Decimal { return decimal.NewFromInt(8) }

// RecalculationError wraps a storage failure mid-recalculation. The write
// sequence is best-effort, not transactional: some job estimates may already
// be updated when it is returned. Nothing is rolled back; the reconciliation
// sweep repairs the key on its next pass.
type RecalculationError struct {
	TechnicianID string
	Day          string
	Err          error
}

func (e *RecalculationError) Error() string {
	return fmt.Sprintf("recalculate %s/%s: %v", e.TechnicianID, e.Day, e.Err)
}

func (e *RecalculationError) Unwrap() error { return e.Err }

type inflight struct {
	done chan struct{}
	err  error
}

type Engine struct {
	store    storage.Store
	notifier *notify.Notifier
	log      logx.Logger

	// Registry of running recalculations, keyed by capacity.Key. Entries are
	// removed when the operation completes, success or failure; the registry
	// lives and dies with the Engine instance.
	mu       sync.Mutex
	inflight map[string]*inflight
}

func New(store storage.Store, notifier *notify.Notifier, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		log:      log,
		inflight: map[string]*inflight{},
	}
}

// Recalculate recomputes the scheduled total and per-job estimates for one
// (technician, day) key and upserts the capacity record.
//
// Calls for the same key execute one at a time; a caller that arrives while
// an operation for its key is running awaits that operation and shares its
// result (the in-flight result is treated as sufficiently fresh). Calls for
// different keys proceed independently.
func (e *Engine) Recalculate(ctx context.Context, technicianID, day string) error {
	key := capacity.Key(technicianID, day)

	e.mu.Lock()
	if f, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &inflight{done: make(chan struct{})}
	e.inflight[key] = f
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
		close(f.done)
	}()

	f.err = e.recalculate(ctx, technicianID, day)
	return f.err
}

func (e *Engine) recalculate(ctx context.Context, technicianID, day string) error {
	jobs, err := e.store.ListJobsFor(ctx, technicianID, day)
	if err != nil {
		return e.fail(technicianID, day, fmt.Errorf("list jobs: %w", err))
	}

	total := decimal.Zero
	perJob := decimal.Zero
	if len(jobs) > 0 {
		total = DailyCapacity()
		perJob = total.Div(decimal.NewFromInt(int64(len(jobs))))
	}

	// Write-back: every job on the key gets the even split, overwriting any
	// previously supplied estimate.
	for _, j := range jobs {
		if err := e.store.SetJobEstimate(ctx, j.ID, perJob); err != nil {
			return e.fail(technicianID, day, fmt.Errorf("set estimate for job %s: %w", j.ID, err))
		}
	}

	rec, err := e.store.UpsertScheduledHours(ctx, technicianID, day, total)
	if err != nil {
		return e.fail(technicianID, day, fmt.Errorf("upsert scheduled hours: %w", err))
	}

	e.log.Debug("recalculated capacity",
		logx.String("technician", technicianID),
		logx.String("day", day),
		logx.Int("jobs", len(jobs)),
		logx.String("scheduled", total.String()),
	)
	e.notifier.CapacityUpdated(rec)
	return nil
}

func (e *Engine) fail(technicianID, day string, err error) error {
	rerr := &RecalculationError{TechnicianID: technicianID, Day: day, Err: err}
	e.log.Error("recalculation failed",
		logx.String("technician", technicianID),
		logx.String("day", day),
		logx.Err(err),
	)
	return rerr
}
