// Package reconcile periodically re-runs recalculation for every key that
// currently has assigned jobs.
//
// Recalculation failures are never retried inline (the orchestrator
// propagates them and moves on); this sweep is the recovery path that
// absorbs the resulting drift, including manual scheduled-hours edits on
// keys that still have jobs.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
	"github.com/fellbythecoop/worms-scheduling/internal/engine"
	"github.com/fellbythecoop/worms-scheduling/internal/storage"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

type Config struct {
	Enabled bool
	// Spec is a cron expression; 5-field and 6-field (with seconds) forms
	// are both accepted.
	Spec          string
	LookbackDays  int
	LookaheadDays int
}

const defaultSpec = "30 3 * * *"

type Service struct {
	cfg   Config
	store storage.Store
	eng   *engine.Engine
	log   logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, store storage.Store, eng *engine.Engine, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 7
	}
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = 14
	}
	return &Service{
		cfg:   cfg,
		store: store,
		eng:   eng,
		log:   log,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		spec = defaultSpec
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("reconcile: bad cron spec %q: %w", spec, err)
	}

	s.c = cron.New(cron.WithParser(s.parser))
	s.c.Schedule(sched, cron.FuncJob(func() {
		processed, failed := s.Sweep(context.Background())
		s.log.Info("reconciliation sweep done",
			logx.Int("processed", processed),
			logx.Int("failed", failed),
		)
	}))
	s.c.Start()
	s.log.Info("reconciliation sweep scheduled", logx.String("spec", spec))
	return nil
}

func (s *Service) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
}

// Sweep recalculates every key with assigned jobs inside the configured
// window. Per-key failures are logged and counted, not propagated; the next
// sweep will try again.
func (s *Service) Sweep(ctx context.Context) (processed, failed int) {
	now := time.Now()
	from := capacity.DayOf(now.AddDate(0, 0, -s.cfg.LookbackDays))
	to := capacity.DayOf(now.AddDate(0, 0, s.cfg.LookaheadDays))

	keys, err := s.store.ListAssignmentKeys(ctx, from, to)
	if err != nil {
		s.log.Error("reconcile: listing assignment keys failed", logx.Err(err))
		return 0, 0
	}

	for _, k := range keys {
		if err := s.eng.Recalculate(ctx, k.TechnicianID, k.Day); err != nil {
			failed++
			s.log.Warn("reconcile: key failed",
				logx.String("technician", k.TechnicianID),
				logx.String("day", k.Day),
				logx.Err(err),
			)
			continue
		}
		processed++
	}
	return processed, failed
}
