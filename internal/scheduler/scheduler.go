// Package scheduler drives the job pipeline on cron schedules: full runs,
// recovery sweeps and retention cleanup.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/robfig/cron/v3"
)

// Pipeline is the part of jobs.Service the scheduler drives.
type Pipeline interface {
	RunNow(ctx context.Context, kind jobs.SessionKind, ro jobs.RunOptions) (*jobs.RunReport, error)
	Recover(ctx context.Context) (jobs.SweepReport, error)
	Cleanup(ctx context.Context, days int) (jobs.CleanupReport, error)
}

// Config holds cron expressions. Empty RunSchedule disables automatic runs;
// RetentionDays <= 0 disables cleanup.
type Config struct {
	RunSchedule     string
	SweepSchedule   string
	CleanupSchedule string
	RetentionDays   int
}

const (
	DefaultSweepSchedule   = "@every 10m"
	DefaultCleanupSchedule = "30 3 * * *"
)

// Scheduler owns a cron instance bound to one pipeline.
type Scheduler struct {
	pipeline Pipeline
	cfg      Config
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

// New validates the schedules and registers the entries. Nothing runs
// until Start.
func New(p Pipeline, cfg Config) (*Scheduler, error) {
	const op = "scheduler: new"
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = DefaultCleanupSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.DiscardLogger
	c := cron.New(cron.WithParser(parser), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{pipeline: p, cfg: cfg, cron: c, ctx: ctx, cancel: cancel}

	entries := []struct {
		name, spec string
		fn         func()
	}{
		{"run", cfg.RunSchedule, s.runPipeline},
		{"sweep", cfg.SweepSchedule, s.sweep},
		{"cleanup", cfg.CleanupSchedule, s.cleanup},
	}
	for _, e := range entries {
		if e.spec == "" || (e.name == "cleanup" && cfg.RetentionDays <= 0) {
			continue
		}
		if _, err := c.AddFunc(e.spec, e.fn); err != nil {
			cancel()
			return nil, engine.Errorf(op, engine.CategoryValidation, "%s schedule %q: %v", e.name, e.spec, err)
		}
		slog.Info("scheduler: entry added", slog.String("name", e.name), slog.String("schedule", e.spec))
	}
	return s, nil
}

// Entries reports how many cron entries are registered.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

// Start begins firing entries in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler: started", slog.Int("entries", s.Entries()))
}

// Stop cancels in-flight work and waits for running entries to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	slog.Info("scheduler: stopped")
}

func (s *Scheduler) runPipeline() {
	start := time.Now()
	rep, err := s.pipeline.RunNow(s.ctx, jobs.SessionRun, jobs.RunOptions{})
	switch {
	case errors.Is(err, jobs.ErrRunInProgress):
		slog.Info("scheduler: run skipped, another session is running")
	case rep == nil:
		slog.Error("scheduler: run failed to start", slog.Any("error", err))
	default:
		attrs := []any{
			slog.String("session", rep.SessionID),
			slog.String("status", string(rep.Status)),
			slog.Int("inserted", rep.Stats.Inserted),
			slog.Int("applied", rep.Stats.Applied),
			slog.Int("failed", rep.Stats.Failed),
			slog.Duration("took", time.Since(start)),
		}
		if err != nil {
			slog.Warn("scheduler: run finished with errors", append(attrs, slog.Any("error", err))...)
			return
		}
		slog.Info("scheduler: run finished", attrs...)
	}
}

func (s *Scheduler) sweep() {
	rep, err := s.pipeline.Recover(s.ctx)
	if err != nil {
		slog.Error("scheduler: sweep failed", slog.Any("error", err))
		return
	}
	if rep.Jobs > 0 || rep.Sessions > 0 {
		slog.Info("scheduler: sweep recovered", slog.Int("jobs", rep.Jobs), slog.Int("sessions", rep.Sessions))
	}
}

func (s *Scheduler) cleanup() {
	rep, err := s.pipeline.Cleanup(s.ctx, s.cfg.RetentionDays)
	if err != nil {
		slog.Error("scheduler: cleanup failed", slog.Any("error", err))
		return
	}
	slog.Info("scheduler: cleanup done",
		slog.Int("days", s.cfg.RetentionDays),
		slog.Int64("logs", rep.Logs),
		slog.Int64("sessions", rep.Sessions),
		slog.Int64("events", rep.Events),
		slog.Int64("jobs", rep.Jobs),
	)
}
