package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskdeck/workflow/internal/engine"
	"github.com/taskdeck/workflow/internal/store"
	"github.com/taskdeck/workflow/pkg/schema"
)

// RunStarter is the slice of the supervisor the scheduler needs to launch
// runs. Kept as an interface so tests can script trigger outcomes.
type RunStarter interface {
	StartRun(ctx context.Context, workflowID string, opts engine.StartOptions) (*schema.WorkflowRun, error)
}

// Scheduler polls the store for due cron schedules and starts workflow runs
// for them. Triggered runs are detached; the scheduler never waits for a run
// to finish before serving the next tick.
type Scheduler struct {
	store   store.Store
	starter RunStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently triggering
}

// NewScheduler creates a scheduler over the given store and run starter.
func NewScheduler(s store.Store, starter RunStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick triggers every enabled schedule that is due. Exported so callers can
// force an immediate pass, e.g. after publishing a new schedule.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // still triggering from a previous tick
		}
		if err := s.trigger(ctx, sched, now); err != nil {
			s.logger.Error("failed to trigger scheduled run",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// trigger starts one run for a due schedule and advances its bookkeeping.
func (s *Scheduler) trigger(ctx context.Context, sched *store.ScheduledRun, now time.Time) error {
	s.logger.Info("triggering scheduled run",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow", sched.WorkflowID),
	)

	var seedContext map[string]any
	if len(sched.Context) > 0 {
		if err := json.Unmarshal(sched.Context, &seedContext); err != nil {
			return s.updateStatus(ctx, sched, now, "error")
		}
	}

	run, err := s.starter.StartRun(ctx, sched.WorkflowID, engine.StartOptions{
		Version:     sched.WorkflowVersion,
		TaskID:      "schedule:" + sched.ID,
		RequestedBy: sched.RequestedBy,
		Context:     seedContext,
		Detach:      true,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed to start",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	} else {
		if aerr := s.store.AppendAudit(ctx, &schema.WorkflowAuditEvent{
			Action:          schema.AuditScheduledRunStarted,
			WorkflowID:      sched.WorkflowID,
			WorkflowVersion: run.WorkflowVersion,
			RunID:           run.ID,
			Actor:           "scheduler:" + sched.ID,
			Timestamp:       now,
		}); aerr != nil {
			s.logger.Error("failed to audit scheduled start", slog.String("error", aerr.Error()))
		}
	}

	return s.updateStatus(ctx, sched, now, status)
}

func (s *Scheduler) updateStatus(ctx context.Context, sched *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.NextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateScheduledRun(ctx, sched.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next trigger time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the polling loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
