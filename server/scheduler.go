package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/store"
)

const (
	defaultSchedulePollInterval = 5 * time.Second
	defaultScheduleBatchLimit   = 100
)

// Schedule run outcomes recorded in store.Schedule.LastStatus.
const (
	ScheduleStatusRunning        = "running"
	ScheduleStatusCompleted      = "completed"
	ScheduleStatusFailed         = "failed"
	ScheduleStatusCancelled      = "cancelled"
	ScheduleStatusSkippedOverlap = "skipped_overlap"
)

// PipelineRunner runs a stored pipeline to completion. *Server implements it.
type PipelineRunner interface {
	RunPipeline(ctx context.Context, pipelineID string, input map[string]any, userID string) (core.Execution, error)
}

// SchedulerConfig configures the background schedule runner.
type SchedulerConfig struct {
	Runner       PipelineRunner
	Store        store.ScheduleStore
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically runs due pipeline schedules. A schedule whose
// previous run is still active is skipped for that tick.
type Scheduler struct {
	runner       PipelineRunner
	store        store.ScheduleStore
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	runs   sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("scheduler runner is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("scheduler store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		runner:       cfg.Runner,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
		active:       map[string]struct{}{},
	}, nil
}

// Start begins background polling. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.tick(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.tick(loopCtx)
			}
		}
	}()
}

// Stop stops polling and waits for in-flight scheduled runs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	finished := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		s.runs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler pass", "error", err)
	}
}

// RunOnce launches every due schedule and returns without waiting for the
// runs to finish.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	for _, schedule := range due {
		s.processDue(ctx, schedule, now)
	}
	return nil
}

func (s *Scheduler) processDue(ctx context.Context, schedule store.Schedule, now time.Time) {
	if !schedule.Enabled {
		return
	}

	next, err := NextCronRun(schedule.Cron, now)
	if err != nil {
		schedule.LastStatus = ScheduleStatusFailed
		schedule.LastError = err.Error()
		// Disable rather than re-fire on every poll.
		schedule.Enabled = false
		schedule.UpdatedAt = now
		s.update(ctx, schedule, "persist schedule failure")
		return
	}
	schedule.NextRunAt = next
	schedule.UpdatedAt = now

	if !s.markActive(schedule.ID) {
		schedule.LastStatus = ScheduleStatusSkippedOverlap
		schedule.LastError = "skipped because prior scheduled run is still active"
		s.update(ctx, schedule, "persist overlap skip")
		return
	}

	schedule.LastStatus = ScheduleStatusRunning
	schedule.LastError = ""
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.unmarkActive(schedule.ID)
		s.logger.Error("update schedule before run", "schedule_id", schedule.ID, "pipeline_id", schedule.PipelineID, "error", err)
		return
	}

	s.runs.Add(1)
	go s.runSchedule(schedule)
}

func (s *Scheduler) runSchedule(schedule store.Schedule) {
	defer s.runs.Done()
	defer s.unmarkActive(schedule.ID)

	ctx := context.Background()
	rec, runErr := s.runner.RunPipeline(ctx, schedule.PipelineID, schedule.Input, schedule.UserID)

	finish := s.now().UTC()
	latest, err := s.store.GetSchedule(ctx, schedule.PipelineID, schedule.ID)
	if err != nil {
		if !errors.Is(err, store.ErrScheduleNotFound) {
			s.logger.Error("load schedule after run", "schedule_id", schedule.ID, "pipeline_id", schedule.PipelineID, "error", err)
		}
		return
	}

	latest.UpdatedAt = finish
	latest.LastRunAt = &finish
	latest.LastRunID = rec.ID
	switch {
	case runErr != nil:
		latest.LastStatus = ScheduleStatusFailed
		latest.LastError = runErr.Error()
	case rec.Status == core.ExecutionFailed:
		latest.LastStatus = ScheduleStatusFailed
		latest.LastError = ""
		if rec.Error != nil {
			latest.LastError = rec.Error.Message
		}
	case rec.Status == core.ExecutionCancelled:
		latest.LastStatus = ScheduleStatusCancelled
		latest.LastError = ""
	default:
		latest.LastStatus = ScheduleStatusCompleted
		latest.LastError = ""
	}
	s.update(ctx, latest, "persist schedule run result")
	s.logger.Info("scheduled run finished", "schedule_id", schedule.ID, "execution_id", rec.ID, "status", latest.LastStatus)
}

func (s *Scheduler) update(ctx context.Context, schedule store.Schedule, op string) {
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error(op, "schedule_id", schedule.ID, "pipeline_id", schedule.PipelineID, "error", err)
	}
}

// markActive reports false when the schedule already has a run in flight.
func (s *Scheduler) markActive(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[scheduleID]; ok {
		return false
	}
	s.active[scheduleID] = struct{}{}
	return true
}

func (s *Scheduler) unmarkActive(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, scheduleID)
}
