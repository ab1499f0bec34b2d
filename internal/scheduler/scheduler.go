package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/emanders/ecrnow/internal/eca"
	"github.com/emanders/ecrnow/internal/store"
	"github.com/emanders/ecrnow/pkg/schema"
)

// ActionRunner is the interface the scheduler fires jobs through.
// Satisfied by the execution engine (avoids import cycle).
type ActionRunner interface {
	Execute(ctx context.Context, subjectID string, event schema.WorkflowEvent, actionID string) (eca.Outcome, error)
}

// Scheduler persists delayed-job requests and polls the store for due jobs,
// re-invoking the engine with a SCHEDULED_JOB event when they fire. Jobs
// survive restarts; RecoverMissed picks up anything that came due while the
// process was down.
type Scheduler struct {
	store        store.Store
	runner       ActionRunner
	parser       cron.Parser
	pollInterval time.Duration
	logger       *slog.Logger
	cancel       context.CancelFunc
	done         chan struct{}
	mu           sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler. A non-positive pollInterval falls
// back to 30 seconds.
func NewScheduler(s store.Store, runner ActionRunner, pollInterval time.Duration, logger *slog.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Scheduler{
		store:        s,
		runner:       runner,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pollInterval: pollInterval,
		logger:       logger,
		inflight:     make(map[string]struct{}),
	}
}

// SetRunner wires the engine after construction. The engine and scheduler
// reference each other, so one side is attached late.
func (s *Scheduler) SetRunner(runner ActionRunner) {
	s.runner = runner
}

// ScheduleJob registers one future invocation of an action for a subject.
// At most one pending job exists per subject/action pair: a duplicate request
// leaves the existing job in place.
func (s *Scheduler) ScheduleJob(ctx context.Context, subjectID string, ts *schema.TimingSchedule, delay time.Duration, actionID string, referenceTime time.Time) error {
	existing, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{
		SubjectID: subjectID,
		ActionID:  actionID,
		Status:    store.JobPending,
		Limit:     1,
	})
	if err != nil {
		return fmt.Errorf("check pending jobs: %w", err)
	}
	if len(existing) > 0 {
		s.logger.InfoContext(ctx, "job already pending for action, keeping existing",
			slog.String("subject_id", subjectID),
			slog.String("action_id", actionID),
			slog.String("job_id", existing[0].ID),
		)
		return nil
	}

	now := time.Now().UTC()
	job := &store.ScheduledJob{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		ActionID:  actionID,
		Status:    store.JobPending,
	}

	switch {
	case ts != nil && ts.Cron != "":
		next, err := s.nextRun(ts.Cron, now)
		if err != nil {
			return err
		}
		job.Cron = ts.Cron
		job.FireAt = next
	case ts != nil:
		d, err := ts.DelayDuration()
		if err != nil {
			return err
		}
		job.FireAt = now.Add(d)
	default:
		job.FireAt = now.Add(delay)
	}

	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return fmt.Errorf("create scheduled job: %w", err)
	}

	s.logger.InfoContext(ctx, "job scheduled",
		slog.String("subject_id", subjectID),
		slog.String("action_id", actionID),
		slog.String("job_id", job.ID),
		slog.Time("fire_at", job.FireAt),
		slog.String("cron", job.Cron),
	)
	return nil
}

// Start launches the background polling loop.
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
	s.logger.Info("scheduler started", slog.Duration("poll_interval", s.pollInterval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due pending job.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	jobs, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due jobs", slog.String("error", err.Error()))
		return
	}

	for _, job := range jobs {
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(job.ID)
	}
}

// runJob fires one due job through the engine and settles its record:
// recurring jobs re-arm while the action is still in flight, everything else
// is marked done or error.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("subject_id", job.SubjectID),
		slog.String("action_id", job.ActionID),
	)

	outcome, err := s.runner.Execute(ctx, job.SubjectID, schema.EventScheduledJob, job.ActionID)
	if err != nil {
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return s.settle(ctx, job, now, store.JobError, "error")
	}

	// A recurring job keeps firing until the action reaches its terminal
	// status, then retires.
	if job.Cron != "" && outcome != eca.OutcomeCompleted && outcome != eca.OutcomeNoop {
		next, err := s.nextRun(job.Cron, now)
		if err != nil {
			return s.settle(ctx, job, now, store.JobError, "error")
		}
		return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
			FireAt:        &next,
			LastRunAt:     &now,
			LastRunStatus: string(outcome),
		})
	}

	return s.settle(ctx, job, now, store.JobDone, string(outcome))
}

func (s *Scheduler) settle(ctx context.Context, job *store.ScheduledJob, now time.Time, status, lastRun string) error {
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		Status:        status,
		LastRunAt:     &now,
		LastRunStatus: lastRun,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// release removes the job from the in-flight set.
func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// nextRun computes the next fire time for a cron expression.
func (s *Scheduler) nextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the polling loop.
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

// RecoverMissed fires jobs that came due while the process was down. Called
// once at startup, before the polling loop starts.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	now := time.Now().UTC()
	jobs, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			s.release(job.ID)
			continue
		}
		s.release(job.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
