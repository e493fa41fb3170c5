// Package scheduler reruns a job on a cron schedule. Runs never overlap: a
// run that outlasts its interval delays the next one, and fire times missed
// while a run was in progress are skipped.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/agentloom/internal/logging"
	"github.com/rendis/agentloom/pkg/schema"
)

// Job is one scheduled run.
type Job func(ctx context.Context) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs a Job once at Start and then at every cron fire time.
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	job      Job
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	runs     atomic.Int64
	failures atomic.Int64
}

// New parses expr (five-field cron or a descriptor such as "@hourly" or
// "@every 5m").
func New(expr string, job Job, logger *slog.Logger) (*Scheduler, error) {
	if job == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduler job is required")
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %v", expr, err).WithCause(err)
	}
	return &Scheduler{
		expr:     expr,
		schedule: schedule,
		job:      job,
		logger:   logging.OrDiscard(logger).With(slog.String("component", "scheduler"), slog.String("schedule", expr)),
		now:      time.Now,
	}, nil
}

// Next returns the first fire time after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start launches the scheduling loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info("scheduler started")
	return nil
}

// Wait blocks until the loop exits, either through Stop or because the
// context given to Start was cancelled.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels the loop and waits for an in-progress run to return.
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

	s.logger.Info("scheduler stopped", slog.Int64("runs", s.runs.Load()), slog.Int64("failures", s.failures.Load()))
	return nil
}

// Stats returns how many runs completed and how many of them failed.
func (s *Scheduler) Stats() (runs, failures int64) {
	return s.runs.Load(), s.failures.Load()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.tick(ctx)
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := s.now()
	err := s.job(ctx)
	s.runs.Add(1)
	if err != nil {
		s.failures.Add(1)
		s.logger.Error("scheduled run failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("scheduled run finished",
		slog.Duration("duration", s.now().Sub(start)),
		slog.Time("next_run", s.schedule.Next(s.now())),
	)
}
