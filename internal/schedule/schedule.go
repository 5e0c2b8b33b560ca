// Package schedule triggers sync runs on a cron spec.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calsync/internal/log"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler runs a Job on a standard 5-field cron spec. Overlapping
// triggers are skipped and panics are recovered, so one bad run never
// stops the schedule.
type Scheduler struct {
	c    *cron.Cron
	spec string
	id   cron.EntryID
	ctx  context.Context
}

// New parses spec and registers job. The job receives ctx, which is
// expected to be cancelled on shutdown.
func New(ctx context.Context, spec string, job Job) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("schedule: nil job")
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	s := &Scheduler{c: c, spec: spec, ctx: ctx}
	id, err := c.AddFunc(spec, s.wrap(job))
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.id = id
	return s, nil
}

func (s *Scheduler) wrap(job Job) func() {
	return func() {
		if s.ctx.Err() != nil {
			return
		}
		started := time.Now()
		appLog.Info("scheduled run starting", "spec", s.spec)
		if err := job(s.ctx); err != nil {
			appLog.Error("scheduled run failed", err, "took", time.Since(started).String())
			return
		}
		appLog.Info("scheduled run finished", "took", time.Since(started).String())
	}
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.c.Start()
	appLog.Info("scheduler started", "spec", s.spec, "next", s.Next())
}

// Stop halts new triggers and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next trigger time, or the zero time when the scheduler
// has not been started.
func (s *Scheduler) Next() time.Time {
	return s.c.Entry(s.id).Next
}

// Spec returns the cron expression.
func (s *Scheduler) Spec() string {
	return s.spec
}

// Validate reports whether spec parses as a standard cron expression.
func Validate(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
