// Package cron fires durable schedules by submitting jobs to the
// engine. Schedules live in the store; the scheduler ticks, computes
// which are due, and submits their payloads.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/executor"
	"github.com/basket/go-dispatch/internal/persistence"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Submitter runs one job to a terminal state. Satisfied by
// executor.Engine.
type Submitter interface {
	ExecuteJob(ctx context.Context, opts executor.Options) executor.Result
}

// Config holds the scheduler's collaborators.
type Config struct {
	Store    *persistence.Store
	Engine   Submitter
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute
}

type Scheduler struct {
	store    *persistence.Store
	engine   Submitter
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New()
	}
	return &Scheduler{
		store:    cfg.Store,
		engine:   cfg.Engine,
		bus:      b,
		logger:   logger.With("component", "cron"),
		interval: interval,
	}
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for in-flight submissions.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick fires every enabled schedule that is due at now. Exported so
// tests and one-shot CLI runs can drive the scheduler without the
// ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("list schedules failed", "error", err)
		return
	}
	for _, sched := range schedules {
		due, err := isDue(sched, now)
		if err != nil {
			s.logger.Error("bad cron expression, skipping schedule",
				"scheduleId", sched.ScheduleID, "cron", sched.CronExpr, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

// isDue reports whether the schedule's next fire time after its last
// fire (or creation) has passed.
func isDue(sched persistence.Schedule, now time.Time) (bool, error) {
	expr, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return false, err
	}
	anchor := sched.CreatedAt
	if sched.LastFiredAt != nil {
		anchor = *sched.LastFiredAt
	}
	next := expr.Next(anchor)
	return !next.After(now), nil
}

// fire marks the schedule before submitting so a slow job cannot make
// the next tick double-fire, then runs the job in the background.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	if err := s.store.MarkScheduleFired(ctx, sched.ScheduleID, now); err != nil {
		s.logger.Error("mark schedule fired failed", "scheduleId", sched.ScheduleID, "error", err)
		return
	}

	opts := executor.Options{
		Payload:      sched.Payload,
		Mode:         sched.Mode,
		Retries:      -1, // engine defaults
		PersistState: true,
		Metadata:     map[string]string{"scheduleId": sched.ScheduleID},
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.engine.ExecuteJob(ctx, opts)
		s.bus.Publish(bus.TopicScheduleFired, bus.ScheduleEvent{
			ScheduleID: sched.ScheduleID,
			JobID:      res.JobID,
		})
		s.logger.Info("schedule fired",
			"scheduleId", sched.ScheduleID, "jobId", res.JobID, "status", res.Status)
	}()
}

// NextRunTime returns the next fire time after the given instant, or
// an error for an unparsable expression.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
