// Package cron provides the digest scheduler. It periodically queries the
// store for due digest schedules and fires each one as a summarize turn for
// the owning session.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agenda/internal/bus"
	"github.com/basket/agenda/internal/engine"
	otelpkg "github.com/basket/agenda/internal/otel"
	"github.com/basket/agenda/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DigestStore is the slice of the store the scheduler needs.
type DigestStore interface {
	DueDigestSchedules(ctx context.Context, now time.Time) ([]store.DigestSchedule, error)
	UpdateDigestRun(ctx context.Context, id string, ranAt, nextRun time.Time) error
}

// TurnRunner runs one turn for a session. The engine satisfies it.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, req engine.TurnRequest) (engine.TurnResponse, error)
}

// Config holds the dependencies for the digest scheduler.
type Config struct {
	Store    DigestStore
	Runner   TurnRunner
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Tracer   trace.Tracer
	Metrics  *otelpkg.Metrics
}

// Scheduler periodically queries the store for due digest schedules and
// fires each one.
type Scheduler struct {
	store    DigestStore
	runner   TurnRunner
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
	tracer   trace.Tracer
	metrics  *otelpkg.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	return &Scheduler{
		store:    cfg.Store,
		runner:   cfg.Runner,
		bus:      cfg.Bus,
		logger:   logger.With("component", "digest"),
		interval: interval,
		tracer:   tracer,
		metrics:  cfg.Metrics,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("digest scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("digest scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
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

// tick queries for due schedules and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueDigestSchedules(ctx, now)
	if err != nil {
		s.logger.Error("digest: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire runs a summarize turn for the schedule and updates its run timestamps.
func (s *Scheduler) fire(ctx context.Context, sched store.DigestSchedule, now time.Time) {
	ctx, span := otelpkg.StartServerSpan(ctx, s.tracer, "agenda.digest.fire",
		otelpkg.AttrScheduleID.String(sched.ID),
		otelpkg.AttrSessionID.String(sched.SessionID),
	)
	defer span.End()

	resp, err := s.runner.ProcessTurn(ctx, engine.TurnRequest{
		SessionID: sched.SessionID,
		Utterance: digestUtterance(sched),
		Now:       now,
	})
	if err != nil {
		s.logger.Error("digest: turn failed for schedule",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err,
		)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("digest: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if err := s.store.UpdateDigestRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("digest: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	if s.bus != nil {
		summary := ""
		if resp.Status == engine.StatusCompleted {
			summary = engine.RenderText(resp)
		}
		s.bus.Publish(bus.TopicDigestFired, bus.DigestFiredEvent{
			ScheduleID: sched.ID,
			SessionID:  sched.SessionID,
			Name:       sched.Name,
			Summary:    summary,
		})
	}

	if s.metrics != nil {
		s.metrics.DigestsFired.Add(ctx, 1)
	}
	s.logger.Info("digest: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"status", string(resp.Status),
		"next_run_at", nextRun,
	)
}

// digestUtterance phrases the schedule as a summarize request; the engine
// pipeline handles it like any user turn.
func digestUtterance(sched store.DigestSchedule) string {
	days := sched.WindowDays
	if days <= 0 {
		days = 1
	}
	if days == 1 {
		return "summarize my agenda for today"
	}
	return fmt.Sprintf("summarize my agenda for the next %d days", days)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ScheduleCreator is the store slice needed to register a new schedule.
type ScheduleCreator interface {
	CreateDigestSchedule(ctx context.Context, d store.DigestSchedule) (store.DigestSchedule, error)
}

// CreateSchedule validates the cron expression, seeds the first run time and
// inserts the schedule for the session.
func CreateSchedule(ctx context.Context, st ScheduleCreator, sessionID, name, cronExpr string, windowDays int, now time.Time) (store.DigestSchedule, error) {
	nextRun, err := NextRunTime(cronExpr, now)
	if err != nil {
		return store.DigestSchedule{}, fmt.Errorf("cron expression %q: %w", cronExpr, err)
	}
	return st.CreateDigestSchedule(ctx, store.DigestSchedule{
		SessionID:  sessionID,
		Name:       name,
		CronExpr:   cronExpr,
		WindowDays: windowDays,
		NextRunAt:  &nextRun,
	})
}
