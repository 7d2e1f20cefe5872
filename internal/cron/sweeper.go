// Package cron runs the periodic retention sweep that purges old run
// records, audit entries, and terminal intervention requests.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/iron-claw/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Evictor drops terminal intervention requests older than the given age
// and reports how many were removed.
type Evictor interface {
	EvictTerminal(olderThan time.Duration) int
}

// Config holds the dependencies and windows for the retention sweeper.
type Config struct {
	Store    *persistence.Store
	Evictor  Evictor
	Logger   *slog.Logger
	Schedule string // 5-field cron expression; defaults to hourly if empty

	RunWindow   time.Duration
	HITLWindow  time.Duration
	AuditWindow time.Duration
}

// Sweeper fires the retention sweep on a cron schedule.
type Sweeper struct {
	store   *persistence.Store
	evictor Evictor
	logger  *slog.Logger
	sched   cronlib.Schedule

	runWindow   time.Duration
	hitlWindow  time.Duration
	auditWindow time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper from the given config. It returns an error
// if the cron expression does not parse.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:       cfg.Store,
		evictor:     cfg.Evictor,
		logger:      logger,
		sched:       sched,
		runWindow:   cfg.RunWindow,
		hitlWindow:  cfg.HITLWindow,
		auditWindow: cfg.AuditWindow,
	}, nil
}

// Start begins the sweep loop in a background goroutine. The loop respects
// the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"next_sweep_at", s.sched.Next(time.Now()),
	)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

// loop sleeps until each scheduled fire time and runs a sweep.
func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass: purge terminal runs and audit entries
// outside their windows, then evict old terminal intervention requests.
func (s *Sweeper) Sweep(ctx context.Context) {
	res, err := s.store.RunRetention(ctx, s.runWindow, s.auditWindow)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}

	evicted := 0
	if s.evictor != nil {
		evicted = s.evictor.EvictTerminal(s.hitlWindow)
	}

	s.logger.Info("retention sweep completed",
		"purged_runs", res.PurgedRuns,
		"purged_run_events", res.PurgedRunEvents,
		"purged_audit_logs", res.PurgedAuditLogs,
		"evicted_requests", evicted,
	)
}

// NextRunTime parses the cron expression and returns the next fire time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
