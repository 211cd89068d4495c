// Package sagareaper schedules the periodic sweep that deletes saga
// contexts past their TTL from the reference Postgres history store,
// realizing spec.md §6's "TTL is recommended (default reference: 1 hour
// after last write)" as a maintenance job rather than a core behavior —
// the orchestrator and saga.Coordinator never schedule wall-clock timers
// themselves (spec.md §1's Non-goals), this package does it for them from
// outside the core.
package sagareaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule matches SPEC_FULL.md §6's SAGA_TTL_SWEEP_CRON default.
const DefaultSchedule = "@every 10m"

// Sweeper deletes saga contexts whose terminal state is older than ttl,
// returning the number of rows removed. store/postgres.SagaHistoryStore
// implements this directly.
type Sweeper interface {
	SweepExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

// Reaper drives Sweeper.SweepExpired on a cron schedule, the same
// cron.Cron-driven shape the teacher used for due-schedule ticks
// (internal/scheduler/cron.go's cronParser), repurposed from "find due
// flow schedules" to "delete expired saga rows."
type Reaper struct {
	sweeper  Sweeper
	ttl      time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
	schedule string
}

// Config configures a Reaper. Schedule defaults to DefaultSchedule and TTL
// to store/postgres.DefaultSagaTTL's value (1 hour) if left zero.
type Config struct {
	Sweeper  Sweeper
	Schedule string
	TTL      time.Duration
	Logger   *slog.Logger
}

func New(cfg Config) (*Reaper, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reaper{
		sweeper:  cfg.Sweeper,
		ttl:      ttl,
		logger:   logger,
		schedule: schedule,
		cron:     cron.New(),
	}

	if _, err := r.cron.AddFunc(schedule, r.sweepOnce); err != nil {
		return nil, fmt.Errorf("parse saga reaper schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the cron scheduler in the background. It returns
// immediately; call Stop to drain the currently running sweep (if any)
// and halt future ones.
func (r *Reaper) Start() {
	r.logger.Info("starting saga reaper", "schedule", r.schedule, "ttl", r.ttl)
	r.cron.Start()
}

// Stop halts the scheduler and blocks until any in-flight sweep returns.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// SweepOnce runs a single sweep synchronously, for callers that want to
// drive it manually (e.g. an ops CLI or a test) instead of on the cron
// schedule.
func (r *Reaper) SweepOnce(ctx context.Context) (int64, error) {
	return r.sweeper.SweepExpired(ctx, r.ttl)
}

// sweepOnce is the cron.FuncJob body: it has no caller-supplied context,
// so it derives its own bounded one, matching the teacher's Tick(ctx)
// being invoked off a bare background context by its own cron driver.
func (r *Reaper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := r.sweeper.SweepExpired(ctx, r.ttl)
	if err != nil {
		r.logger.Error("saga reaper sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("saga reaper swept expired contexts", "count", n)
	} else {
		r.logger.Debug("saga reaper sweep found nothing expired")
	}
}
