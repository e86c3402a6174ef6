// Package scheduler drives ingestion/stage-one/stage-two at the fixed
// times of spec.md §6, generalizing the teacher's single-interval
// background loop (pkg/cleanup.Service) to several independently-timed
// cron jobs plus a vector-index reconciliation sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/echoman-project/echoman/pkg/clock"
	"github.com/echoman-project/echoman/pkg/config"
	"github.com/echoman-project/echoman/pkg/eventmerge"
	"github.com/echoman-project/echoman/pkg/globalmerge"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/echoman-project/echoman/pkg/store"
)

// Stage identifies one of the three scheduled operations (spec.md §6
// "Trigger stage one / stage two / ingestion for a given period key").
type Stage string

const (
	StageIngestion Stage = "ingestion"
	StageOne       Stage = "stage_one"
	StageTwo       Stage = "stage_two"
)

// IngestionTrigger notifies whatever external scraping process owns
// the "collected item ingestion contract" (spec.md §6) that a period
// has opened for collection. Echoman's core does not scrape platforms
// itself; it only records the run and calls this hook.
type IngestionTrigger interface {
	TriggerIngestion(ctx context.Context, periodKey string) error
}

// Reconciler heals vector-index drift: relational rows whose vector
// never landed in the index (a crash between the relational commit
// and the upsert, or an index restored from an older snapshot).
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Scheduler owns the process-wide cron jobs. Start/Stop follow the
// teacher's cleanup.Service idiom: Start is idempotent and
// non-blocking, Stop blocks until in-flight jobs finish.
type Scheduler struct {
	Schedule config.ScheduleConfig

	Runs        *store.RunStore
	EventMerge  *eventmerge.Runner
	GlobalMerge *globalmerge.Runner
	Ingestion   IngestionTrigger
	Reconciler  Reconciler

	// ReconcileCron is a separate, optional cron expression for the
	// vector-index reconciliation sweep; spec.md §6 doesn't fix a time
	// for it, so it's left to deployment configuration. Empty disables
	// the sweep.
	ReconcileCron string

	cron *cron.Cron
}

// Start registers the ingestion/stage-one/stage-two cron entries (and
// the reconciliation sweep, if configured) and starts the scheduler
// goroutine. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLocation(clock.Location()))

	if _, err := c.AddFunc(s.Schedule.IngestionCron, func() { s.runTick(ctx, StageIngestion) }); err != nil {
		return fmt.Errorf("scheduler: register ingestion cron: %w", err)
	}
	if _, err := c.AddFunc(s.Schedule.StageOneCron, func() { s.runTick(ctx, StageOne) }); err != nil {
		return fmt.Errorf("scheduler: register stage-one cron: %w", err)
	}
	if _, err := c.AddFunc(s.Schedule.StageTwoCron, func() { s.runTick(ctx, StageTwo) }); err != nil {
		return fmt.Errorf("scheduler: register stage-two cron: %w", err)
	}
	if s.ReconcileCron != "" && s.Reconciler != nil {
		if _, err := c.AddFunc(s.ReconcileCron, func() { s.runReconcile(ctx) }); err != nil {
			return fmt.Errorf("scheduler: register reconciliation cron: %w", err)
		}
	}

	s.cron = c
	s.cron.Start()
	slog.Info("scheduler started",
		"ingestion_cron", s.Schedule.IngestionCron,
		"stage_one_cron", s.Schedule.StageOneCron,
		"stage_two_cron", s.Schedule.StageTwoCron)
	return nil
}

// Stop signals the scheduler to stop accepting new ticks and waits for
// any job already running to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.cron = nil
	slog.Info("scheduler stopped")
}

func (s *Scheduler) runTick(ctx context.Context, stage Stage) {
	_, periodKey := clock.Label(clock.Now())
	if err := s.RunOnce(ctx, stage, periodKey); err != nil {
		slog.Error("scheduled run failed", "stage", stage, "period_key", periodKey, "error", err)
	}
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	if err := s.Reconciler.Reconcile(ctx); err != nil {
		slog.Error("vector index reconciliation failed", "error", err)
	}
}

// RunOnce runs one stage for one period key, exposed as a plain Go
// function rather than an HTTP handler per spec.md §6 ("out of core
// scope; specified only at boundary") — the effect equals running at
// the scheduled time, so a caller (a test, an operator tool, or an
// HTTP handler layered on top by a separate service) can trigger the
// same operation idempotently outside the cron loop.
func (s *Scheduler) RunOnce(ctx context.Context, stage Stage, periodKey string) error {
	switch stage {
	case StageIngestion:
		return s.runIngestionTrigger(ctx, periodKey)
	case StageOne:
		if s.EventMerge == nil {
			return fmt.Errorf("scheduler: no event merger configured")
		}
		return s.EventMerge.RunOnce(ctx, periodKey)
	case StageTwo:
		if s.GlobalMerge == nil {
			return fmt.Errorf("scheduler: no global merger configured")
		}
		return s.GlobalMerge.RunOnce(ctx, periodKey)
	default:
		return fmt.Errorf("scheduler: unknown stage %q", stage)
	}
}

func (s *Scheduler) runIngestionTrigger(ctx context.Context, periodKey string) error {
	runID := ""
	if s.Runs != nil {
		id, err := s.Runs.Start(ctx, models.RunKindIngest, periodKey)
		if err != nil {
			return fmt.Errorf("scheduler: start ingestion run record: %w", err)
		}
		runID = id
	}

	if s.Ingestion == nil {
		if runID != "" {
			return s.Runs.Complete(ctx, runID, 0, 0, 0)
		}
		return nil
	}

	if err := s.Ingestion.TriggerIngestion(ctx, periodKey); err != nil {
		if runID != "" {
			_ = s.Runs.Fail(ctx, runID, err.Error())
		}
		return fmt.Errorf("scheduler: trigger ingestion: %w", err)
	}
	if runID != "" {
		return s.Runs.Complete(ctx, runID, 0, 0, 0)
	}
	return nil
}
