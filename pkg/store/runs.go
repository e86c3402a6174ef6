package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/echoman-project/echoman/pkg/models"
)

// RunStore audits pipeline invocations, one row per stage/period,
// mirroring the teacher's agent-execution audit trail.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Start inserts a running RunRecord and returns its ID.
func (s *RunStore) Start(ctx context.Context, kind models.RunKind, periodKey string) (string, error) {
	runID := NewID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_records (run_id, kind, period_key, status, started_at, created_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`, runID, kind, periodKey, models.RunStatusRunning)
	if err != nil {
		return "", fmt.Errorf("store: start run record: %w", err)
	}
	return runID, nil
}

// Complete finishes a run with its input/kept/dropped counts.
func (s *RunStore) Complete(ctx context.Context, runID string, inputCount, keptCount, droppedCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_records
		SET status = $2, input_count = $3, kept_count = $4, dropped_count = $5, finished_at = now()
		WHERE run_id = $1
	`, runID, models.RunStatusCompleted, inputCount, keptCount, droppedCount)
	if err != nil {
		return fmt.Errorf("store: complete run: %w", err)
	}
	return nil
}

// Fail finishes a run with an error message.
func (s *RunStore) Fail(ctx context.Context, runID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_records SET status = $2, error_message = $3, finished_at = now()
		WHERE run_id = $1
	`, runID, models.RunStatusFailed, message)
	if err != nil {
		return fmt.Errorf("store: fail run: %w", err)
	}
	return nil
}

// ExistsForPeriod reports whether a stage already has a non-failed run
// record for periodKey, the idempotence check each scheduled stage
// makes before doing any work (spec.md §6).
func (s *RunStore) ExistsForPeriod(ctx context.Context, kind models.RunKind, periodKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM run_records WHERE kind = $1 AND period_key = $2 AND status != 'failed'
		)
	`, kind, periodKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check run existence: %w", err)
	}
	return exists, nil
}

func (s *RunStore) Get(ctx context.Context, runID string) (models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, kind, period_key, status, started_at, finished_at,
		       input_count, kept_count, dropped_count, error_message, created_at
		FROM run_records WHERE run_id = $1
	`, runID)

	var r models.RunRecord
	err := row.Scan(&r.RunID, &r.Kind, &r.PeriodKey, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.InputCount, &r.KeptCount, &r.DroppedCount, &r.ErrorMessage, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunRecord{}, ErrNotFound
	}
	return r, err
}
