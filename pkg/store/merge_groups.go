package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/echoman-project/echoman/pkg/models"
)

// MergeGroupStore persists stage-two's claimable work queue, one row
// per stage-one survivor cluster awaiting adjudication.
type MergeGroupStore struct {
	db *sql.DB
}

func NewMergeGroupStore(db *sql.DB) *MergeGroupStore {
	return &MergeGroupStore{db: db}
}

func (s *MergeGroupStore) Create(ctx context.Context, group models.MergeGroup) error {
	itemIDs, err := json.Marshal(group.ItemIDs)
	if err != nil {
		return fmt.Errorf("store: marshal item ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merge_groups
			(group_id, period_key, item_ids, representative_item_id, occurrence_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, group.GroupID, group.PeriodKey, itemIDs, group.RepresentativeItemID, group.OccurrenceCount, group.Status)
	if err != nil {
		if uniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: create merge group: %w", err)
	}
	return nil
}

// ClaimNext claims one pending merge group for periodKey using
// SELECT ... FOR UPDATE SKIP LOCKED, the pattern stage two runs so a
// group is never processed by two workers at once (spec.md §4.6).
func (s *MergeGroupStore) ClaimNext(ctx context.Context, periodKey, claimedBy string) (models.MergeGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.MergeGroup{}, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT group_id, period_key, item_ids, representative_item_id, occurrence_count,
		       status, claimed_by, claimed_at, completed_at, error_message, created_at
		FROM merge_groups
		WHERE period_key = $1 AND status = 'pending'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, periodKey)

	group, err := scanMergeGroupInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MergeGroup{}, ErrNoneClaimable
	}
	if err != nil {
		return models.MergeGroup{}, fmt.Errorf("store: query claimable merge group: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE merge_groups SET status = 'in_progress', claimed_by = $2, claimed_at = now()
		WHERE group_id = $1
	`, group.GroupID, claimedBy); err != nil {
		return models.MergeGroup{}, fmt.Errorf("store: claim merge group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.MergeGroup{}, fmt.Errorf("store: commit claim: %w", err)
	}

	group.Status = models.MergeGroupInProgress
	group.ClaimedBy = &claimedBy
	return group, nil
}

// CountPending reports how many groups in periodKey are still awaiting
// a claim, the overflow check stage two's batch cap uses (spec.md §4.6
// "process at most 200 groups per run").
func (s *MergeGroupStore) CountPending(ctx context.Context, periodKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM merge_groups WHERE period_key = $1 AND status = 'pending'
	`, periodKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending merge groups: %w", err)
	}
	return n, nil
}

// Complete marks a claimed group finished.
func (s *MergeGroupStore) Complete(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE merge_groups SET status = 'completed', completed_at = now() WHERE group_id = $1
	`, groupID)
	if err != nil {
		return fmt.Errorf("store: complete merge group: %w", err)
	}
	return nil
}

// Fail records an adjudication failure against a claimed group so a
// later pass can requeue or inspect it without losing the error.
func (s *MergeGroupStore) Fail(ctx context.Context, groupID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE merge_groups SET status = 'failed', completed_at = now(), error_message = $2
		WHERE group_id = $1
	`, groupID, message)
	if err != nil {
		return fmt.Errorf("store: fail merge group: %w", err)
	}
	return nil
}

// FindOrphaned returns groups stuck in_progress with no completion,
// claimed before the cutoff, the reconciliation sweep's input.
func (s *MergeGroupStore) FindOrphaned(ctx context.Context, claimedBefore sql.NullTime) ([]models.MergeGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, period_key, item_ids, representative_item_id, occurrence_count,
		       status, claimed_by, claimed_at, completed_at, error_message, created_at
		FROM merge_groups
		WHERE status = 'in_progress' AND claimed_at < $1
	`, claimedBefore)
	if err != nil {
		return nil, fmt.Errorf("store: find orphaned merge groups: %w", err)
	}
	defer rows.Close()

	var groups []models.MergeGroup
	for rows.Next() {
		g, err := scanMergeGroupInto(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Requeue resets an orphaned group back to pending.
func (s *MergeGroupStore) Requeue(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE merge_groups SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE group_id = $1
	`, groupID)
	if err != nil {
		return fmt.Errorf("store: requeue merge group: %w", err)
	}
	return nil
}

func scanMergeGroupInto(s rowScanner) (models.MergeGroup, error) {
	var g models.MergeGroup
	var itemIDs []byte
	err := s.Scan(
		&g.GroupID, &g.PeriodKey, &itemIDs, &g.RepresentativeItemID, &g.OccurrenceCount,
		&g.Status, &g.ClaimedBy, &g.ClaimedAt, &g.CompletedAt, &g.ErrorMessage, &g.CreatedAt,
	)
	if err != nil {
		return models.MergeGroup{}, err
	}
	if len(itemIDs) > 0 {
		if err := json.Unmarshal(itemIDs, &g.ItemIDs); err != nil {
			return models.MergeGroup{}, fmt.Errorf("store: decode item ids: %w", err)
		}
	}
	return g, nil
}
