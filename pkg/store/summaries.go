package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/echoman-project/echoman/pkg/models"
)

// SummaryStore persists a topic's narrative summaries and coordinates
// the Topic.SummaryID pointer update that must commit alongside each
// new Summary row (spec.md §4.8).
type SummaryStore struct {
	db dbtx
}

func NewSummaryStore(db *sql.DB) *SummaryStore {
	return &SummaryStore{db: db}
}

func (s *SummaryStore) WithTx(tx *sql.Tx) *SummaryStore {
	return &SummaryStore{db: tx}
}

// Create inserts a new Summary row and points topics.summary_id at it.
// pkg/summary.Engine runs this in its own transaction, after the topic
// writes it accompanies (topic creation, merge) have committed; the
// vector-index upsert happens after that transaction commits, per the
// rollback rule of spec.md §4.8.
func (s *SummaryStore) Create(ctx context.Context, sm models.Summary) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (summary_id, topic_id, content, method, generated_at)
		VALUES ($1, $2, $3, $4, now())
	`, sm.SummaryID, sm.TopicID, sm.Content, sm.Method); err != nil {
		if uniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: create summary: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE topics SET summary_id = $2, updated_at = now() WHERE topic_id = $1
	`, sm.TopicID, sm.SummaryID); err != nil {
		return fmt.Errorf("store: point topic at summary: %w", err)
	}
	return nil
}

// Delete removes a summary row, the compensating action spec.md §4.8
// requires when the paired vector upsert fails after the row commits.
func (s *SummaryStore) Delete(ctx context.Context, summaryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE summary_id = $1`, summaryID); err != nil {
		return fmt.Errorf("store: delete summary: %w", err)
	}
	return nil
}

// Latest returns the most recently generated summary for a topic.
func (s *SummaryStore) Latest(ctx context.Context, topicID string) (models.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT summary_id, topic_id, content, method, generated_at
		FROM summaries WHERE topic_id = $1 ORDER BY generated_at DESC LIMIT 1
	`, topicID)
	return scanSummary(row)
}

// Get fetches a summary by ID, the RAG reader's citation-resolution lookup.
func (s *SummaryStore) Get(ctx context.Context, summaryID string) (models.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT summary_id, topic_id, content, method, generated_at
		FROM summaries WHERE summary_id = $1
	`, summaryID)
	return scanSummary(row)
}

func scanSummary(row *sql.Row) (models.Summary, error) {
	var sm models.Summary
	err := row.Scan(&sm.SummaryID, &sm.TopicID, &sm.Content, &sm.Method, &sm.GeneratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Summary{}, ErrNotFound
	}
	return sm, err
}
