package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/echoman-project/echoman/pkg/models"
)

// SourceItemStore persists the raw hot-topic items fetched from each
// platform every period, and drives the merge_status state machine of
// spec.md §3/§4.6.
type SourceItemStore struct {
	db dbtx
}

func NewSourceItemStore(db *sql.DB) *SourceItemStore {
	return &SourceItemStore{db: db}
}

// WithTx returns a SourceItemStore bound to tx, for use inside a
// transaction a caller already owns.
func (s *SourceItemStore) WithTx(tx *sql.Tx) *SourceItemStore {
	return &SourceItemStore{db: tx}
}

// Create inserts one source item with merge_status =
// pending_event_merge. Duplicate (platform, url, run_id) triples are
// rejected with ErrAlreadyExists (spec.md §6 ingestion contract).
func (s *SourceItemStore) Create(ctx context.Context, item models.SourceItem) error {
	interactions, err := json.Marshal(item.Interactions)
	if err != nil {
		return fmt.Errorf("store: marshal interactions: %w", err)
	}
	if item.MergeStatus == "" {
		item.MergeStatus = models.MergeStatusPendingEventMerge
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_items
			(item_id, platform, title, summary, url, published_at, fetched_at,
			 interactions, heat_value, run_id, period_key, merge_status,
			 period_merge_group_id, occurrence_count, heat_normalized, embedding_id,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
	`,
		item.ItemID, item.Platform, item.Title, item.Summary, nullString(item.URL),
		item.PublishedAt, item.FetchedAt, interactions, item.HeatValue, item.RunID,
		item.Period, item.MergeStatus, item.PeriodMergeGroupID, item.OccurrenceCount,
		item.HeatNormalized, item.EmbeddingID,
	)
	if err != nil {
		if uniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: create source item: %w", err)
	}
	return nil
}

func (s *SourceItemStore) Get(ctx context.Context, itemID string) (models.SourceItem, error) {
	row := s.db.QueryRowContext(ctx, selectSourceItemSQL+` WHERE item_id = $1`, itemID)
	return scanSourceItem(row)
}

// ListByPeriod returns every item fetched in periodKey, ordered by
// platform then heat so downstream clustering sees a stable order.
func (s *SourceItemStore) ListByPeriod(ctx context.Context, periodKey string) ([]models.SourceItem, error) {
	rows, err := s.db.QueryContext(ctx, selectSourceItemSQL+`
		WHERE period_key = $1
		ORDER BY platform, heat_normalized DESC NULLS LAST
	`, periodKey)
	if err != nil {
		return nil, fmt.Errorf("store: list source items: %w", err)
	}
	defer rows.Close()
	return scanSourceItemList(rows)
}

// ListByStatus returns items in periodKey with the given merge_status,
// the working set each pipeline stage operates on.
func (s *SourceItemStore) ListByStatus(ctx context.Context, periodKey string, status models.MergeStatus) ([]models.SourceItem, error) {
	rows, err := s.db.QueryContext(ctx, selectSourceItemSQL+`
		WHERE period_key = $1 AND merge_status = $2
		ORDER BY fetched_at
	`, periodKey, status)
	if err != nil {
		return nil, fmt.Errorf("store: list source items by status: %w", err)
	}
	defer rows.Close()
	return scanSourceItemList(rows)
}

// ListByMergeGroup returns every item assigned to groupID, the input
// to stage two's per-group adjudication.
func (s *SourceItemStore) ListByMergeGroup(ctx context.Context, groupID string) ([]models.SourceItem, error) {
	rows, err := s.db.QueryContext(ctx, selectSourceItemSQL+`
		WHERE period_merge_group_id = $1
		ORDER BY fetched_at
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: list source items by merge group: %w", err)
	}
	defer rows.Close()
	return scanSourceItemList(rows)
}

// SetHeatNormalized writes the normalizer's output for one item
// (spec.md §4.2).
func (s *SourceItemStore) SetHeatNormalized(ctx context.Context, itemID string, heat float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE source_items SET heat_normalized = $2, updated_at = now() WHERE item_id = $1
	`, itemID, heat)
	if err != nil {
		return fmt.Errorf("store: set heat normalized: %w", err)
	}
	return nil
}

// SetEmbeddingID records the embedding_id stage one assigns after
// upserting an item's vector (spec.md §4.5 step 2).
func (s *SourceItemStore) SetEmbeddingID(ctx context.Context, itemID, embeddingID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE source_items SET embedding_id = $2, updated_at = now() WHERE item_id = $1
	`, itemID, embeddingID)
	if err != nil {
		return fmt.Errorf("store: set embedding id: %w", err)
	}
	return nil
}

// AssignGroup transitions itemIDs into a stage-one survivor group:
// period_merge_group_id, occurrence_count, and merge_status =
// pending_global_merge are all set together (spec.md §4.5 steps 5-6).
func (s *SourceItemStore) AssignGroup(ctx context.Context, groupID string, itemIDs []string, occurrenceCount int) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE source_items
		SET period_merge_group_id = $1, occurrence_count = $2,
		    merge_status = $3, updated_at = now()
		WHERE item_id = ANY($4)
	`, groupID, occurrenceCount, models.MergeStatusPendingGlobalMerge, itemIDs)
	if err != nil {
		return fmt.Errorf("store: assign merge group: %w", err)
	}
	return nil
}

// Discard transitions itemIDs to the terminal discarded state, the
// outcome of a period-group of size 1 (spec.md §4.5 step 6).
func (s *SourceItemStore) Discard(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE source_items
		SET merge_status = $1, occurrence_count = 1, updated_at = now()
		WHERE item_id = ANY($2)
	`, models.MergeStatusDiscarded, itemIDs)
	if err != nil {
		return fmt.Errorf("store: discard source items: %w", err)
	}
	return nil
}

// MarkMerged transitions itemIDs to the terminal merged state, the
// commit stage two makes once their TopicNodes exist (spec.md §4.6).
func (s *SourceItemStore) MarkMerged(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE source_items SET merge_status = $1, updated_at = now() WHERE item_id = ANY($2)
	`, models.MergeStatusMerged, itemIDs)
	if err != nil {
		return fmt.Errorf("store: mark source items merged: %w", err)
	}
	return nil
}

// Search performs full-text search over item titles, scoped to a
// period so a hot topic can be traced back to its raw sources.
func (s *SourceItemStore) Search(ctx context.Context, periodKey, query string, limit int) ([]models.SourceItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectSourceItemSQL+`
		WHERE period_key = $1 AND to_tsvector('simple', title) @@ plainto_tsquery('simple', $2)
		ORDER BY heat_normalized DESC NULLS LAST
		LIMIT $3
	`, periodKey, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search source items: %w", err)
	}
	defer rows.Close()
	return scanSourceItemList(rows)
}

// ListByIDs returns the source items matching ids, in no particular
// order, the RAG reader's node-resolution lookup.
func (s *SourceItemStore) ListByIDs(ctx context.Context, ids []string) ([]models.SourceItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, selectSourceItemSQL+` WHERE item_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: list source items by id: %w", err)
	}
	defer rows.Close()
	return scanSourceItemList(rows)
}

const selectSourceItemSQL = `
	SELECT item_id, platform, title, summary, url, published_at, fetched_at,
	       interactions, heat_value, run_id, period_key, merge_status,
	       period_merge_group_id, occurrence_count, heat_normalized, embedding_id,
	       created_at, updated_at
	FROM source_items
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSourceItemList(rows *sql.Rows) ([]models.SourceItem, error) {
	var items []models.SourceItem
	for rows.Next() {
		item, err := scanSourceItemInto(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanSourceItem(row *sql.Row) (models.SourceItem, error) {
	item, err := scanSourceItemInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SourceItem{}, ErrNotFound
	}
	return item, err
}

func scanSourceItemInto(s rowScanner) (models.SourceItem, error) {
	var item models.SourceItem
	var url sql.NullString
	var interactions []byte

	err := s.Scan(
		&item.ItemID, &item.Platform, &item.Title, &item.Summary, &url,
		&item.PublishedAt, &item.FetchedAt, &interactions, &item.HeatValue,
		&item.RunID, &item.Period, &item.MergeStatus, &item.PeriodMergeGroupID,
		&item.OccurrenceCount, &item.HeatNormalized, &item.EmbeddingID,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return models.SourceItem{}, err
	}
	item.URL = url.String
	if len(interactions) > 0 {
		if err := json.Unmarshal(interactions, &item.Interactions); err != nil {
			return models.SourceItem{}, fmt.Errorf("store: decode interactions: %w", err)
		}
	}
	return item, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
