package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/echoman-project/echoman/pkg/models"
)

// TopicStore persists Topics and their TopicNode/TopicPeriodHeat
// children, the long-lived cross-period clusters stage two builds.
type TopicStore struct {
	db dbtx
}

func NewTopicStore(db *sql.DB) *TopicStore {
	return &TopicStore{db: db}
}

// WithTx returns a TopicStore bound to tx.
func (s *TopicStore) WithTx(tx *sql.Tx) *TopicStore {
	return &TopicStore{db: tx}
}

// CreateSeed inserts a new Topic along with its seed TopicNodes and
// initial TopicPeriodHeat row, the transaction stage two runs when a
// group does not associate with any existing topic (spec.md §4.6 new
// path).
func (s *TopicStore) CreateSeed(ctx context.Context, topic models.Topic, seedItemIDs []string, heat models.TopicPeriodHeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics
			(topic_id, title_key, first_seen, last_active, status, intensity_total,
			 current_heat_normalized, heat_percentage, summary_id, category,
			 category_confidence, category_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
	`, topic.TopicID, topic.TitleKey, topic.FirstSeen, topic.LastActive, topic.Status,
		topic.IntensityTotal, topic.CurrentHeatNormalized, topic.HeatPercentage, topic.SummaryID,
		topic.Category, topic.CategoryConfidence, topic.CategoryMethod)
	if err != nil {
		if uniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: create topic: %w", err)
	}

	for _, itemID := range seedItemIDs {
		if err := s.addNode(ctx, topic.TopicID, itemID); err != nil {
			return err
		}
	}

	return s.insertPeriodHeat(ctx, heat)
}

// AppendNodes attaches itemIDs to an existing topic, bumps
// intensity_total and last_active, upserts the (date, period) heat row
// with group-sum values, and raises the topic's peak fields if this
// period's heat exceeds the prior peak (spec.md §4.6 merge path).
func (s *TopicStore) AppendNodes(ctx context.Context, topicID string, itemIDs []string, lastActive time.Time, heat models.TopicPeriodHeat) error {
	for _, itemID := range itemIDs {
		if err := s.addNode(ctx, topicID, itemID); err != nil {
			return err
		}
	}

	// GREATEST keeps last_active monotonic when a backlog group with an
	// older fetched_at is merged after a newer one (spec.md §4.6
	// "last_active = max(last_active, max(items.fetched_at))").
	if _, err := s.db.ExecContext(ctx, `
		UPDATE topics
		SET intensity_total = intensity_total + $2, last_active = GREATEST(last_active, $3), updated_at = now()
		WHERE topic_id = $1
	`, topicID, len(itemIDs), lastActive); err != nil {
		return fmt.Errorf("store: bump topic on merge: %w", err)
	}

	if err := s.upsertPeriodHeat(ctx, heat); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE topics
		SET current_heat_normalized = $2, heat_percentage = $3, updated_at = now()
		WHERE topic_id = $1 AND $2 > current_heat_normalized
	`, topicID, heat.HeatNormalized, heat.HeatPercentage); err != nil {
		return fmt.Errorf("store: raise topic peak: %w", err)
	}
	return nil
}

func (s *TopicStore) addNode(ctx context.Context, topicID, sourceItemID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_nodes (node_id, topic_id, source_item_id, appended_at)
		VALUES ($1, $2, $3, now())
	`, NewID(), topicID, sourceItemID)
	if err != nil {
		if uniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: create topic node: %w", err)
	}
	return nil
}

func (s *TopicStore) insertPeriodHeat(ctx context.Context, h models.TopicPeriodHeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_period_heat (topic_id, date, period, heat_normalized, heat_percentage, source_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, h.TopicID, h.Date, h.Period, h.HeatNormalized, h.HeatPercentage, h.SourceCount)
	if err != nil {
		return fmt.Errorf("store: insert topic period heat: %w", err)
	}
	return nil
}

// upsertPeriodHeat replaces heat_normalized/heat_percentage/source_count
// with the group-sum values if the (topic_id, date, period) row already
// exists, otherwise inserts it (spec.md §4.6 step "Upsert TopicPeriodHeat").
func (s *TopicStore) upsertPeriodHeat(ctx context.Context, h models.TopicPeriodHeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_period_heat (topic_id, date, period, heat_normalized, heat_percentage, source_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (topic_id, date, period)
		DO UPDATE SET heat_normalized = EXCLUDED.heat_normalized,
		              heat_percentage = EXCLUDED.heat_percentage,
		              source_count = EXCLUDED.source_count
	`, h.TopicID, h.Date, h.Period, h.HeatNormalized, h.HeatPercentage, h.SourceCount)
	if err != nil {
		return fmt.Errorf("store: upsert topic period heat: %w", err)
	}
	return nil
}

func (s *TopicStore) Get(ctx context.Context, topicID string) (models.Topic, error) {
	row := s.db.QueryRowContext(ctx, selectTopicSQL+` WHERE topic_id = $1`, topicID)
	return scanTopic(row)
}

// SetSummaryID points a topic at its most recent Summary row.
func (s *TopicStore) SetSummaryID(ctx context.Context, topicID, summaryID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE topics SET summary_id = $2, updated_at = now() WHERE topic_id = $1
	`, topicID, summaryID)
	if err != nil {
		return fmt.Errorf("store: set topic summary id: %w", err)
	}
	return nil
}

// RestoreSummaryID resets a topic's summary pointer, the compensating
// action taken when a new summary's vector upsert fails after its
// relational write already committed (spec.md §4.8).
func (s *TopicStore) RestoreSummaryID(ctx context.Context, topicID string, summaryID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE topics SET summary_id = $2, updated_at = now() WHERE topic_id = $1
	`, topicID, summaryID)
	if err != nil {
		return fmt.Errorf("store: restore topic summary id: %w", err)
	}
	return nil
}

// ZeroPeakHeat clears a topic's peak heat fields, the pruning action
// GLOBAL_MERGE_NEW_TOPIC_KEEP_RATIO < 1.0 applies to newly-created
// topics outside the batch's top-heat fraction (spec.md §6/§9 Open
// Questions — zero heat only, never delete the Topic).
func (s *TopicStore) ZeroPeakHeat(ctx context.Context, topicID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE topics SET current_heat_normalized = 0, heat_percentage = 0, updated_at = now()
		WHERE topic_id = $1
	`, topicID)
	if err != nil {
		return fmt.Errorf("store: zero topic peak heat: %w", err)
	}
	return nil
}

// SetCategory records the external classifier's output (spec.md §4.7);
// confidence/method are nil when classification failed.
func (s *TopicStore) SetCategory(ctx context.Context, topicID string, category *string, confidence *float64, method *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE topics SET category = $2, category_confidence = $3, category_method = $4, updated_at = now()
		WHERE topic_id = $1
	`, topicID, category, confidence, method)
	if err != nil {
		return fmt.Errorf("store: set topic category: %w", err)
	}
	return nil
}

// SetStatus transitions a topic's lifecycle status (active/ended).
func (s *TopicStore) SetStatus(ctx context.Context, topicID string, status models.TopicStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE topics SET status = $2, updated_at = now() WHERE topic_id = $1
	`, topicID, status)
	if err != nil {
		return fmt.Errorf("store: set topic status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveSince returns active topics last active at or after since,
// most recent first, up to limit (500 when limit <= 0). Stage two uses
// it as the candidate fallback when no vector-index match clears the
// similarity floor (spec.md §4.6).
func (s *TopicStore) ListActiveSince(ctx context.Context, since sql.NullTime, limit int) ([]models.Topic, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, selectTopicSQL+`
		WHERE status = 'active' AND ($1::timestamptz IS NULL OR last_active >= $1)
		ORDER BY last_active DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list active topics: %w", err)
	}
	defer rows.Close()
	return scanTopicList(rows)
}

// PeriodHeatHistory returns every recorded period heat for a topic,
// ordered oldest first.
func (s *TopicStore) PeriodHeatHistory(ctx context.Context, topicID string) ([]models.TopicPeriodHeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic_id, date, period, heat_normalized, heat_percentage, source_count
		FROM topic_period_heat WHERE topic_id = $1 ORDER BY date, period
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("store: list topic period heat: %w", err)
	}
	defer rows.Close()

	var out []models.TopicPeriodHeat
	for rows.Next() {
		var h models.TopicPeriodHeat
		if err := rows.Scan(&h.TopicID, &h.Date, &h.Period, &h.HeatNormalized, &h.HeatPercentage, &h.SourceCount); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListNodes returns every SourceItem attached to a topic, ordered by
// when it was appended, the RAG reader's topic-mode evidence trail.
func (s *TopicStore) ListNodes(ctx context.Context, topicID string) ([]models.TopicNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, topic_id, source_item_id, appended_at
		FROM topic_nodes WHERE topic_id = $1 ORDER BY appended_at
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("store: list topic nodes: %w", err)
	}
	defer rows.Close()

	var out []models.TopicNode
	for rows.Next() {
		var n models.TopicNode
		if err := rows.Scan(&n.NodeID, &n.TopicID, &n.SourceItemID, &n.AppendedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Search performs full-text search over title keys, the backing query
// for the RAG reader's topic lookup.
func (s *TopicStore) Search(ctx context.Context, query string, limit int) ([]models.Topic, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectTopicSQL+`
		WHERE to_tsvector('simple', title_key) @@ plainto_tsquery('simple', $1)
		ORDER BY current_heat_normalized DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search topics: %w", err)
	}
	defer rows.Close()
	return scanTopicList(rows)
}

const selectTopicSQL = `
	SELECT topic_id, title_key, first_seen, last_active, status, intensity_total,
	       current_heat_normalized, heat_percentage, summary_id, category,
	       category_confidence, category_method, created_at, updated_at
	FROM topics
`

func scanTopic(row *sql.Row) (models.Topic, error) {
	t, err := scanTopicInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Topic{}, ErrNotFound
	}
	return t, err
}

func scanTopicList(rows *sql.Rows) ([]models.Topic, error) {
	var topics []models.Topic
	for rows.Next() {
		t, err := scanTopicInto(rows)
		if err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func scanTopicInto(s rowScanner) (models.Topic, error) {
	var t models.Topic
	err := s.Scan(
		&t.TopicID, &t.TitleKey, &t.FirstSeen, &t.LastActive, &t.Status, &t.IntensityTotal,
		&t.CurrentHeatNormalized, &t.HeatPercentage, &t.SummaryID, &t.Category,
		&t.CategoryConfidence, &t.CategoryMethod, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return models.Topic{}, err
	}
	return t, nil
}
