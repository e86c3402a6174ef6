package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/echoman-project/echoman/pkg/models"
)

// CategoryMetricStore maintains the per-(date, category) materialization
// stage two refreshes after each global-merge batch (spec.md §4.6).
type CategoryMetricStore struct {
	db dbtx
}

func NewCategoryMetricStore(db *sql.DB) *CategoryMetricStore {
	return &CategoryMetricStore{db: db}
}

// RefreshForDate recomputes topic_count/total_heat per category from the
// current topics table for date and upserts the result, overwriting
// whatever was there before. Topics without a category are excluded —
// category assignment is best-effort (spec.md §4.6) and an uncategorized
// topic has nowhere to aggregate into.
func (s *CategoryMetricStore) RefreshForDate(ctx context.Context, date string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO category_metrics (date, category, topic_count, total_heat, updated_at)
		SELECT $1, category, COUNT(*), COALESCE(SUM(current_heat_normalized), 0), now()
		FROM topics
		WHERE category IS NOT NULL AND last_active::date = $1::date
		GROUP BY category
		ON CONFLICT (date, category)
		DO UPDATE SET topic_count = EXCLUDED.topic_count,
		              total_heat = EXCLUDED.total_heat,
		              updated_at = now()
	`, date)
	if err != nil {
		return fmt.Errorf("store: refresh category metrics for %s: %w", date, err)
	}
	return nil
}

// ListForDate returns every category metric recorded for date.
func (s *CategoryMetricStore) ListForDate(ctx context.Context, date string) ([]models.CategoryMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, category, topic_count, total_heat, updated_at
		FROM category_metrics WHERE date = $1
		ORDER BY total_heat DESC
	`, date)
	if err != nil {
		return nil, fmt.Errorf("store: list category metrics for %s: %w", date, err)
	}
	defer rows.Close()

	var out []models.CategoryMetric
	for rows.Next() {
		var m models.CategoryMetric
		var d sql.NullTime
		if err := rows.Scan(&d, &m.Category, &m.TopicCount, &m.TotalHeat, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Date = date
		out = append(out, m)
	}
	return out, rows.Err()
}
