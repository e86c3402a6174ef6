package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/echoman-project/echoman/pkg/embedding"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/echoman-project/echoman/pkg/store"
	"github.com/echoman-project/echoman/pkg/vectorindex"
)

// VectorIndexReconciler re-upserts topic-summary vectors for the topics
// active within Lookback (at most the 500 most recently active, the
// TopicStore.ListActiveSince default), healing the gap spec.md §9's "global
// mutable state" note calls out: the relational store is ground truth,
// the vector index is a derived, potentially-stale cache. A process
// crash between the relational Summary write and the vector Upsert
// (pkg/summary.Engine.write / upsertVector) leaves a topic locatable
// relationally but unreachable from RAG global-mode recall; this sweep
// re-derives and re-upserts the vector from the relational row, which
// is always safe since Upsert replaces by ID.
type VectorIndexReconciler struct {
	Topics    *store.TopicStore
	Summaries *store.SummaryStore
	Embedder  embedding.Embedder
	Index     vectorindex.Index

	EmbeddingProvider string
	EmbeddingModel    string

	Lookback time.Duration
}

// Reconcile re-embeds and re-upserts the current summary vector for
// each topic active within the configured lookback window, up to the
// 500 most recently active.
func (r *VectorIndexReconciler) Reconcile(ctx context.Context) error {
	lookback := r.Lookback
	if lookback <= 0 {
		lookback = 72 * time.Hour
	}
	since := sql.NullTime{Time: time.Now().Add(-lookback), Valid: true}

	topics, err := r.Topics.ListActiveSince(ctx, since, 0)
	if err != nil {
		return fmt.Errorf("scheduler: list active topics for reconciliation: %w", err)
	}

	healed := 0
	for _, topic := range topics {
		if topic.SummaryID == nil {
			continue
		}
		sm, err := r.Summaries.Get(ctx, *topic.SummaryID)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			slog.Error("reconcile: load summary failed", "topic_id", topic.TopicID, "error", err)
			continue
		}

		vec, err := r.Embedder.Embed(ctx, sm.Content)
		if err != nil {
			slog.Error("reconcile: embed summary failed", "topic_id", topic.TopicID, "error", err)
			continue
		}
		if err := r.Index.Upsert(ctx, []vectorindex.Point{{
			ID:     "topic_summary_" + sm.SummaryID,
			Vector: vec,
			Payload: map[string]any{
				"object_type": string(models.EmbeddingObjectTopicSummary),
				"object_id":   sm.SummaryID,
				"topic_id":    topic.TopicID,
			},
		}}); err != nil {
			slog.Error("reconcile: upsert vector failed", "topic_id", topic.TopicID, "error", err)
			continue
		}
		healed++
	}

	if healed > 0 {
		slog.Info("reconcile: re-upserted topic summary vectors", "count", healed)
	}
	return nil
}
