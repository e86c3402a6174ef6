// Package summary implements the Summary Engine of spec.md §4.8: the
// three summary kinds (placeholder, full, incremental) a Topic
// accumulates, each write followed by the insert-row/point-topic/
// upsert-vector sequence and its compensating rollback.
package summary

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/echoman-project/echoman/pkg/embedding"
	"github.com/echoman-project/echoman/pkg/llmclient"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/echoman-project/echoman/pkg/store"
	"github.com/echoman-project/echoman/pkg/vectorindex"
)

// Engine generates and persists Topic summaries.
type Engine struct {
	DB *sql.DB

	Summaries *store.SummaryStore
	Topics    *store.TopicStore
	Items     *store.SourceItemStore
	Embeddings *store.EmbeddingStore

	Embedder   embedding.Embedder
	Summarizer llmclient.Summarizer
	Index      vectorindex.Index

	EmbeddingProvider string
	EmbeddingModel    string
}

// Placeholder produces a short rule-generated sentence for a topic
// that just gained its first TopicNode and has no summary yet, and
// upserts its vector synchronously (spec.md §4.8) so in-batch future
// recall can find it.
func (e *Engine) Placeholder(ctx context.Context, topicID, titleKey string) (string, error) {
	content := fmt.Sprintf("%s — 持续追踪中,详情请参阅相关报道。", titleKey)
	return e.write(ctx, topicID, content, models.SummaryMethodPlaceholder)
}

// Full replaces a topic's summary with one generated from its current
// representative nodes, the post-batch pass (spec.md §4.8).
func (e *Engine) Full(ctx context.Context, topicID string) (string, error) {
	topic, err := e.Topics.Get(ctx, topicID)
	if err != nil {
		return "", fmt.Errorf("summary: get topic %s: %w", topicID, err)
	}
	nodes, err := e.nodeTexts(ctx, topicID)
	if err != nil {
		return "", err
	}

	content, _, err := e.Summarizer.GenerateFullSummary(ctx, llmclient.FullSummaryRequest{
		TopicID:  topicID,
		TitleKey: topic.TitleKey,
		Nodes:    nodes,
	})
	if err != nil {
		return "", fmt.Errorf("summary: generate full summary for %s: %w", topicID, err)
	}
	return e.write(ctx, topicID, content, models.SummaryMethodFull)
}

// Incremental folds newItemIDs into a topic's existing summary, the
// merge-path refresh when a topic already carries a full summary
// (spec.md §4.8).
func (e *Engine) Incremental(ctx context.Context, topicID string, newItemIDs []string) (string, error) {
	latest, err := e.Summaries.Latest(ctx, topicID)
	if err != nil {
		return "", fmt.Errorf("summary: get latest summary for %s: %w", topicID, err)
	}
	newItems, err := e.Items.ListByIDs(ctx, newItemIDs)
	if err != nil {
		return "", fmt.Errorf("summary: list new items for %s: %w", topicID, err)
	}
	newNodes := make([]llmclient.SummaryNode, len(newItems))
	for i, it := range newItems {
		newNodes[i] = llmclient.SummaryNode{Title: it.Title, Platform: it.Platform}
	}

	content, _, err := e.Summarizer.GenerateIncrementalSummary(ctx, llmclient.IncrementalSummaryRequest{
		TopicID:         topicID,
		ExistingSummary: latest.Content,
		NewNodes:        newNodes,
	})
	if err != nil {
		return "", fmt.Errorf("summary: generate incremental summary for %s: %w", topicID, err)
	}
	return e.write(ctx, topicID, content, models.SummaryMethodIncremental)
}

func (e *Engine) nodeTexts(ctx context.Context, topicID string) ([]llmclient.SummaryNode, error) {
	nodes, err := e.Topics.ListNodes(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("summary: list nodes for %s: %w", topicID, err)
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.SourceItemID
	}
	items, err := e.Items.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("summary: list node items for %s: %w", topicID, err)
	}
	out := make([]llmclient.SummaryNode, len(items))
	for i, it := range items {
		out[i] = llmclient.SummaryNode{Title: it.Title, Platform: it.Platform}
	}
	return out, nil
}

// write performs the insert-row/point-topic/upsert-vector sequence of
// spec.md §4.8: (a) and (b) commit together in one transaction; (c)
// runs after commit since the vector index is not transactional with
// the relational store. If (c) fails, (a) is rolled back by deleting
// the row and restoring the topic's previous summary pointer, leaving
// the topic's previous summary intact as the invariant requires.
func (e *Engine) write(ctx context.Context, topicID, content string, method models.SummaryMethod) (string, error) {
	topic, err := e.Topics.Get(ctx, topicID)
	if err != nil {
		return "", fmt.Errorf("summary: get topic %s: %w", topicID, err)
	}
	previousSummaryID := topic.SummaryID

	summaryID := store.NewID()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("summary: begin write tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := e.Summaries.WithTx(tx).Create(ctx, models.Summary{
		SummaryID: summaryID,
		TopicID:   topicID,
		Content:   content,
		Method:    method,
	}); err != nil {
		return "", fmt.Errorf("summary: insert summary row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("summary: commit summary write: %w", err)
	}
	committed = true

	if err := e.upsertVector(ctx, topicID, summaryID, content); err != nil {
		if rollbackErr := e.rollback(ctx, summaryID, topicID, previousSummaryID); rollbackErr != nil {
			return "", fmt.Errorf("summary: upsert vector failed (%w) and rollback failed: %v", err, rollbackErr)
		}
		return "", fmt.Errorf("summary: upsert vector for %s: %w", summaryID, err)
	}
	return summaryID, nil
}

func (e *Engine) upsertVector(ctx context.Context, topicID, summaryID, content string) error {
	vec, err := e.Embedder.Embed(ctx, content)
	if err != nil {
		return err
	}
	if err := e.Index.Upsert(ctx, []vectorindex.Point{{
		ID:     "topic_summary_" + summaryID,
		Vector: vec,
		Payload: map[string]any{
			"object_type":  "topic_summary",
			"object_id":    summaryID,
			"topic_id":     topicID,
			"generated_at": time.Now().Unix(),
		},
	}}); err != nil {
		return err
	}
	return e.Embeddings.Upsert(ctx, models.Embedding{
		EmbeddingID: store.NewID(),
		ObjectType:  models.EmbeddingObjectTopicSummary,
		ObjectID:    summaryID,
		Provider:    e.EmbeddingProvider,
		Model:       e.EmbeddingModel,
	})
}

func (e *Engine) rollback(ctx context.Context, summaryID, topicID string, previousSummaryID *string) error {
	if err := e.Summaries.Delete(ctx, summaryID); err != nil {
		return err
	}
	return e.Topics.RestoreSummaryID(ctx, topicID, previousSummaryID)
}
