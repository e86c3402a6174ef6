// Package eventmerge implements the stage-one event merger of spec.md
// §4.5: per-period deduplication of raw SourceItems into event-level
// candidate groups, confirmed by the LLM Adjudicator and advanced into
// the stage-two queue.
package eventmerge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/echoman-project/echoman/pkg/config"
	"github.com/echoman-project/echoman/pkg/embedding"
	"github.com/echoman-project/echoman/pkg/llmclient"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/echoman-project/echoman/pkg/normalizer"
	"github.com/echoman-project/echoman/pkg/store"
	"github.com/echoman-project/echoman/pkg/textutil"
	"github.com/echoman-project/echoman/pkg/vectorindex"
)

// Runner drives one stage-one invocation over a single period key.
type Runner struct {
	Items       *store.SourceItemStore
	Groups      *store.MergeGroupStore
	Embeddings  *store.EmbeddingStore
	Runs        *store.RunStore
	Judgements  *store.JudgementStore
	Embedder    embedding.Embedder
	Index       vectorindex.Index
	Adjudicator llmclient.Adjudicator

	PlatformWeights   map[string]float64
	Merge             config.MergeConfig
	EmbeddingProvider string
	EmbeddingModel    string
}

// RunOnce processes every pending_event_merge item in periodKey,
// recording a RunRecord of kind event_merge (spec.md §4.5 step 7).
func (r *Runner) RunOnce(ctx context.Context, periodKey string) error {
	runID, err := r.Runs.Start(ctx, models.RunKindEventMerge, periodKey)
	if err != nil {
		return fmt.Errorf("eventmerge: start run: %w", err)
	}
	if err := r.process(ctx, runID, periodKey); err != nil {
		_ = r.Runs.Fail(ctx, runID, err.Error())
		return err
	}
	return nil
}

func (r *Runner) process(ctx context.Context, runID, periodKey string) error {
	items, err := r.Items.ListByStatus(ctx, periodKey, models.MergeStatusPendingEventMerge)
	if err != nil {
		return fmt.Errorf("eventmerge: list pending items: %w", err)
	}
	if len(items) == 0 {
		// Idempotent re-run: all items already transitioned out of
		// pending_event_merge. Nothing to normalize, nothing to cluster.
		return r.Runs.Complete(ctx, runID, 0, 0, 0)
	}

	if err := r.normalize(ctx, items); err != nil {
		return err
	}

	vectors, err := r.embedAndIndex(ctx, items)
	if err != nil {
		return err
	}

	components := cluster(items, vectors, r.Merge.HalfdaySimilarityThreshold, r.Merge.HalfdayJaccardThreshold)

	kept, dropped := 0, 0
	for _, idxs := range components {
		sort.Slice(idxs, func(a, b int) bool {
			return items[idxs[a]].FetchedAt.Before(items[idxs[b]].FetchedAt)
		})
		group := make([]models.SourceItem, len(idxs))
		for k, idx := range idxs {
			group[k] = items[idx]
		}

		if len(group) == 1 {
			if err := r.Items.Discard(ctx, []string{group[0].ItemID}); err != nil {
				return err
			}
			dropped++
			continue
		}

		confirmed, ok, err := r.confirmGroup(ctx, runID, periodKey, group)
		if err != nil {
			// Group-level adjudication failure: leave items pending so a
			// later run retries (spec.md §7 "malformed LLM response").
			continue
		}
		if !ok || !confirmed {
			ids := itemIDs(group)
			if err := r.Items.Discard(ctx, ids); err != nil {
				return err
			}
			dropped += len(group)
			continue
		}

		ids := itemIDs(group)
		groupID := store.NewID()
		if err := r.Items.AssignGroup(ctx, groupID, ids, len(group)); err != nil {
			return err
		}
		if err := r.Groups.Create(ctx, models.MergeGroup{
			GroupID:              groupID,
			PeriodKey:            periodKey,
			ItemIDs:              ids,
			RepresentativeItemID: group[0].ItemID, // earliest fetched_at
			OccurrenceCount:      len(group),
			Status:               models.MergeGroupPending,
		}); err != nil {
			return err
		}
		kept += len(group)
	}

	return r.Runs.Complete(ctx, runID, len(items), kept, dropped)
}

// normalize runs the Normalizer (spec.md §4.2) over items and persists
// each item's heat_normalized.
func (r *Runner) normalize(ctx context.Context, items []models.SourceItem) error {
	inputs := normalizer.FromSourceItems(items)
	results, err := normalizer.Normalize(inputs, r.PlatformWeights)
	if err != nil {
		return fmt.Errorf("eventmerge: normalize: %w", err)
	}
	for _, res := range results {
		if err := r.Items.SetHeatNormalized(ctx, res.ItemID, res.HeatNormalized); err != nil {
			return fmt.Errorf("eventmerge: set heat normalized: %w", err)
		}
	}
	return nil
}

// embedAndIndex embeds each item's title+summary, upserts it as a
// source_item vector, and records the embedding's provenance row
// (spec.md §4.5 step 2).
func (r *Runner) embedAndIndex(ctx context.Context, items []models.SourceItem) (map[string][]float64, error) {
	vectors := make(map[string][]float64, len(items))
	for _, it := range items {
		vec, err := r.Embedder.Embed(ctx, it.Title+"\n"+it.Summary)
		if err != nil {
			return nil, fmt.Errorf("eventmerge: embed item %s: %w", it.ItemID, err)
		}
		vectors[it.ItemID] = vec

		if err := r.Index.Upsert(ctx, []vectorindex.Point{{
			ID:     "source_item_" + it.ItemID,
			Vector: vec,
			Payload: map[string]any{
				"object_type": "source_item",
				"object_id":   it.ItemID,
			},
		}}); err != nil {
			return nil, fmt.Errorf("eventmerge: upsert vector for item %s: %w", it.ItemID, err)
		}

		embeddingID := store.NewID()
		if err := r.Embeddings.Upsert(ctx, models.Embedding{
			EmbeddingID: embeddingID,
			ObjectType:  models.EmbeddingObjectSourceItem,
			ObjectID:    it.ItemID,
			Provider:    r.EmbeddingProvider,
			Model:       r.EmbeddingModel,
		}); err != nil {
			return nil, fmt.Errorf("eventmerge: record embedding for item %s: %w", it.ItemID, err)
		}
		if err := r.Items.SetEmbeddingID(ctx, it.ItemID, embeddingID); err != nil {
			return nil, fmt.Errorf("eventmerge: set embedding id for item %s: %w", it.ItemID, err)
		}
	}
	return vectors, nil
}

// confirmGroup asks the LLM Adjudicator whether group is one real-world
// event (spec.md §4.4/§4.5 step 4) and records the audit row. ok is
// false if the call itself failed (group should be left untouched);
// confirmed reports the adjudicator's verdict once ok is true.
func (r *Runner) confirmGroup(ctx context.Context, runID, periodKey string, group []models.SourceItem) (confirmed, ok bool, err error) {
	groupID := periodKey + ":" + group[0].ItemID
	reqItems := make([]llmclient.EventGroupItem, len(group))
	for i, it := range group {
		reqItems[i] = llmclient.EventGroupItem{ItemID: it.ItemID, Title: it.Title, Summary: it.Summary}
	}

	decision, usage, callErr := r.Adjudicator.ConfirmEventGroup(ctx, llmclient.EventGroupRequest{
		GroupID: groupID,
		Items:   reqItems,
	})

	judgement := models.LLMJudgement{
		JudgementID:    store.NewID(),
		RunID:          &runID,
		Kind:           models.JudgementKindEventGroupConfirm,
		RequestSummary: fmt.Sprintf("event_group_confirm group=%s items=%d", groupID, len(group)),
		Provider:       r.EmbeddingProvider,
		Model:          r.EmbeddingModel,
	}
	if callErr != nil {
		judgement.Status = models.JudgementStatusError
		judgement.ResponseJSON = callErr.Error()
	} else {
		judgement.Status = models.JudgementStatusOK
		judgement.TokensPrompt = usage.RequestTokens
		judgement.TokensCompletion = usage.ResponseTokens
		if body, err := json.Marshal(decision); err == nil {
			judgement.ResponseJSON = string(body)
		}
	}
	_ = r.Judgements.Create(ctx, judgement)

	if callErr != nil {
		return false, false, callErr
	}
	return decision.Confirmed && decision.Confidence >= r.Merge.HalfdayLLMConfidence, true, nil
}

func itemIDs(items []models.SourceItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ItemID
	}
	return ids
}

// cluster groups items into connected components: two items are linked
// when cosine similarity ≥ simThreshold and their normalized titles
// share 2-gram Jaccard ≥ jaccardThreshold (spec.md §4.5 step 3).
func cluster(items []models.SourceItem, vectors map[string][]float64, simThreshold, jaccardThreshold float64) [][]int {
	uf := newUnionFind(len(items))
	for i := range items {
		for j := i + 1; j < len(items); j++ {
			if uf.find(i) == uf.find(j) {
				continue
			}
			sim := textutil.CosineSimilarity(vectors[items[i].ItemID], vectors[items[j].ItemID])
			if sim < simThreshold {
				continue
			}
			jac := textutil.TitleJaccard(items[i].Title, items[j].Title)
			if jac < jaccardThreshold {
				continue
			}
			uf.union(i, j)
		}
	}

	groups := make(map[int][]int)
	for i := range items {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}
	components := make([][]int, 0, len(groups))
	for _, idxs := range groups {
		components = append(components, idxs)
	}
	return components
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
