// Package globalmerge implements the stage-two global merger of spec.md
// §4.6: cross-period association of stage-one survivor groups against
// the long-lived Topic population, via vector recall and an LLM
// association decision, with per-group private transactions instead of
// one shared session (spec.md §9).
package globalmerge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/echoman-project/echoman/pkg/classifier"
	"github.com/echoman-project/echoman/pkg/clock"
	"github.com/echoman-project/echoman/pkg/config"
	"github.com/echoman-project/echoman/pkg/embedding"
	"github.com/echoman-project/echoman/pkg/errs"
	"github.com/echoman-project/echoman/pkg/llmclient"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/echoman-project/echoman/pkg/store"
	"github.com/echoman-project/echoman/pkg/summary"
	"github.com/echoman-project/echoman/pkg/vectorindex"
)

// Runner drives one stage-two invocation over a single period key.
type Runner struct {
	DB *sql.DB

	Groups          *store.MergeGroupStore
	Items           *store.SourceItemStore
	Topics          *store.TopicStore
	Runs            *store.RunStore
	Judgements      *store.JudgementStore
	CategoryMetrics *store.CategoryMetricStore
	Summaries       *summary.Engine

	Embedder    embedding.Embedder
	Index       vectorindex.Index
	Adjudicator llmclient.Adjudicator
	Classifier  classifier.Classifier

	Merge             config.MergeConfig
	EmbeddingProvider string
	EmbeddingModel    string

	// ClaimedBy identifies this process in merge_groups.claimed_by.
	// Defaults to "globalmerge" if empty.
	ClaimedBy string
}

// RunOnce claims and processes up to Merge.GlobalMaxBatchSize pending
// groups for periodKey, recording a RunRecord of kind global_merge
// (spec.md §4.6 step 7).
func (r *Runner) RunOnce(ctx context.Context, periodKey string) error {
	runID, err := r.Runs.Start(ctx, models.RunKindGlobalMerge, periodKey)
	if err != nil {
		return fmt.Errorf("globalmerge: start run: %w", err)
	}
	if err := r.process(ctx, runID, periodKey); err != nil {
		_ = r.Runs.Fail(ctx, runID, err.Error())
		return err
	}
	return nil
}

type batchResult struct {
	mu          sync.Mutex
	keptItems   int
	failedGroups int
	newTopics   []newTopic
	mergeTopics map[string][]string // topicID -> newly attached item ids
}

type newTopic struct {
	topicID string
	heat    float64
}

func newBatchResult() *batchResult {
	return &batchResult{mergeTopics: make(map[string][]string)}
}

func (b *batchResult) addNewTopic(topicID string, heat float64, itemCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newTopics = append(b.newTopics, newTopic{topicID: topicID, heat: heat})
	b.keptItems += itemCount
}

func (b *batchResult) addMerge(topicID string, itemIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mergeTopics[topicID] = append(b.mergeTopics[topicID], itemIDs...)
	b.keptItems += len(itemIDs)
}

func (b *batchResult) addFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failedGroups++
}

// process claims a batch of pending groups, adjudicates each against
// the Topic population, generates post-batch summaries, prunes
// over-budget new topics, and refreshes category metrics.
func (r *Runner) process(ctx context.Context, runID, periodKey string) error {
	claimedBy := r.ClaimedBy
	if claimedBy == "" {
		claimedBy = "globalmerge"
	}

	batchSize := r.Merge.GlobalMaxBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	var groups []models.MergeGroup
	for len(groups) < batchSize {
		g, err := r.Groups.ClaimNext(ctx, periodKey, claimedBy)
		if errors.Is(err, store.ErrNoneClaimable) {
			break
		}
		if err != nil {
			return fmt.Errorf("globalmerge: claim next group: %w", err)
		}
		groups = append(groups, g)
	}

	if len(groups) == 0 {
		return r.Runs.Complete(ctx, runID, 0, 0, 0)
	}

	if len(groups) == batchSize {
		if remaining, err := r.Groups.CountPending(ctx, periodKey); err == nil && remaining > 0 {
			// Backlog exceeds the batch cap; the next scheduled trigger
			// picks up where this run leaves off (spec.md §4.6).
			slog.Warn("stage-two backlog exceeds batch cap",
				"period_key", periodKey,
				"batch_size", batchSize,
				"remaining_groups", remaining)
		}
	}

	result := newBatchResult()
	concurrent := r.Merge.GlobalConcurrent
	if concurrent <= 0 {
		concurrent = 1
	}
	sem := make(chan struct{}, concurrent)
	var wg sync.WaitGroup

	for _, g := range groups {
		g := g
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := r.processGroup(ctx, runID, periodKey, g, result); err != nil {
				_ = r.Groups.Fail(ctx, g.GroupID, err.Error())
				result.addFailure()
				return
			}
			_ = r.Groups.Complete(ctx, g.GroupID)
		}()
	}
	wg.Wait()

	if err := r.postBatch(ctx, periodKey, result); err != nil {
		return err
	}

	return r.Runs.Complete(ctx, runID, len(groups), result.keptItems, result.failedGroups)
}

// processGroup adjudicates one claimed group: recall candidate topics,
// ask the LLM Adjudicator to merge or create, and commit the result in
// a private transaction (spec.md §4.6 steps 1-6).
func (r *Runner) processGroup(ctx context.Context, runID, periodKey string, group models.MergeGroup, result *batchResult) error {
	items, err := r.Items.ListByMergeGroup(ctx, group.GroupID)
	if err != nil {
		return fmt.Errorf("globalmerge: list group items: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("globalmerge: group %s has no items", group.GroupID)
	}

	representative := items[0]
	for _, it := range items {
		if it.ItemID == group.RepresentativeItemID {
			representative = it
			break
		}
	}

	candidates, err := r.recallCandidates(ctx, representative)
	if err != nil {
		return err
	}

	decision, usage, callErr := r.Adjudicator.DecideTopicAssociation(ctx, llmclient.TopicAssociationRequest{
		GroupID:               group.GroupID,
		RepresentativeTitle:   representative.Title,
		RepresentativeSummary: representative.Summary,
		Candidates:            candidates,
	})

	judgement := models.LLMJudgement{
		JudgementID:    store.NewID(),
		RunID:          &runID,
		Kind:           models.JudgementKindTopicAssociation,
		RequestSummary: fmt.Sprintf("topic_association group=%s candidates=%d", group.GroupID, len(candidates)),
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
		// Leave the group claimed-but-failed; items stay
		// pending_global_merge so a later run retries (spec.md §7).
		return callErr
	}

	mergePath := decision.Kind == llmclient.AssociationMerge &&
		decision.Confidence >= r.Merge.GlobalConfidenceThreshold &&
		decision.TargetTopicID != ""

	var targetTopic models.Topic
	if mergePath {
		targetTopic, err = r.Topics.Get(ctx, decision.TargetTopicID)
		if errors.Is(err, store.ErrNotFound) {
			mergePath = false
		} else if err != nil {
			return fmt.Errorf("globalmerge: get target topic %s: %w", decision.TargetTopicID, err)
		}
	}

	if mergePath {
		return r.mergeIntoTopic(ctx, targetTopic, items, periodKey, result)
	}
	return r.createTopic(ctx, representative, items, periodKey, result)
}

// recallCandidates queries the vector index for topic_summary points
// near the representative item, falling back to recently active topics
// when the index returns nothing above threshold (spec.md §4.6).
func (r *Runner) recallCandidates(ctx context.Context, representative models.SourceItem) ([]llmclient.CandidateTopic, error) {
	topK := r.Merge.GlobalTopKCandidates
	if topK <= 0 {
		topK = 3
	}

	vec, err := r.Embedder.Embed(ctx, representative.Title+"\n"+representative.Summary)
	if err != nil {
		return nil, errs.New(errs.Classify(err), "globalmerge", err)
	}

	matches, err := r.Index.Query(ctx, vec, topK, vectorindex.Where{ObjectType: "topic_summary"})
	if err != nil {
		return nil, errs.New(errs.Classify(err), "globalmerge", err)
	}

	topicIDs := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if m.Score < r.Merge.GlobalMinSimilarity {
			continue
		}
		topicID, _ := m.Payload["topic_id"].(string)
		if topicID == "" || seen[topicID] {
			continue
		}
		seen[topicID] = true
		topicIDs = append(topicIDs, topicID)
	}

	var topics []models.Topic
	if len(topicIDs) > 0 {
		for _, id := range topicIDs {
			t, err := r.Topics.Get(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("globalmerge: get candidate topic %s: %w", id, err)
			}
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		// No vector match cleared the similarity floor; fall back to
		// the most recently active topics (spec.md §4.6).
		topics, err = r.Topics.ListActiveSince(ctx, sql.NullTime{}, topK)
		if err != nil {
			return nil, fmt.Errorf("globalmerge: list active topics fallback: %w", err)
		}
	}

	out := make([]llmclient.CandidateTopic, 0, len(topics))
	for _, t := range topics {
		summaryText := ""
		if t.SummaryID != nil {
			if sm, err := r.Summaries.Summaries.Get(ctx, *t.SummaryID); err == nil {
				summaryText = sm.Content
			}
		}
		out = append(out, llmclient.CandidateTopic{
			TopicID: t.TopicID,
			Title:   t.TitleKey,
			Summary: llmclient.TruncateCandidateSummary(summaryText),
		})
	}
	return out, nil
}

// mergeIntoTopic attaches items to an existing topic in one private
// transaction, then (outside the transaction) ensures the topic has at
// least a placeholder summary and queues its incremental-summary
// refresh for the post-batch phase (spec.md §4.6 merge path).
func (r *Runner) mergeIntoTopic(ctx context.Context, topic models.Topic, items []models.SourceItem, periodKey string, result *batchResult) error {
	itemIDs := itemIDs(items)
	heat, lastActive, err := groupHeat(items, periodKey, topic.TopicID)
	if err != nil {
		return err
	}

	if err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.Topics.WithTx(tx).AppendNodes(ctx, topic.TopicID, itemIDs, lastActive, heat); err != nil {
			return err
		}
		return r.Items.WithTx(tx).MarkMerged(ctx, itemIDs)
	}); err != nil {
		return fmt.Errorf("globalmerge: merge group into topic %s: %w", topic.TopicID, err)
	}

	if topic.SummaryID == nil {
		if _, err := r.Summaries.Placeholder(ctx, topic.TopicID, topic.TitleKey); err != nil {
			// Summary generation failure does not fail the merge; a
			// later summary pass reconciles it (spec.md §7).
			_ = err
		}
	}

	result.addMerge(topic.TopicID, itemIDs)
	return nil
}

// createTopic seeds a new topic in one private transaction, classifies
// it best-effort, generates its required placeholder summary
// synchronously so later groups in the same batch can recall it, and
// queues it for a post-batch full summary (spec.md §4.6 new path).
func (r *Runner) createTopic(ctx context.Context, representative models.SourceItem, items []models.SourceItem, periodKey string, result *batchResult) error {
	itemIDs := itemIDs(items)
	topicID := store.NewID()

	firstSeen, lastActive := items[0].FetchedAt, items[0].FetchedAt
	for _, it := range items {
		if it.FetchedAt.Before(firstSeen) {
			firstSeen = it.FetchedAt
		}
		if it.FetchedAt.After(lastActive) {
			lastActive = it.FetchedAt
		}
	}

	heat, _, err := groupHeat(items, periodKey, topicID)
	if err != nil {
		return err
	}

	topic := models.Topic{
		TopicID:               topicID,
		TitleKey:              representative.Title,
		FirstSeen:             firstSeen,
		LastActive:            lastActive,
		Status:                models.TopicStatusActive,
		IntensityTotal:        len(items),
		CurrentHeatNormalized: heat.HeatNormalized,
		HeatPercentage:        heat.HeatPercentage,
	}

	if err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.Topics.WithTx(tx).CreateSeed(ctx, topic, itemIDs, heat); err != nil {
			return err
		}
		return r.Items.WithTx(tx).MarkMerged(ctx, itemIDs)
	}); err != nil {
		return fmt.Errorf("globalmerge: create topic from group: %w", err)
	}

	if category, confidence, err := r.Classifier.Classify(ctx, representative.Title+"\n"+representative.Summary); err == nil {
		method := "external"
		_ = r.Topics.SetCategory(ctx, topicID, &category, &confidence, &method)
	} else {
		slog.Warn("topic classification failed", "topic_id", topicID, "error", err)
	}

	if _, err := r.Summaries.Placeholder(ctx, topicID, topic.TitleKey); err != nil {
		// Required so in-batch recall can find the new topic; failure
		// here is logged and reconciled by a later run.
		slog.Warn("placeholder summary failed", "topic_id", topicID, "error", err)
	}

	result.addNewTopic(topicID, heat.HeatNormalized, len(items))
	return nil
}

// postBatch runs the work that needs the whole batch's results at
// once: full summaries for new topics, incremental summaries for
// merged topics, new-topic heat pruning, and category metrics refresh
// (spec.md §4.6 steps "post-batch").
func (r *Runner) postBatch(ctx context.Context, periodKey string, result *batchResult) error {
	concurrent := r.Merge.SummaryConcurrentSize
	if concurrent <= 0 {
		concurrent = 1
	}
	sem := make(chan struct{}, concurrent)
	var wg sync.WaitGroup

	for _, nt := range result.newTopics {
		nt := nt
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := r.Summaries.Full(ctx, nt.topicID); err != nil {
				// summary failures are logged and reconciled by a later run
				slog.Warn("full summary failed", "topic_id", nt.topicID, "error", err)
			}
		}()
	}
	for topicID, itemIDs := range result.mergeTopics {
		topicID, itemIDs := topicID, itemIDs
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := r.Summaries.Incremental(ctx, topicID, itemIDs); err != nil {
				slog.Warn("incremental summary failed", "topic_id", topicID, "error", err)
			}
		}()
	}
	wg.Wait()

	r.pruneNewTopics(ctx, result.newTopics)

	date, err := clock.Date(periodKey)
	if err != nil {
		return fmt.Errorf("globalmerge: date for period %s: %w", periodKey, err)
	}
	if err := r.CategoryMetrics.RefreshForDate(ctx, date); err != nil {
		return fmt.Errorf("globalmerge: refresh category metrics: %w", err)
	}
	return nil
}

// pruneNewTopics zeroes the peak heat of the lowest-heat fraction of
// this batch's new topics when GlobalNewTopicKeepRatio < 1.0, the
// resolution of spec.md §9's open question (zero heat, never delete).
func (r *Runner) pruneNewTopics(ctx context.Context, newTopics []newTopic) {
	ratio := r.Merge.GlobalNewTopicKeepRatio
	if ratio >= 1.0 || len(newTopics) == 0 {
		return
	}
	if ratio < 0 {
		ratio = 0
	}

	sorted := make([]newTopic, len(newTopics))
	copy(sorted, newTopics)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].heat > sorted[j].heat })

	keep := int(math.Ceil(float64(len(sorted)) * ratio))
	for _, nt := range sorted[keep:] {
		_ = r.Topics.ZeroPeakHeat(ctx, nt.topicID)
	}
}

func (r *Runner) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// groupHeat sums heat_normalized over items into one TopicPeriodHeat
// row for periodKey's (date, period), the value AppendNodes/CreateSeed
// upsert (spec.md §4.6 "sum of heat_normalized over newly attached
// items").
func groupHeat(items []models.SourceItem, periodKey, topicID string) (models.TopicPeriodHeat, time.Time, error) {
	date, err := clock.Date(periodKey)
	if err != nil {
		return models.TopicPeriodHeat{}, time.Time{}, fmt.Errorf("globalmerge: date for period %s: %w", periodKey, err)
	}
	period, err := clock.ParsePeriod(periodKey)
	if err != nil {
		return models.TopicPeriodHeat{}, time.Time{}, fmt.Errorf("globalmerge: parse period %s: %w", periodKey, err)
	}

	var sum float64
	lastActive := items[0].FetchedAt
	for _, it := range items {
		if it.HeatNormalized != nil {
			sum += *it.HeatNormalized
		}
		if it.FetchedAt.After(lastActive) {
			lastActive = it.FetchedAt
		}
	}

	return models.TopicPeriodHeat{
		TopicID:        topicID,
		Date:           date,
		Period:         string(period),
		HeatNormalized: sum,
		HeatPercentage: sum * 100,
		SourceCount:    len(items),
	}, lastActive, nil
}

func itemIDs(items []models.SourceItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ItemID
	}
	return ids
}
