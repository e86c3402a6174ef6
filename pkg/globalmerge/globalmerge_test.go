package globalmerge

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/echoman-project/echoman/pkg/clock"
	"github.com/echoman-project/echoman/pkg/config"
	"github.com/echoman-project/echoman/pkg/database"
	"github.com/echoman-project/echoman/pkg/llmclient"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/echoman-project/echoman/pkg/store"
	"github.com/echoman-project/echoman/pkg/summary"
	"github.com/echoman-project/echoman/pkg/vectorindex/memindex"
)

// newTestDB mirrors pkg/eventmerge's helper: a disposable Postgres
// container with the embedded schema applied.
func newTestDB(t *testing.T) *sql.DB {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("echoman_test"),
		postgres.WithUsername("echoman"),
		postgres.WithPassword("echoman"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "echoman",
		Password:        "echoman",
		Database:        "echoman_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client.DB()
}

type fakeEmbedder struct {
	vectors map[string][]float64
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0}, nil
}

// fakeAdjudicator scripts a single DecideTopicAssociation response, or a
// function of the request when the scenario needs the candidate list.
type fakeAdjudicator struct {
	decide func(llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, error)
	calls  []llmclient.TopicAssociationRequest
}

func (f *fakeAdjudicator) ConfirmEventGroup(_ context.Context, _ llmclient.EventGroupRequest) (llmclient.EventGroupDecision, llmclient.Usage, error) {
	return llmclient.EventGroupDecision{}, llmclient.Usage{}, nil
}

func (f *fakeAdjudicator) DecideTopicAssociation(_ context.Context, req llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, llmclient.Usage, error) {
	f.calls = append(f.calls, req)
	decision, err := f.decide(req)
	if err != nil {
		return llmclient.TopicAssociationDecision{}, llmclient.Usage{}, err
	}
	return decision, llmclient.Usage{RequestTokens: 80, ResponseTokens: 20}, nil
}

type fakeClassifier struct {
	category   string
	confidence float64
	err        error
}

func (f *fakeClassifier) Classify(_ context.Context, _ string) (string, float64, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	return f.category, f.confidence, nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) GenerateFullSummary(_ context.Context, req llmclient.FullSummaryRequest) (string, llmclient.Usage, error) {
	return "summary of " + req.TitleKey, llmclient.Usage{RequestTokens: 50, ResponseTokens: 20}, nil
}

func (fakeSummarizer) GenerateIncrementalSummary(_ context.Context, req llmclient.IncrementalSummaryRequest) (string, llmclient.Usage, error) {
	return req.ExistingSummary + " (updated)", llmclient.Usage{RequestTokens: 50, ResponseTokens: 20}, nil
}

func newRunner(db *sql.DB, embedder *fakeEmbedder, adjudicator *fakeAdjudicator, classifier *fakeClassifier) *Runner {
	index := memindex.New()
	topics := store.NewTopicStore(db)
	items := store.NewSourceItemStore(db)
	summaries := store.NewSummaryStore(db)
	embeddings := store.NewEmbeddingStore(db)

	engine := &summary.Engine{
		DB:                db,
		Summaries:         summaries,
		Topics:            topics,
		Items:             items,
		Embeddings:        embeddings,
		Embedder:          embedder,
		Summarizer:        fakeSummarizer{},
		Index:             index,
		EmbeddingProvider: "openai",
		EmbeddingModel:    "text-embedding-3-small",
	}

	merge := config.DefaultMergeConfig()
	merge.GlobalConcurrent = 1
	merge.SummaryConcurrentSize = 1

	return &Runner{
		DB:                db,
		Groups:            store.NewMergeGroupStore(db),
		Items:             items,
		Topics:            topics,
		Runs:              store.NewRunStore(db),
		Judgements:        store.NewJudgementStore(db),
		CategoryMetrics:   store.NewCategoryMetricStore(db),
		Summaries:         engine,
		Embedder:          embedder,
		Index:             index,
		Adjudicator:       adjudicator,
		Classifier:        classifier,
		Merge:             merge,
		EmbeddingProvider: "openai",
		EmbeddingModel:    "text-embedding-3-small",
		ClaimedBy:         "worker-1",
	}
}

func seedGroup(t *testing.T, r *Runner, periodKey, title, summary string, occurrence int) models.MergeGroup {
	t.Helper()
	ctx := context.Background()
	heat := 50.0

	ids := make([]string, occurrence)
	now := time.Now()
	for i := 0; i < occurrence; i++ {
		item := models.SourceItem{
			ItemID:      store.NewID(),
			Platform:    string(models.PlatformWeibo),
			Title:       title,
			Summary:     summary,
			RunID:       store.NewID(),
			Period:      periodKey,
			FetchedAt:   now.Add(time.Duration(i) * time.Minute),
			HeatValue:   &heat,
			MergeStatus: models.MergeStatusPendingGlobalMerge,
		}
		require.NoError(t, r.Items.Create(ctx, item))
		require.NoError(t, r.Items.SetHeatNormalized(ctx, item.ItemID, heat/100))
		ids[i] = item.ItemID
	}

	group := models.MergeGroup{
		GroupID:              store.NewID(),
		PeriodKey:            periodKey,
		ItemIDs:              ids,
		RepresentativeItemID: ids[0],
		OccurrenceCount:      occurrence,
		Status:               models.MergeGroupPending,
	}
	require.NoError(t, r.Groups.Create(ctx, group))
	require.NoError(t, r.Items.AssignGroup(ctx, group.GroupID, ids, occurrence))
	return group
}

func TestRunOnce_EmptyPeriodIsNoop(t *testing.T) {
	db := newTestDB(t)
	adjudicator := &fakeAdjudicator{decide: func(llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, error) {
		return llmclient.TopicAssociationDecision{Kind: llmclient.AssociationNew}, nil
	}}
	r := newRunner(db, &fakeEmbedder{}, adjudicator, &fakeClassifier{category: "politics", confidence: 0.9})

	require.NoError(t, r.RunOnce(context.Background(), "2026-07-31_MORN"))

	exists, err := r.Runs.ExistsForPeriod(context.Background(), models.RunKindGlobalMerge, "2026-07-31_MORN")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunOnce_NewTopicIsCreatedAndSummarized(t *testing.T) {
	db := newTestDB(t)
	adjudicator := &fakeAdjudicator{decide: func(llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, error) {
		return llmclient.TopicAssociationDecision{Kind: llmclient.AssociationNew, Confidence: 0.95}, nil
	}}
	r := newRunner(db, &fakeEmbedder{}, adjudicator, &fakeClassifier{category: "weather", confidence: 0.8})
	ctx := context.Background()

	periodKey := "2026-07-31_MORN"
	group := seedGroup(t, r, periodKey, "Typhoon makes landfall", "summary", 2)

	require.NoError(t, r.RunOnce(ctx, periodKey))

	items, err := r.Items.ListByMergeGroup(ctx, group.GroupID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, models.MergeStatusMerged, it.MergeStatus)
	}

	nodes, err := r.Topics.ListNodes(ctx, groupTopicID(t, r, items))
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	topic, err := r.Topics.Get(ctx, groupTopicID(t, r, items))
	require.NoError(t, err)
	require.NotNil(t, topic.SummaryID)
	require.NotNil(t, topic.Category)
	assert.Equal(t, "weather", *topic.Category)

	metrics, err := r.CategoryMetrics.ListForDate(ctx, mustDate(t, periodKey))
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "weather", metrics[0].Category)
}

func TestRunOnce_RecalledTopicIsMergedInto(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"Typhoon makes landfall\nsummary":     {1, 0, 0},
		"Typhoon intensifies overnight\nsummary": {1, 0, 0},
	}}

	// First run seeds the existing topic.
	seedAdjudicator := &fakeAdjudicator{decide: func(llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, error) {
		return llmclient.TopicAssociationDecision{Kind: llmclient.AssociationNew, Confidence: 0.9}, nil
	}}
	seedClassifier := &fakeClassifier{category: "weather", confidence: 0.8}
	seedRunner := newRunner(db, embedder, seedAdjudicator, seedClassifier)
	firstPeriod := "2026-07-31_MORN"
	seedGroup(t, seedRunner, firstPeriod, "Typhoon makes landfall", "summary", 2)
	require.NoError(t, seedRunner.RunOnce(ctx, firstPeriod))

	existing, err := seedRunner.Topics.ListActiveSince(ctx, sql.NullTime{}, 10)
	require.NoError(t, err)
	require.Len(t, existing, 1)
	topicID := existing[0].TopicID

	// Second run associates a new group with the seeded topic.
	mergeAdjudicator := &fakeAdjudicator{decide: func(req llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, error) {
		require.NotEmpty(t, req.Candidates)
		return llmclient.TopicAssociationDecision{
			Kind:          llmclient.AssociationMerge,
			TargetTopicID: req.Candidates[0].TopicID,
			Confidence:    0.9,
		}, nil
	}}
	mergeRunner := newRunner(db, embedder, mergeAdjudicator, seedClassifier)
	secondPeriod := "2026-07-31_AM"
	group := seedGroup(t, mergeRunner, secondPeriod, "Typhoon intensifies overnight", "summary", 2)

	require.NoError(t, mergeRunner.RunOnce(ctx, secondPeriod))

	items, err := mergeRunner.Items.ListByMergeGroup(ctx, group.GroupID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, models.MergeStatusMerged, it.MergeStatus)
	}

	topic, err := mergeRunner.Topics.Get(ctx, topicID)
	require.NoError(t, err)
	assert.Equal(t, 4, topic.IntensityTotal)
	assert.Len(t, mergeAdjudicator.calls, 1)
}

func TestRunOnce_LowConfidenceMergeFallsBackToNewTopic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	adjudicator := &fakeAdjudicator{decide: func(llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, error) {
		return llmclient.TopicAssociationDecision{Kind: llmclient.AssociationMerge, TargetTopicID: "nonexistent", Confidence: 0.4}, nil
	}}
	r := newRunner(db, &fakeEmbedder{}, adjudicator, &fakeClassifier{category: "sports", confidence: 0.7})
	periodKey := "2026-07-31_PM"
	group := seedGroup(t, r, periodKey, "Local derby ends in draw", "summary", 2)

	require.NoError(t, r.RunOnce(ctx, periodKey))

	topics, err := r.Topics.ListActiveSince(ctx, sql.NullTime{}, 10)
	require.NoError(t, err)
	require.Len(t, topics, 1)

	items, err := r.Items.ListByMergeGroup(ctx, group.GroupID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, models.MergeStatusMerged, it.MergeStatus)
	}
}

func TestRunOnce_AdjudicatorErrorLeavesGroupForRetry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	adjudicator := &fakeAdjudicator{decide: func(llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, error) {
		return llmclient.TopicAssociationDecision{}, assertAdjudicatorFailure{}
	}}
	r := newRunner(db, &fakeEmbedder{}, adjudicator, &fakeClassifier{category: "tech", confidence: 0.6})
	periodKey := "2026-07-31_EVE"
	group := seedGroup(t, r, periodKey, "Chipmaker unveils new silicon", "summary", 2)

	require.NoError(t, r.RunOnce(ctx, periodKey))

	items, err := r.Items.ListByMergeGroup(ctx, group.GroupID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, models.MergeStatusPendingGlobalMerge, it.MergeStatus)
	}

	got, err := r.Groups.FindOrphaned(ctx, sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true})
	require.NoError(t, err)
	assert.Empty(t, got, "a failed group is marked failed, not left in_progress")
}

func TestRunOnce_NewTopicKeepRatioPrunesLowestHeatTopics(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	adjudicator := &fakeAdjudicator{decide: func(llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, error) {
		return llmclient.TopicAssociationDecision{Kind: llmclient.AssociationNew, Confidence: 0.9}, nil
	}}
	r := newRunner(db, &fakeEmbedder{}, adjudicator, &fakeClassifier{category: "misc", confidence: 0.5})
	r.Merge.GlobalNewTopicKeepRatio = 0.5
	r.Merge.GlobalMaxBatchSize = 10

	periodKey := "2026-07-31_MORN"
	seedGroup(t, r, periodKey, "Topic A", "summary a", 2)
	seedGroup(t, r, periodKey, "Topic B", "summary b", 2)

	require.NoError(t, r.RunOnce(ctx, periodKey))

	topics, err := r.Topics.ListActiveSince(ctx, sql.NullTime{}, 10)
	require.NoError(t, err)
	require.Len(t, topics, 2)

	zeroed := 0
	for _, tp := range topics {
		if tp.CurrentHeatNormalized == 0 {
			zeroed++
		}
	}
	assert.Equal(t, 1, zeroed, "half of the batch's new topics should have their peak heat zeroed")
}

// groupTopicID resolves the topic a set of items were attached to by
// scanning every active topic's nodes, since the runner does not hand
// the caller a topic id directly.
func groupTopicID(t *testing.T, r *Runner, items []models.SourceItem) string {
	t.Helper()
	ctx := context.Background()
	topics, err := r.Topics.ListActiveSince(ctx, sql.NullTime{}, 50)
	require.NoError(t, err)
	for _, tp := range topics {
		tnodes, err := r.Topics.ListNodes(ctx, tp.TopicID)
		require.NoError(t, err)
		for _, n := range tnodes {
			for _, it := range items {
				if n.SourceItemID == it.ItemID {
					return tp.TopicID
				}
			}
		}
	}
	t.Fatal("no topic found containing seeded items")
	return ""
}

func mustDate(t *testing.T, periodKey string) string {
	t.Helper()
	date, err := clock.Date(periodKey)
	require.NoError(t, err)
	return date
}

type assertAdjudicatorFailure struct{}

func (assertAdjudicatorFailure) Error() string { return "adjudicator unavailable" }
