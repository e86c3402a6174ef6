package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/echoman-project/echoman/pkg/database"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestDB spins up a disposable Postgres container with the
// embedded schema applied, mirroring pkg/database's own test helper.
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

func TestSourceItemStore_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewSourceItemStore(db)
	ctx := context.Background()

	item := models.SourceItem{
		ItemID:       NewID(),
		Platform:     string(models.PlatformWeibo),
		Title:        "Typhoon warning issued",
		URL:          "https://weibo.com/hot/1",
		RunID:        NewID(),
		Period:       "2026-07-31_MORN",
		FetchedAt:    time.Now().UTC().Truncate(time.Second),
		Interactions: map[string]int64{"comments": 120, "reposts": 40},
	}
	require.NoError(t, store.Create(ctx, item))

	got, err := store.Get(ctx, item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, item.Title, got.Title)
	assert.Equal(t, int64(120), got.Interactions["comments"])
	assert.Equal(t, models.MergeStatusPendingEventMerge, got.MergeStatus)

	err = store.Create(ctx, item)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestSourceItemStore_StatusTransitions(t *testing.T) {
	db := newTestDB(t)
	store := NewSourceItemStore(db)
	ctx := context.Background()
	runID := NewID()

	a := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformWeibo), Title: "a", URL: "https://a", RunID: runID, Period: "p1", FetchedAt: time.Now()}
	b := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformZhihu), Title: "b", URL: "https://b", RunID: runID, Period: "p1", FetchedAt: time.Now()}
	c := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformBaidu), Title: "c", URL: "https://c", RunID: runID, Period: "p1", FetchedAt: time.Now()}
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	require.NoError(t, store.Create(ctx, c))

	pending, err := store.ListByStatus(ctx, "p1", models.MergeStatusPendingEventMerge)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, store.Discard(ctx, []string{c.ItemID}))
	require.NoError(t, store.AssignGroup(ctx, "group-1", []string{a.ItemID, b.ItemID}, 2))

	discarded, err := store.ListByStatus(ctx, "p1", models.MergeStatusDiscarded)
	require.NoError(t, err)
	require.Len(t, discarded, 1)
	assert.Equal(t, 1, discarded[0].OccurrenceCount)

	grouped, err := store.ListByMergeGroup(ctx, "group-1")
	require.NoError(t, err)
	assert.Len(t, grouped, 2)
	for _, item := range grouped {
		assert.Equal(t, models.MergeStatusPendingGlobalMerge, item.MergeStatus)
		assert.Equal(t, 2, item.OccurrenceCount)
	}

	require.NoError(t, store.MarkMerged(ctx, []string{a.ItemID, b.ItemID}))
	merged, err := store.ListByStatus(ctx, "p1", models.MergeStatusMerged)
	require.NoError(t, err)
	assert.Len(t, merged, 2)
}

func TestSourceItemStore_SetHeatNormalized(t *testing.T) {
	db := newTestDB(t)
	store := NewSourceItemStore(db)
	ctx := context.Background()

	item := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformSina), Title: "a", URL: "https://a", RunID: NewID(), Period: "p1", FetchedAt: time.Now()}
	require.NoError(t, store.Create(ctx, item))
	require.NoError(t, store.SetHeatNormalized(ctx, item.ItemID, 0.42))

	got, err := store.Get(ctx, item.ItemID)
	require.NoError(t, err)
	require.NotNil(t, got.HeatNormalized)
	assert.InDelta(t, 0.42, *got.HeatNormalized, 1e-9)
}

func TestTopicStore_CreateSeedAndAppendNodes(t *testing.T) {
	db := newTestDB(t)
	items := NewSourceItemStore(db)
	topics := NewTopicStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	runID := NewID()

	a := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformWeibo), Title: "Typhoon approaches coast", URL: "https://a", RunID: runID, Period: "2026-07-31_PM", FetchedAt: now}
	b := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformZhihu), Title: "Typhoon approaches coast", URL: "https://b", RunID: runID, Period: "2026-07-31_PM", FetchedAt: now}
	require.NoError(t, items.Create(ctx, a))
	require.NoError(t, items.Create(ctx, b))

	topicID := NewID()
	err := topics.CreateSeed(ctx, models.Topic{
		TopicID:               topicID,
		TitleKey:              "Typhoon approaches coast",
		FirstSeen:             now,
		LastActive:            now,
		Status:                models.TopicStatusActive,
		IntensityTotal:        2,
		CurrentHeatNormalized: 0.08,
		HeatPercentage:        8,
	}, []string{a.ItemID, b.ItemID}, models.TopicPeriodHeat{
		TopicID: topicID, Date: "2026-07-31", Period: "PM",
		HeatNormalized: 0.08, HeatPercentage: 8, SourceCount: 2,
	})
	require.NoError(t, err)

	got, err := topics.Get(ctx, topicID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.IntensityTotal)
	assert.InDelta(t, 0.08, got.CurrentHeatNormalized, 1e-9)

	nodes, err := topics.ListNodes(ctx, topicID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	c := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformToutiao), Title: "Typhoon makes landfall", URL: "https://c", RunID: NewID(), Period: "2026-07-31_EVE", FetchedAt: now.Add(6 * time.Hour)}
	require.NoError(t, items.Create(ctx, c))

	err = topics.AppendNodes(ctx, topicID, []string{c.ItemID}, now.Add(6*time.Hour), models.TopicPeriodHeat{
		TopicID: topicID, Date: "2026-07-31", Period: "EVE",
		HeatNormalized: 0.15, HeatPercentage: 15, SourceCount: 1,
	})
	require.NoError(t, err)

	got, err = topics.Get(ctx, topicID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.IntensityTotal)
	assert.InDelta(t, 0.15, got.CurrentHeatNormalized, 1e-9, "higher period heat should raise the peak")
	assert.Equal(t, now.Add(6*time.Hour), got.LastActive)

	history, err := topics.PeriodHeatHistory(ctx, topicID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestTopicStore_AppendNodesDoesNotLowerPeak(t *testing.T) {
	db := newTestDB(t)
	items := NewSourceItemStore(db)
	topics := NewTopicStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	a := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformWeibo), Title: "t", URL: "https://a", RunID: NewID(), Period: "p", FetchedAt: now}
	require.NoError(t, items.Create(ctx, a))

	topicID := NewID()
	require.NoError(t, topics.CreateSeed(ctx, models.Topic{
		TopicID: topicID, TitleKey: "t", FirstSeen: now, LastActive: now,
		Status: models.TopicStatusActive, IntensityTotal: 1,
		CurrentHeatNormalized: 0.5, HeatPercentage: 50,
	}, []string{a.ItemID}, models.TopicPeriodHeat{
		TopicID: topicID, Date: "2026-07-31", Period: "PM",
		HeatNormalized: 0.5, HeatPercentage: 50, SourceCount: 1,
	}))

	b := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformWeibo), Title: "t", URL: "https://b", RunID: NewID(), Period: "p2", FetchedAt: now.Add(time.Hour)}
	require.NoError(t, items.Create(ctx, b))

	require.NoError(t, topics.AppendNodes(ctx, topicID, []string{b.ItemID}, now.Add(time.Hour), models.TopicPeriodHeat{
		TopicID: topicID, Date: "2026-07-31", Period: "EVE",
		HeatNormalized: 0.1, HeatPercentage: 10, SourceCount: 1,
	}))

	got, err := topics.Get(ctx, topicID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.CurrentHeatNormalized, 1e-9, "a lower period heat must not lower the peak")
}

func TestTopicStore_AppendNodesKeepsLastActiveMonotonic(t *testing.T) {
	db := newTestDB(t)
	items := NewSourceItemStore(db)
	topics := NewTopicStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	a := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformWeibo), Title: "t", URL: "https://a", RunID: NewID(), Period: "p", FetchedAt: now}
	require.NoError(t, items.Create(ctx, a))

	topicID := NewID()
	require.NoError(t, topics.CreateSeed(ctx, models.Topic{
		TopicID: topicID, TitleKey: "t", FirstSeen: now.Add(-12 * time.Hour), LastActive: now,
		Status: models.TopicStatusActive, IntensityTotal: 1,
		CurrentHeatNormalized: 0.5, HeatPercentage: 50,
	}, []string{a.ItemID}, models.TopicPeriodHeat{
		TopicID: topicID, Date: "2026-07-31", Period: "PM",
		HeatNormalized: 0.5, HeatPercentage: 50, SourceCount: 1,
	}))

	// A backlog group whose items were fetched before the topic's
	// current last_active must not move it backward.
	b := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformWeibo), Title: "t", URL: "https://b", RunID: NewID(), Period: "p0", FetchedAt: now.Add(-6 * time.Hour)}
	require.NoError(t, items.Create(ctx, b))

	require.NoError(t, topics.AppendNodes(ctx, topicID, []string{b.ItemID}, now.Add(-6*time.Hour), models.TopicPeriodHeat{
		TopicID: topicID, Date: "2026-07-31", Period: "AM",
		HeatNormalized: 0.1, HeatPercentage: 10, SourceCount: 1,
	}))

	got, err := topics.Get(ctx, topicID)
	require.NoError(t, err)
	assert.Equal(t, now, got.LastActive.UTC(), "an older group must not regress last_active")
	assert.Equal(t, 2, got.IntensityTotal)
}

func TestMergeGroupStore_ClaimNextSkipsClaimed(t *testing.T) {
	db := newTestDB(t)
	groups := NewMergeGroupStore(db)
	ctx := context.Background()

	g1 := models.MergeGroup{GroupID: NewID(), PeriodKey: "p1", ItemIDs: []string{"e1", "e2"}, RepresentativeItemID: "e1", OccurrenceCount: 2, Status: models.MergeGroupPending}
	g2 := models.MergeGroup{GroupID: NewID(), PeriodKey: "p1", ItemIDs: []string{"e3"}, RepresentativeItemID: "e3", OccurrenceCount: 1, Status: models.MergeGroupPending}
	require.NoError(t, groups.Create(ctx, g1))
	require.NoError(t, groups.Create(ctx, g2))

	claimed, err := groups.ClaimNext(ctx, "p1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.MergeGroupInProgress, claimed.Status)

	next, err := groups.ClaimNext(ctx, "p1", "worker-2")
	require.NoError(t, err)
	assert.NotEqual(t, claimed.GroupID, next.GroupID)

	_, err = groups.ClaimNext(ctx, "p1", "worker-3")
	assert.ErrorIs(t, err, ErrNoneClaimable)

	require.NoError(t, groups.Complete(ctx, claimed.GroupID))
}

func TestSummaryStore_CreatePointsTopicAtSummary(t *testing.T) {
	db := newTestDB(t)
	items := NewSourceItemStore(db)
	topics := NewTopicStore(db)
	summaries := NewSummaryStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	a := models.SourceItem{ItemID: NewID(), Platform: string(models.PlatformWeibo), Title: "t", URL: "https://a", RunID: NewID(), Period: "p", FetchedAt: now}
	require.NoError(t, items.Create(ctx, a))
	topicID := NewID()
	require.NoError(t, topics.CreateSeed(ctx, models.Topic{
		TopicID: topicID, TitleKey: "t", FirstSeen: now, LastActive: now, Status: models.TopicStatusActive, IntensityTotal: 1,
	}, []string{a.ItemID}, models.TopicPeriodHeat{TopicID: topicID, Date: "2026-07-31", Period: "PM", SourceCount: 1}))

	summaryID := NewID()
	require.NoError(t, summaries.Create(ctx, models.Summary{
		SummaryID: summaryID, TopicID: topicID, Content: "placeholder", Method: models.SummaryMethodPlaceholder,
	}))

	got, err := topics.Get(ctx, topicID)
	require.NoError(t, err)
	require.NotNil(t, got.SummaryID)
	assert.Equal(t, summaryID, *got.SummaryID)

	latest, err := summaries.Latest(ctx, topicID)
	require.NoError(t, err)
	assert.Equal(t, models.SummaryMethodPlaceholder, latest.Method)
}

func TestRunStore_StartCompleteFail(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db)
	ctx := context.Background()

	runID, err := runs.Start(ctx, models.RunKindIngest, "p1")
	require.NoError(t, err)

	exists, err := runs.ExistsForPeriod(ctx, models.RunKindIngest, "p1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, runs.Complete(ctx, runID, 100, 90, 10))
	got, err := runs.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 90, got.KeptCount)

	failID, err := runs.Start(ctx, models.RunKindGlobalMerge, "p1")
	require.NoError(t, err)
	require.NoError(t, runs.Fail(ctx, failID, "adjudicator timeout"))

	failed, err := runs.Get(ctx, failID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, failed.Status)

	exists, err = runs.ExistsForPeriod(ctx, models.RunKindGlobalMerge, "p1")
	require.NoError(t, err)
	assert.False(t, exists, "a failed run must not satisfy the idempotence check")
}

func TestEmbeddingStore_UpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	embeddings := NewEmbeddingStore(db)
	ctx := context.Background()

	e := models.Embedding{EmbeddingID: NewID(), ObjectType: models.EmbeddingObjectSourceItem, ObjectID: "item-1", Provider: "openai", Model: "text-embedding-3-small"}
	require.NoError(t, embeddings.Upsert(ctx, e))

	got, err := embeddings.Get(ctx, models.EmbeddingObjectSourceItem, "item-1")
	require.NoError(t, err)
	assert.Equal(t, e.EmbeddingID, got.EmbeddingID)

	e.EmbeddingID = NewID()
	require.NoError(t, embeddings.Upsert(ctx, e))
	got, err = embeddings.Get(ctx, models.EmbeddingObjectSourceItem, "item-1")
	require.NoError(t, err)
	assert.Equal(t, e.EmbeddingID, got.EmbeddingID, "re-upsert must replace the embedding id")
}

func TestJudgementStore_CreateAndListByRun(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db)
	judgements := NewJudgementStore(db)
	ctx := context.Background()

	runID, err := runs.Start(ctx, models.RunKindGlobalMerge, "p1")
	require.NoError(t, err)

	require.NoError(t, judgements.Create(ctx, models.LLMJudgement{
		JudgementID: NewID(), RunID: &runID, Kind: models.JudgementKindTopicAssociation,
		RequestSummary: "group g1 vs topic T", ResponseJSON: `{"decision":"new"}`,
		TokensPrompt: 400, TokensCompletion: 20, Provider: "openai", Model: "gpt-4o-mini",
		Status: models.JudgementStatusOK,
	}))

	list, err := judgements.ListByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.JudgementKindTopicAssociation, list[0].Kind)
}
