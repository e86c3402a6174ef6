package eventmerge

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

	"github.com/echoman-project/echoman/pkg/config"
	"github.com/echoman-project/echoman/pkg/database"
	"github.com/echoman-project/echoman/pkg/llmclient"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/echoman-project/echoman/pkg/store"
	"github.com/echoman-project/echoman/pkg/vectorindex/memindex"
)

// newTestDB mirrors pkg/store's own test helper: a disposable Postgres
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

// fakeEmbedder returns a fixed vector per item title so tests can choose
// which items end up clustered together by cosine similarity.
type fakeEmbedder struct {
	vectors map[string][]float64
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0}, nil
}

// fakeAdjudicator records every ConfirmEventGroup call it receives and
// returns a scripted decision, or an error when configured to fail.
type fakeAdjudicator struct {
	decision llmclient.EventGroupDecision
	err      error
	calls    []llmclient.EventGroupRequest
}

func (f *fakeAdjudicator) ConfirmEventGroup(_ context.Context, req llmclient.EventGroupRequest) (llmclient.EventGroupDecision, llmclient.Usage, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return llmclient.EventGroupDecision{}, llmclient.Usage{}, f.err
	}
	return f.decision, llmclient.Usage{RequestTokens: 100, ResponseTokens: 10}, nil
}

func (f *fakeAdjudicator) DecideTopicAssociation(_ context.Context, _ llmclient.TopicAssociationRequest) (llmclient.TopicAssociationDecision, llmclient.Usage, error) {
	return llmclient.TopicAssociationDecision{}, llmclient.Usage{}, nil
}

func newRunner(db *sql.DB, embedder *fakeEmbedder, adjudicator *fakeAdjudicator) *Runner {
	return &Runner{
		Items:             store.NewSourceItemStore(db),
		Groups:            store.NewMergeGroupStore(db),
		Embeddings:        store.NewEmbeddingStore(db),
		Runs:              store.NewRunStore(db),
		Judgements:        store.NewJudgementStore(db),
		Embedder:          embedder,
		Index:             memindex.New(),
		Adjudicator:       adjudicator,
		PlatformWeights:   config.DefaultPlatformWeights(),
		Merge:             config.DefaultMergeConfig(),
		EmbeddingProvider: "openai",
		EmbeddingModel:    "text-embedding-3-small",
	}
}

func seedItem(t *testing.T, items *store.SourceItemStore, period, platform, title, summary, url string, fetchedAt time.Time) models.SourceItem {
	t.Helper()
	heat := 50.0
	item := models.SourceItem{
		ItemID:    store.NewID(),
		Platform:  platform,
		Title:     title,
		Summary:   summary,
		URL:       url,
		RunID:     store.NewID(),
		Period:    period,
		FetchedAt: fetchedAt,
		HeatValue: &heat,
	}
	require.NoError(t, items.Create(context.Background(), item))
	return item
}

func TestRunOnce_EmptyPeriodIsNoop(t *testing.T) {
	db := newTestDB(t)
	r := newRunner(db, &fakeEmbedder{}, &fakeAdjudicator{})

	require.NoError(t, r.RunOnce(context.Background(), "2026-07-31_MORN"))

	exists, err := r.Runs.ExistsForPeriod(context.Background(), models.RunKindEventMerge, "2026-07-31_MORN")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunOnce_SingletonIsDiscarded(t *testing.T) {
	db := newTestDB(t)
	r := newRunner(db, &fakeEmbedder{}, &fakeAdjudicator{})
	ctx := context.Background()

	it := seedItem(t, r.Items, "2026-07-31_MORN", string(models.PlatformWeibo), "lonely story", "summary", "https://a", time.Now())

	require.NoError(t, r.RunOnce(ctx, "2026-07-31_MORN"))

	got, err := r.Items.Get(ctx, it.ItemID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusDiscarded, got.MergeStatus)
}

func TestRunOnce_ConfirmedGroupAdvancesToGlobalMerge(t *testing.T) {
	db := newTestDB(t)
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"Typhoon warning issued\nsummary a": {1, 0, 0},
		"Typhoon warning issued\nsummary b": {1, 0, 0},
	}}
	adjudicator := &fakeAdjudicator{decision: llmclient.EventGroupDecision{Confirmed: true, Confidence: 0.9, Reason: "same storm"}}
	r := newRunner(db, embedder, adjudicator)
	ctx := context.Background()

	now := time.Now()
	a := seedItem(t, r.Items, "2026-07-31_MORN", string(models.PlatformWeibo), "Typhoon warning issued", "summary a", "https://a", now)
	b := seedItem(t, r.Items, "2026-07-31_MORN", string(models.PlatformZhihu), "Typhoon warning issued", "summary b", "https://b", now.Add(time.Minute))

	require.NoError(t, r.RunOnce(ctx, "2026-07-31_MORN"))

	gotA, err := r.Items.Get(ctx, a.ItemID)
	require.NoError(t, err)
	gotB, err := r.Items.Get(ctx, b.ItemID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusPendingGlobalMerge, gotA.MergeStatus)
	assert.Equal(t, models.MergeStatusPendingGlobalMerge, gotB.MergeStatus)
	require.NotNil(t, gotA.PeriodMergeGroupID)
	assert.Equal(t, *gotA.PeriodMergeGroupID, *gotB.PeriodMergeGroupID)
	assert.Equal(t, 2, gotA.OccurrenceCount)
	require.NotNil(t, gotA.HeatNormalized)
	require.NotNil(t, gotA.EmbeddingID)

	group, err := r.Groups.ClaimNext(ctx, "2026-07-31_MORN", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 2, group.OccurrenceCount)
	assert.Len(t, adjudicator.calls, 1)
	assert.Len(t, adjudicator.calls[0].Items, 2)
}

func TestRunOnce_UnconfirmedGroupIsDiscarded(t *testing.T) {
	db := newTestDB(t)
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"Stock market rallies\nsummary a": {1, 0, 0},
		"Stock market rallies\nsummary b": {1, 0, 0},
	}}
	adjudicator := &fakeAdjudicator{decision: llmclient.EventGroupDecision{Confirmed: false, Confidence: 0.9}}
	r := newRunner(db, embedder, adjudicator)
	ctx := context.Background()

	now := time.Now()
	a := seedItem(t, r.Items, "2026-07-31_MORN", string(models.PlatformWeibo), "Stock market rallies", "summary a", "https://a", now)
	b := seedItem(t, r.Items, "2026-07-31_MORN", string(models.PlatformBaidu), "Stock market rallies", "summary b", "https://b", now.Add(time.Minute))

	require.NoError(t, r.RunOnce(ctx, "2026-07-31_MORN"))

	gotA, err := r.Items.Get(ctx, a.ItemID)
	require.NoError(t, err)
	gotB, err := r.Items.Get(ctx, b.ItemID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusDiscarded, gotA.MergeStatus)
	assert.Equal(t, models.MergeStatusDiscarded, gotB.MergeStatus)
	assert.Equal(t, 2, gotA.OccurrenceCount)
}

func TestRunOnce_LowConfidenceConfirmationIsDiscarded(t *testing.T) {
	db := newTestDB(t)
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"Flooding reported\nsummary a": {1, 0, 0},
		"Flooding reported\nsummary b": {1, 0, 0},
	}}
	adjudicator := &fakeAdjudicator{decision: llmclient.EventGroupDecision{Confirmed: true, Confidence: 0.5}}
	r := newRunner(db, embedder, adjudicator)
	ctx := context.Background()

	now := time.Now()
	a := seedItem(t, r.Items, "2026-07-31_MORN", string(models.PlatformWeibo), "Flooding reported", "summary a", "https://a", now)
	seedItem(t, r.Items, "2026-07-31_MORN", string(models.PlatformSina), "Flooding reported", "summary b", "https://b", now.Add(time.Minute))

	require.NoError(t, r.RunOnce(ctx, "2026-07-31_MORN"))

	gotA, err := r.Items.Get(ctx, a.ItemID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusDiscarded, gotA.MergeStatus)
}

func TestRunOnce_AdjudicatorErrorLeavesGroupPending(t *testing.T) {
	db := newTestDB(t)
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"Election results announced\nsummary a": {1, 0, 0},
		"Election results announced\nsummary b": {1, 0, 0},
	}}
	adjudicator := &fakeAdjudicator{err: assertAdjudicatorFailure{}}
	r := newRunner(db, embedder, adjudicator)
	ctx := context.Background()

	now := time.Now()
	a := seedItem(t, r.Items, "2026-07-31_MORN", string(models.PlatformWeibo), "Election results announced", "summary a", "https://a", now)
	b := seedItem(t, r.Items, "2026-07-31_MORN", string(models.PlatformZhihu), "Election results announced", "summary b", "https://b", now.Add(time.Minute))

	require.NoError(t, r.RunOnce(ctx, "2026-07-31_MORN"))

	gotA, err := r.Items.Get(ctx, a.ItemID)
	require.NoError(t, err)
	gotB, err := r.Items.Get(ctx, b.ItemID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusPendingEventMerge, gotA.MergeStatus, "a failed adjudication call must leave the group untouched for retry")
	assert.Equal(t, models.MergeStatusPendingEventMerge, gotB.MergeStatus)
	require.NotNil(t, gotA.HeatNormalized, "normalization still runs before clustering/adjudication")
}

// assertAdjudicatorFailure is a minimal error value used to exercise the
// adjudicator-call-failed path without depending on a concrete provider
// error type.
type assertAdjudicatorFailure struct{}

func (assertAdjudicatorFailure) Error() string { return "adjudicator unavailable" }
