// Echoman core: ingestion intake, stage-one/stage-two merging, summary
// generation, and the RAG reader, wired up and driven by the
// scheduler. No HTTP surface is started here; spec.md's HTTP API is
// out of core scope and would be a separate process layered on top of
// pkg/rag.Reader and pkg/scheduler.Scheduler.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/echoman-project/echoman/pkg/classifier"
	"github.com/echoman-project/echoman/pkg/config"
	"github.com/echoman-project/echoman/pkg/database"
	"github.com/echoman-project/echoman/pkg/embedding"
	"github.com/echoman-project/echoman/pkg/eventmerge"
	"github.com/echoman-project/echoman/pkg/globalmerge"
	"github.com/echoman-project/echoman/pkg/ingest"
	"github.com/echoman-project/echoman/pkg/llmclient"
	"github.com/echoman-project/echoman/pkg/rag"
	"github.com/echoman-project/echoman/pkg/scheduler"
	"github.com/echoman-project/echoman/pkg/store"
	"github.com/echoman-project/echoman/pkg/summary"
	"github.com/echoman-project/echoman/pkg/vectorindex/httpindex"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}()
	slog.Info("connected to database and applied migrations")

	db := dbClient.DB()

	httpClient := http.DefaultClient

	embedder := embedding.NewHTTPEmbedder(cfg.LLM.EmbeddingBaseURL, cfg.LLM.EmbeddingAPIKey, cfg.LLM.EmbeddingModel, cfg.LLM.RequestTimeout, httpClient)
	adjudicator := llmclient.NewHTTPAdjudicator(cfg.LLM.AdjudicatorBaseURL, cfg.LLM.AdjudicatorAPIKey, cfg.LLM.RequestTimeout, httpClient)
	summarizer := llmclient.NewHTTPSummarizer(cfg.LLM.AdjudicatorBaseURL, cfg.LLM.AdjudicatorAPIKey, cfg.LLM.RequestTimeout, httpClient)
	chatClient := llmclient.NewHTTPChatClient(cfg.RAG.ChatBaseURL, cfg.RAG.ChatAPIKey, cfg.RAG.ChatModel, cfg.LLM.RequestTimeout, httpClient)
	categoryClassifier := classifier.NewHTTPClassifier(cfg.Classifier.BaseURL, cfg.Classifier.APIKey, cfg.Classifier.Model, cfg.LLM.RequestTimeout, httpClient)
	index := httpindex.New(cfg.VectorIndex.BaseURL, cfg.VectorIndex.Collection, cfg.VectorIndex.APIKey, httpClient)

	items := store.NewSourceItemStore(db)
	groups := store.NewMergeGroupStore(db)
	topics := store.NewTopicStore(db)
	embeddings := store.NewEmbeddingStore(db)
	runs := store.NewRunStore(db)
	judgements := store.NewJudgementStore(db)
	categoryMetrics := store.NewCategoryMetricStore(db)
	summaries := store.NewSummaryStore(db)

	noiseFilter, err := ingest.NewNoiseFilter(cfg.Ingest.NoiseTitlePatterns, cfg.Ingest.NoiseURLPatterns)
	if err != nil {
		slog.Error("invalid noise filter configuration", "error", err)
		os.Exit(1)
	}
	intake := &ingest.Service{Items: items, Noise: noiseFilter}

	summaryEngine := &summary.Engine{
		DB:                db,
		Summaries:         summaries,
		Topics:            topics,
		Items:             items,
		Embeddings:        embeddings,
		Embedder:          embedder,
		Summarizer:        summarizer,
		Index:             index,
		EmbeddingProvider: cfg.LLM.EmbeddingProvider,
		EmbeddingModel:    cfg.LLM.EmbeddingModel,
	}

	eventMerger := &eventmerge.Runner{
		Items:             items,
		Groups:            groups,
		Embeddings:        embeddings,
		Runs:              runs,
		Judgements:        judgements,
		Embedder:          embedder,
		Index:             index,
		Adjudicator:       adjudicator,
		PlatformWeights:   cfg.Normalizer.PlatformWeights,
		Merge:             cfg.Merge,
		EmbeddingProvider: cfg.LLM.EmbeddingProvider,
		EmbeddingModel:    cfg.LLM.EmbeddingModel,
	}

	globalMerger := &globalmerge.Runner{
		DB:                db,
		Groups:            groups,
		Items:             items,
		Topics:            topics,
		Runs:              runs,
		Judgements:        judgements,
		CategoryMetrics:   categoryMetrics,
		Summaries:         summaryEngine,
		Embedder:          embedder,
		Index:             index,
		Adjudicator:       adjudicator,
		Classifier:        categoryClassifier,
		Merge:             cfg.Merge,
		EmbeddingProvider: cfg.LLM.EmbeddingProvider,
		EmbeddingModel:    cfg.LLM.EmbeddingModel,
		ClaimedBy:         processInstanceID(cfg.ServiceInstanceID),
	}

	reconciler := &scheduler.VectorIndexReconciler{
		Topics:            topics,
		Summaries:         summaries,
		Embedder:          embedder,
		Index:             index,
		EmbeddingProvider: cfg.LLM.EmbeddingProvider,
		EmbeddingModel:    cfg.LLM.EmbeddingModel,
	}

	sched := &scheduler.Scheduler{
		Schedule:    cfg.Schedule,
		Runs:        runs,
		EventMerge:  eventMerger,
		GlobalMerge: globalMerger,
		Reconciler:  reconciler,
	}

	// ragReader and intake are not yet reachable from anything in this
	// process; the query/streaming/trigger HTTP surface spec.md places
	// out of core scope is a separate layer that would hold them.
	// Constructed here so the full dependency graph (embedder, index,
	// chat client, stores) is proven wired before that layer exists.
	_ = intake
	ragReader := &rag.Reader{
		Topics:    topics,
		Items:     items,
		Summaries: summaries,
		Embedder:  embedder,
		Index:     index,
		Chat:      chatClient,
		Config:    cfg.RAG,
	}
	_ = ragReader

	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	slog.Info("echoman core started", "service_instance_id", cfg.ServiceInstanceID)

	<-ctx.Done()
	slog.Info("shutting down")
	sched.Stop(context.Background())
}

func processInstanceID(configured string) string {
	if configured != "" {
		return configured
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "echoman"
	}
	return hostname
}

func setupLogging(level, format string) {
	var leveler slog.Level
	switch level {
	case "debug":
		leveler = slog.LevelDebug
	case "warn":
		leveler = slog.LevelWarn
	case "error":
		leveler = slog.LevelError
	default:
		leveler = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: leveler}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
