// Package config loads Echoman's process configuration from the
// environment, following the teacher's getEnvOrDefault/Validate idiom
// (pkg/database.LoadConfigFromEnv) generalized to an umbrella Config
// composing named registries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/echoman-project/echoman/pkg/database"
)

// Config is the top-level process configuration, composed of the
// database connection settings plus the registries each pipeline stage
// reads from.
type Config struct {
	ServiceInstanceID string
	LogLevel          string
	LogFormat         string

	Database database.Config

	Ingest      IngestConfig
	Normalizer  NormalizerConfig
	Merge       MergeConfig
	LLM         LLMConfig
	Classifier  ClassifierConfig
	VectorIndex VectorIndexConfig
	Schedule    ScheduleConfig
	RAG         RAGConfig
}

// IngestConfig holds the noise patterns the intake applies before an
// item enters the store (spec.md §4.5's noise filter, enforced at the
// ingestion boundary per §6's contract).
type IngestConfig struct {
	NoiseTitlePatterns []string
	NoiseURLPatterns   []string
}

// DefaultIngestConfig covers the list-page artifacts the seven
// platforms' scrapers are known to emit.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		NoiseTitlePatterns: []string{
			"点击查看更多实时热点",
			"^查看更多",
			"^更多热[搜点榜]",
		},
		NoiseURLPatterns: []string{
			`/(hot|top|board|billboard|list)(/[a-z]+)?/?$`,
		},
	}
}

// NormalizerConfig holds the platform weight table of spec.md §4.2.
type NormalizerConfig struct {
	PlatformWeights map[string]float64
}

// DefaultPlatformWeights is spec.md §4.2's fixed weight table, covering
// the seven platforms spec.md §2 names.
func DefaultPlatformWeights() map[string]float64 {
	return map[string]float64{
		"weibo":   1.2,
		"zhihu":   1.1,
		"baidu":   1.1,
		"toutiao": 1.0,
		"netease": 0.9,
		"sina":    0.8,
		"hupu":    0.8,
	}
}

// MergeConfig holds the stage-one/stage-two clustering, adjudication,
// and batching knobs of spec.md §4.5/§4.6/§6.
type MergeConfig struct {
	// Stage one (spec.md §4.5).
	HalfdayMinOccurrence       int
	HalfdaySimilarityThreshold float64
	HalfdayJaccardThreshold    float64
	HalfdayLLMConfidence       float64

	// Stage two (spec.md §4.6).
	GlobalTopKCandidates        int
	GlobalMinSimilarity         float64
	GlobalConfidenceThreshold   float64
	GlobalMaxBatchSize          int
	GlobalConcurrent            int
	GlobalNewTopicKeepRatio     float64
	SummaryConcurrentSize       int
}

// DefaultMergeConfig is spec.md §6's default merge/adjudication knobs.
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		HalfdayMinOccurrence:       2,
		HalfdaySimilarityThreshold: 0.80,
		HalfdayJaccardThreshold:    0.40,
		HalfdayLLMConfidence:       0.80,

		GlobalTopKCandidates:      3,
		GlobalMinSimilarity:       0.50,
		GlobalConfidenceThreshold: 0.75,
		GlobalMaxBatchSize:        200,
		GlobalConcurrent:          1,
		GlobalNewTopicKeepRatio:   1.0,
		SummaryConcurrentSize:     5,
	}
}

// LLMConfig holds adjudicator/embedding provider endpoints and the
// request timeout pkg/llmclient applies to every call.
type LLMConfig struct {
	AdjudicatorBaseURL string
	AdjudicatorAPIKey  string
	AdjudicatorModel   string
	EmbeddingBaseURL   string
	EmbeddingAPIKey    string
	EmbeddingModel     string
	EmbeddingProvider  string
	RequestTimeout     time.Duration
}

// ClassifierConfig holds the external category-classifier endpoint
// stage two's new-topic path calls (spec.md §4.6).
type ClassifierConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// VectorIndexConfig holds the vector-index HTTP endpoint.
type VectorIndexConfig struct {
	BaseURL    string
	Collection string
	APIKey     string
}

// ScheduleConfig holds the cron expressions driving each stage
// (spec.md §6): ingestion at eight fixed times a day, stage one five
// minutes after four of those ingestions (08:00, 12:00, 18:00, 22:00),
// stage two twenty minutes after those same four.
type ScheduleConfig struct {
	IngestionCron string
	StageOneCron  string
	StageTwoCron  string
}

func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		IngestionCron: "0 8,10,12,14,16,18,20,22 * * *",
		StageOneCron:  "5 8,12,18,22 * * *",
		StageTwoCron:  "20 8,12,18,22 * * *",
	}
}

// RAGConfig holds the chat-completion endpoint and recall widths the
// RAG reader uses (spec.md §4.9).
type RAGConfig struct {
	ChatBaseURL string
	ChatAPIKey  string
	ChatModel   string

	TopicModeTopK   int
	GlobalModeTopK  int
	GlobalModeNodes int

	CompletionTokens  int
	MinTruncateTokens int
}

// DefaultRAGConfig is spec.md §4.9's fixed recall widths and token
// budget knobs.
func DefaultRAGConfig() RAGConfig {
	return RAGConfig{
		TopicModeTopK:     5,
		GlobalModeTopK:    10,
		GlobalModeNodes:   2,
		CompletionTokens:  2000,
		MinTruncateTokens: 100,
	}
}

// LoadFromEnv loads a complete Config from the process environment,
// applying a ".env" file first if one is present (teacher precedent:
// cmd/tarsy/main.go calling godotenv.Load before reading os.Getenv).
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	timeout, err := parseDurationOrDefault("LLM_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config: invalid LLM_REQUEST_TIMEOUT: %w", err)
	}

	ingest := DefaultIngestConfig()
	overrideStringList(&ingest.NoiseTitlePatterns, "NOISE_TITLE_PATTERNS")
	overrideStringList(&ingest.NoiseURLPatterns, "NOISE_URL_PATTERNS")

	merge := DefaultMergeConfig()
	ragDefaults := DefaultRAGConfig()
	if err := overrideInt(&merge.HalfdayMinOccurrence, "HALFDAY_MERGE_MIN_OCCURRENCE"); err != nil {
		return nil, err
	}
	if err := overrideFloat(&merge.HalfdaySimilarityThreshold, "HALFDAY_MERGE_SIMILARITY_THRESHOLD"); err != nil {
		return nil, err
	}
	if err := overrideFloat(&merge.HalfdayJaccardThreshold, "HALFDAY_MERGE_JACCARD_THRESHOLD"); err != nil {
		return nil, err
	}
	if err := overrideFloat(&merge.HalfdayLLMConfidence, "HALFDAY_MERGE_LLM_CONFIDENCE"); err != nil {
		return nil, err
	}
	if err := overrideInt(&merge.GlobalTopKCandidates, "GLOBAL_MERGE_TOPK_CANDIDATES"); err != nil {
		return nil, err
	}
	if err := overrideFloat(&merge.GlobalMinSimilarity, "GLOBAL_MERGE_MIN_SIMILARITY"); err != nil {
		return nil, err
	}
	if err := overrideFloat(&merge.GlobalConfidenceThreshold, "GLOBAL_MERGE_CONFIDENCE_THRESHOLD"); err != nil {
		return nil, err
	}
	if err := overrideInt(&merge.GlobalMaxBatchSize, "GLOBAL_MERGE_MAX_BATCH_SIZE"); err != nil {
		return nil, err
	}
	if err := overrideInt(&merge.GlobalConcurrent, "GLOBAL_MERGE_CONCURRENT"); err != nil {
		return nil, err
	}
	if err := overrideFloat(&merge.GlobalNewTopicKeepRatio, "GLOBAL_MERGE_NEW_TOPIC_KEEP_RATIO"); err != nil {
		return nil, err
	}
	if err := overrideInt(&merge.SummaryConcurrentSize, "SUMMARY_CONCURRENT_SIZE"); err != nil {
		return nil, err
	}

	cfg := &Config{
		ServiceInstanceID: getEnvOrDefault("SERVICE_INSTANCE_ID", ""),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "json"),
		Database:          dbCfg,
		Ingest:            ingest,
		Normalizer: NormalizerConfig{
			PlatformWeights: DefaultPlatformWeights(),
		},
		Merge: merge,
		LLM: LLMConfig{
			AdjudicatorBaseURL: getEnvOrDefault("LLM_ADJUDICATOR_URL", "http://localhost:8081"),
			AdjudicatorAPIKey:  os.Getenv("LLM_ADJUDICATOR_API_KEY"),
			AdjudicatorModel:   getEnvOrDefault("LLM_ADJUDICATOR_MODEL", "gpt-4o-mini"),
			EmbeddingBaseURL:   getEnvOrDefault("EMBEDDING_PROVIDER_URL", "http://localhost:8082"),
			EmbeddingAPIKey:    os.Getenv("EMBEDDING_PROVIDER_API_KEY"),
			EmbeddingModel:     getEnvOrDefault("EMBEDDING_PROVIDER_MODEL", "text-embedding-3-small"),
			EmbeddingProvider:  getEnvOrDefault("EMBEDDING_PROVIDER_NAME", "default"),
			RequestTimeout:     timeout,
		},
		Classifier: ClassifierConfig{
			BaseURL: getEnvOrDefault("CLASSIFIER_URL", "http://localhost:8083"),
			APIKey:  os.Getenv("CLASSIFIER_API_KEY"),
			Model:   getEnvOrDefault("CLASSIFIER_MODEL", "topic-category-v1"),
		},
		VectorIndex: VectorIndexConfig{
			BaseURL:    getEnvOrDefault("VECTOR_INDEX_URL", "http://localhost:6333"),
			Collection: getEnvOrDefault("VECTOR_INDEX_COLLECTION", "echoman_topics"),
			APIKey:     os.Getenv("VECTOR_INDEX_API_KEY"),
		},
		Schedule: DefaultScheduleConfig(),
		RAG: RAGConfig{
			ChatBaseURL:       getEnvOrDefault("RAG_CHAT_URL", "http://localhost:8084"),
			ChatAPIKey:        os.Getenv("RAG_CHAT_API_KEY"),
			ChatModel:         getEnvOrDefault("RAG_CHAT_MODEL", "gpt-4o-mini"),
			TopicModeTopK:     ragDefaults.TopicModeTopK,
			GlobalModeTopK:    ragDefaults.GlobalModeTopK,
			GlobalModeNodes:   ragDefaults.GlobalModeNodes,
			CompletionTokens:  ragDefaults.CompletionTokens,
			MinTruncateTokens: ragDefaults.MinTruncateTokens,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants beyond what individual field
// parsing already guarantees.
func (c *Config) Validate() error {
	if c.Merge.GlobalMaxBatchSize < 1 {
		return fmt.Errorf("config: GLOBAL_MERGE_MAX_BATCH_SIZE must be at least 1")
	}
	if c.Merge.GlobalConcurrent < 1 {
		return fmt.Errorf("config: GLOBAL_MERGE_CONCURRENT must be at least 1")
	}
	if c.Merge.HalfdayMinOccurrence < 1 {
		return fmt.Errorf("config: HALFDAY_MERGE_MIN_OCCURRENCE must be at least 1")
	}
	if c.Merge.GlobalConfidenceThreshold <= 0 || c.Merge.GlobalConfidenceThreshold > 1 {
		return fmt.Errorf("config: GLOBAL_MERGE_CONFIDENCE_THRESHOLD must be in (0, 1]")
	}
	if c.Merge.HalfdayLLMConfidence <= 0 || c.Merge.HalfdayLLMConfidence > 1 {
		return fmt.Errorf("config: HALFDAY_MERGE_LLM_CONFIDENCE must be in (0, 1]")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseDurationOrDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func overrideInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func overrideStringList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func overrideFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}
