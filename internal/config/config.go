// Package config handles rättsvar configuration loading and management.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GenerationConfig holds per-mode LM sampling settings.
type GenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMConfig holds language-model client configuration.
type LLMConfig struct {
	BaseURL       string        `mapstructure:"llm_base_url"`
	Timeout       time.Duration `mapstructure:"llm_timeout"`
	Model         string        `mapstructure:"constitutional_model"`
	FallbackModel string        `mapstructure:"constitutional_fallback"`
	// Protocol: "openai" (chat/completions SSE) or "ollama" (legacy /api/chat)
	Protocol string `mapstructure:"llm_protocol"`

	Evidence GenerationConfig `mapstructure:"evidence"`
	Assist   GenerationConfig `mapstructure:"assist"`
	Chat     GenerationConfig `mapstructure:"chat"`
}

// EmbeddingConfig holds embedder configuration.
type EmbeddingConfig struct {
	OllamaHost  string `mapstructure:"ollama_host"`
	Model       string `mapstructure:"embedding_model"`
	ExpectedDim int    `mapstructure:"expected_embedding_dim"`
	BatchSize   int    `mapstructure:"embedding_batch_size"`

	// Optional redis cache for embeddings.
	CacheEnabled bool   `mapstructure:"embedding_cache_enabled"`
	RedisAddr    string `mapstructure:"redis_addr"`
	CacheTTL     time.Duration `mapstructure:"embedding_cache_ttl"`
}

// VectorStoreConfig holds vector store backend configuration.
type VectorStoreConfig struct {
	// Backend: "chroma" (HTTP, chromadb_path or URL) or "qdrant" (gRPC).
	Backend      string `mapstructure:"vector_backend"`
	ChromaPath   string `mapstructure:"chromadb_path"`
	QdrantHost   string `mapstructure:"qdrant_host"`
	QdrantPort   int    `mapstructure:"qdrant_port"`
	// DefaultCollections are searched when no routing is active.
	DefaultCollections []string `mapstructure:"default_collections"`
	// AllCollections is the full search surface for adaptive escalation.
	AllCollections []string `mapstructure:"all_collections"`
	// ExamplesCollection holds few-shot examples keyed by mode.
	ExamplesCollection string `mapstructure:"examples_collection"`
}

// LexicalConfig holds the FTS5 lexical index configuration.
type LexicalConfig struct {
	Path    string `mapstructure:"lexical_index_path"`
	Enabled bool   `mapstructure:"lexical_enabled"`
}

// RetrievalConfig holds retrieval pipeline tuning.
type RetrievalConfig struct {
	SearchTimeout        time.Duration `mapstructure:"search_timeout"`
	ParallelEnabled      bool          `mapstructure:"parallel_search_enabled"`
	MaxConcurrentQueries int           `mapstructure:"max_concurrent_queries"`
	SimilarityThreshold  float64       `mapstructure:"rag_similarity_threshold"`
	RRFK                 int           `mapstructure:"rrf_k"`
	TopK                 int           `mapstructure:"top_k"`
	AdaptiveEnabled      bool          `mapstructure:"adaptive_retrieval_enabled"`
	MaxEscalationSteps   int           `mapstructure:"max_escalation_steps"`
	EPREnabled           bool          `mapstructure:"epr_enabled"`
	// RoutingTablePath optionally overrides the compiled-in routing policy
	// with a YAML file.
	RoutingTablePath string `mapstructure:"routing_table_path"`
}

// RerankConfig holds cross-encoder reranker configuration.
type RerankConfig struct {
	Enabled bool   `mapstructure:"reranking_enabled"`
	Model   string `mapstructure:"reranking_model"`
	URL     string `mapstructure:"reranking_url"`
}

// CRAGConfig holds corrective-RAG grading configuration.
type CRAGConfig struct {
	Enabled              bool          `mapstructure:"crag_enabled"`
	GradeThreshold       float64       `mapstructure:"crag_grade_threshold"`
	MaxConcurrentGrading int           `mapstructure:"crag_max_concurrent_grading"`
	GradeTimeout         time.Duration `mapstructure:"crag_grade_timeout"`
	SelfReflection       bool          `mapstructure:"crag_enable_self_reflection"`
}

// PipelineConfig holds orchestrator behavior toggles.
type PipelineConfig struct {
	StructuredOutput  bool `mapstructure:"structured_output_enabled"`
	CriticRevise      bool `mapstructure:"critic_revise_enabled"`
	CriticMaxRevision int  `mapstructure:"critic_max_revisions"`
	DeterministicEval bool `mapstructure:"deterministic_eval"`
	Debug             bool `mapstructure:"debug"`
}

// Config holds all rättsvar configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	LLM       LLMConfig         `mapstructure:",squash"`
	Embedding EmbeddingConfig   `mapstructure:",squash"`
	Vector    VectorStoreConfig `mapstructure:",squash"`
	Lexical   LexicalConfig     `mapstructure:",squash"`
	Retrieval RetrievalConfig   `mapstructure:",squash"`
	Rerank    RerankConfig      `mapstructure:",squash"`
	CRAG      CRAGConfig        `mapstructure:",squash"`
	Pipeline  PipelineConfig    `mapstructure:",squash"`
}

// setDefaults registers all defaults with viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8420")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("llm_base_url", "http://localhost:11434/v1")
	v.SetDefault("llm_timeout", 90*time.Second)
	v.SetDefault("llm_protocol", "openai")
	v.SetDefault("constitutional_model", "qwen2.5:14b")
	v.SetDefault("constitutional_fallback", "llama3.1:8b")

	v.SetDefault("evidence.temperature", 0.1)
	v.SetDefault("evidence.top_p", 0.9)
	v.SetDefault("evidence.max_tokens", 2048)
	v.SetDefault("assist.temperature", 0.3)
	v.SetDefault("assist.top_p", 0.9)
	v.SetDefault("assist.max_tokens", 2048)
	v.SetDefault("chat.temperature", 0.6)
	v.SetDefault("chat.top_p", 0.95)
	v.SetDefault("chat.max_tokens", 512)

	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("embedding_model", "nomic-embed-text")
	v.SetDefault("expected_embedding_dim", 768)
	v.SetDefault("embedding_batch_size", 10)
	v.SetDefault("embedding_cache_enabled", false)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("embedding_cache_ttl", 24*time.Hour)

	v.SetDefault("vector_backend", "chroma")
	v.SetDefault("chromadb_path", "http://localhost:8000")
	v.SetDefault("qdrant_host", "localhost")
	v.SetDefault("qdrant_port", 6334)
	v.SetDefault("default_collections", []string{"lagtext", "forarbeten", "riksdagstryck"})
	v.SetDefault("all_collections", []string{"lagtext", "forarbeten", "riksdagstryck", "myndighetsvagledning", "forskning"})
	v.SetDefault("examples_collection", "constitutional_examples")

	v.SetDefault("lexical_enabled", true)
	v.SetDefault("lexical_index_path", "rattsvar_fts.db")

	v.SetDefault("search_timeout", 5*time.Second)
	v.SetDefault("parallel_search_enabled", true)
	v.SetDefault("max_concurrent_queries", 3)
	v.SetDefault("rag_similarity_threshold", 0.5)
	v.SetDefault("rrf_k", 60)
	v.SetDefault("top_k", 10)
	v.SetDefault("adaptive_retrieval_enabled", true)
	v.SetDefault("max_escalation_steps", 4)
	v.SetDefault("epr_enabled", false)
	v.SetDefault("routing_table_path", "")

	v.SetDefault("reranking_enabled", false)
	v.SetDefault("reranking_model", "bge-reranker-v2-m3")
	v.SetDefault("reranking_url", "http://localhost:8787")

	v.SetDefault("crag_enabled", false)
	v.SetDefault("crag_grade_threshold", 0.3)
	v.SetDefault("crag_max_concurrent_grading", 5)
	v.SetDefault("crag_grade_timeout", 10*time.Second)
	v.SetDefault("crag_enable_self_reflection", false)

	v.SetDefault("structured_output_enabled", true)
	v.SetDefault("critic_revise_enabled", true)
	v.SetDefault("critic_max_revisions", 2)
	v.SetDefault("deterministic_eval", false)
	v.SetDefault("debug", false)
}

// Load reads configuration from environment and an optional config file.
// Environment variables use the RATTSVAR_ prefix; the bare names from the
// deployment environment (CHROMADB_PATH, LLM_BASE_URL, ...) are bound too.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RATTSVAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare env names recognized for operational compatibility.
	for _, key := range []string{
		"chromadb_path", "embedding_model", "expected_embedding_dim",
		"llm_base_url", "llm_timeout", "constitutional_model", "constitutional_fallback",
		"reranking_model", "reranking_enabled",
		"search_timeout", "parallel_search_enabled", "max_concurrent_queries",
		"rag_similarity_threshold", "rrf_k",
		"adaptive_retrieval_enabled", "max_escalation_steps",
		"structured_output_enabled", "critic_revise_enabled", "critic_max_revisions",
		"crag_enabled", "crag_grade_threshold", "crag_max_concurrent_grading",
		"crag_grade_timeout", "crag_enable_self_reflection",
		"epr_enabled", "deterministic_eval",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Deterministic evaluation pins sampling across every mode.
	if cfg.Pipeline.DeterministicEval {
		for _, gc := range []*GenerationConfig{&cfg.LLM.Evidence, &cfg.LLM.Assist, &cfg.LLM.Chat} {
			gc.Temperature = 0
			gc.TopP = 1
		}
	}

	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Embedding.ExpectedDim <= 0 {
		return fmt.Errorf("expected_embedding_dim must be positive, got %d", c.Embedding.ExpectedDim)
	}
	if c.Retrieval.RRFK <= 0 {
		return fmt.Errorf("rrf_k must be positive, got %d", c.Retrieval.RRFK)
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("rag_similarity_threshold must be in [0,1], got %f", c.Retrieval.SimilarityThreshold)
	}
	if c.Retrieval.MaxConcurrentQueries <= 0 {
		return fmt.Errorf("max_concurrent_queries must be positive, got %d", c.Retrieval.MaxConcurrentQueries)
	}
	switch c.Vector.Backend {
	case "chroma", "qdrant":
	default:
		return fmt.Errorf("vector_backend must be chroma or qdrant, got %q", c.Vector.Backend)
	}
	if len(c.Vector.DefaultCollections) == 0 {
		return fmt.Errorf("default_collections must not be empty")
	}
	if c.Pipeline.CriticMaxRevision > 2 {
		c.Pipeline.CriticMaxRevision = 2
	}
	return nil
}

// GenerationFor returns the sampling config for a mode name
// ("evidence", "assist", "chat").
func (c *Config) GenerationFor(mode string) GenerationConfig {
	switch mode {
	case "evidence":
		return c.LLM.Evidence
	case "chat":
		return c.LLM.Chat
	default:
		return c.LLM.Assist
	}
}
