// Package main is the entry point for the rättsvar daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rattsdata/rattsvar/internal/config"
	"github.com/rattsdata/rattsvar/internal/critic"
	"github.com/rattsdata/rattsvar/internal/daemon"
	"github.com/rattsdata/rattsvar/internal/embed"
	"github.com/rattsdata/rattsvar/internal/grade"
	"github.com/rattsdata/rattsvar/internal/lexical"
	"github.com/rattsdata/rattsvar/internal/llm"
	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/internal/orchestrator"
	"github.com/rattsdata/rattsvar/internal/rerank"
	"github.com/rattsdata/rattsvar/internal/retrieval"
	"github.com/rattsdata/rattsvar/internal/vectorstore"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rattsvar-daemon",
		Short: "Rättsvar - retrieval-augmented QA for Swedish legal corpora",
		Long: `Rättsvar answers questions over Swedish legal corpora with strict
source grounding. It serves a query API and an SSE stream and talks to
a vector store, an embedding service and a local language model.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE:    runDaemon,
	}

	rootCmd.Flags().String("config", "", "Config file path (YAML)")
	rootCmd.Flags().String("listen", "", "Listen address (default :8420)")
	rootCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-format", "", "Log format: json, console")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if logLevel, _ := cmd.Flags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat, _ := cmd.Flags().GetString("log-format"); logFormat != "" {
		cfg.LogFormat = logFormat
	}

	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger := observability.Logger("main")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	embedder, err := embed.New(embed.Config{
		OllamaHost:   cfg.Embedding.OllamaHost,
		Model:        cfg.Embedding.Model,
		Dimension:    cfg.Embedding.ExpectedDim,
		BatchSize:    cfg.Embedding.BatchSize,
		CacheEnabled: cfg.Embedding.CacheEnabled,
		RedisAddr:    cfg.Embedding.RedisAddr,
		CacheTTL:     cfg.Embedding.CacheTTL,
	})
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	defer embedder.Close()

	if err := embedder.VerifyDimension(ctx); err != nil {
		return fmt.Errorf("verify embedding dimension: %w", err)
	}

	var store vectorstore.Store
	switch cfg.Vector.Backend {
	case "qdrant":
		store, err = vectorstore.NewQdrant(vectorstore.QdrantConfig{
			Host: cfg.Vector.QdrantHost,
			Port: cfg.Vector.QdrantPort,
		})
	default:
		store, err = vectorstore.NewChroma(vectorstore.ChromaConfig{
			BaseURL: cfg.Vector.ChromaPath,
		})
	}
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	defer store.Close()

	if err := vectorstore.VerifyDimensions(ctx, store, cfg.Embedding.ExpectedDim, cfg.Vector.DefaultCollections); err != nil {
		return fmt.Errorf("verify collection dimensions: %w", err)
	}

	var lex retrieval.LexicalSearcher
	if cfg.Lexical.Enabled {
		idx, err := lexical.Open(cfg.Lexical.Path)
		if err != nil {
			logger.Warn().Err(err).Msg("lexical index unavailable, dense-only retrieval")
		} else {
			defer idx.Close()
			lex = idx
		}
	}

	lm := llm.New(llm.Config{
		BaseURL:       cfg.LLM.BaseURL,
		Protocol:      cfg.LLM.Protocol,
		Model:         cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		Timeout:       cfg.LLM.Timeout,
	})

	retriever := retrieval.New(store, embedder, lex, cfg.Retrieval, cfg.Vector)

	opts := []orchestrator.Option{
		orchestrator.WithReflector(critic.New(lm)),
		orchestrator.WithExamples(orchestrator.NewVectorExampleSource(store, embedder, cfg.Vector.ExamplesCollection)),
	}
	if cfg.CRAG.Enabled {
		opts = append(opts, orchestrator.WithGrader(grade.New(lm, grade.Config{
			Threshold:     cfg.CRAG.GradeThreshold,
			MaxConcurrent: cfg.CRAG.MaxConcurrentGrading,
			DocTimeout:    cfg.CRAG.GradeTimeout,
		})))
	}
	if cfg.Rerank.Enabled {
		opts = append(opts, orchestrator.WithReranker(rerank.New(rerank.Config{
			BaseURL: cfg.Rerank.URL,
		})))
	}
	orch := orchestrator.New(cfg, retriever, lm, opts...)

	daemonOpts := []daemon.Option{
		daemon.WithHealthCheck("vectorstore", store.HealthCheck),
		daemon.WithHealthCheck("embedder", embedder.HealthCheck),
		daemon.WithHealthCheck("llm", func(ctx context.Context) error {
			if !lm.IsAvailable(ctx) {
				return fmt.Errorf("llm endpoint unreachable")
			}
			return nil
		}),
	}
	if idx, ok := lex.(*lexical.Index); ok {
		daemonOpts = append(daemonOpts, daemon.WithHealthCheck("lexical", idx.HealthCheck))
	}
	d := daemon.New(cfg, orch, daemonOpts...)

	logger.Info().
		Str("version", Version).
		Str("listen", cfg.ListenAddr).
		Str("backend", cfg.Vector.Backend).
		Msg("starting rättsvar")

	return d.Run()
}
