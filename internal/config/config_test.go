package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Embedding.ExpectedDim != 768 {
		t.Errorf("expected default dim 768, got %d", cfg.Embedding.ExpectedDim)
	}
	if cfg.Retrieval.RRFK != 60 {
		t.Errorf("expected default rrf_k 60, got %d", cfg.Retrieval.RRFK)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.5 {
		t.Errorf("expected default similarity threshold 0.5, got %f", cfg.Retrieval.SimilarityThreshold)
	}
	if cfg.Retrieval.SearchTimeout != 5*time.Second {
		t.Errorf("expected default search timeout 5s, got %v", cfg.Retrieval.SearchTimeout)
	}
	if cfg.Retrieval.MaxConcurrentQueries != 3 {
		t.Errorf("expected default max_concurrent_queries 3, got %d", cfg.Retrieval.MaxConcurrentQueries)
	}
	if cfg.Pipeline.CriticMaxRevision != 2 {
		t.Errorf("expected default critic_max_revisions 2, got %d", cfg.Pipeline.CriticMaxRevision)
	}
	if len(cfg.Vector.DefaultCollections) == 0 {
		t.Error("default collections must not be empty")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	os.Setenv("RRF_K", "30")
	os.Setenv("RAG_SIMILARITY_THRESHOLD", "0.4")
	defer os.Unsetenv("RRF_K")
	defer os.Unsetenv("RAG_SIMILARITY_THRESHOLD")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retrieval.RRFK != 30 {
		t.Errorf("expected rrf_k 30 from env, got %d", cfg.Retrieval.RRFK)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.4 {
		t.Errorf("expected similarity threshold 0.4 from env, got %f", cfg.Retrieval.SimilarityThreshold)
	}
}

func TestLoad_DeterministicEval(t *testing.T) {
	os.Setenv("DETERMINISTIC_EVAL", "true")
	defer os.Unsetenv("DETERMINISTIC_EVAL")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	for name, gc := range map[string]GenerationConfig{
		"evidence": cfg.LLM.Evidence,
		"assist":   cfg.LLM.Assist,
		"chat":     cfg.LLM.Chat,
	} {
		if gc.Temperature != 0 {
			t.Errorf("%s: deterministic eval should force temperature 0, got %f", name, gc.Temperature)
		}
		if gc.TopP != 1 {
			t.Errorf("%s: deterministic eval should force top_p 1, got %f", name, gc.TopP)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg.Embedding.ExpectedDim = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero embedding dim")
	}
	cfg.Embedding.ExpectedDim = 768

	cfg.Vector.Backend = "faiss"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown vector backend")
	}
	cfg.Vector.Backend = "qdrant"

	cfg.Retrieval.SimilarityThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range similarity threshold")
	}
}

func TestGenerationFor(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.GenerationFor("chat"); got.MaxTokens != cfg.LLM.Chat.MaxTokens {
		t.Errorf("chat generation config mismatch: %+v", got)
	}
	// Unknown mode falls back to assist.
	if got := cfg.GenerationFor("other"); got != cfg.LLM.Assist {
		t.Errorf("unknown mode should map to assist config, got %+v", got)
	}
}
