// Package embed generates dense query embeddings via Ollama.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/pkg/models"
)

const (
	// DefaultModel produces 768-dimensional vectors.
	DefaultModel = "nomic-embed-text"

	// DefaultDimension is the vector dimension for the default model.
	DefaultDimension = 768

	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultBatchSize is the number of texts embedded in parallel.
	DefaultBatchSize = 10
)

// Config configures the embedder.
type Config struct {
	OllamaHost string
	Model      string
	Dimension  int
	BatchSize  int

	// Optional redis cache, keyed by model + text hash.
	CacheEnabled bool
	RedisAddr    string
	CacheTTL     time.Duration
}

// Embedder generates vector embeddings via Ollama, with an optional redis
// cache in front. The dimension is fixed process-wide; VerifyDimension must
// pass before the service accepts traffic.
type Embedder struct {
	client    *api.Client
	cache     *redis.Client
	model     string
	dimension int
	batchSize int
	cacheTTL  time.Duration
	logger    zerolog.Logger
	mu        sync.RWMutex
	verified  bool
}

// New creates a new embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.OllamaHost == "" {
		cfg.OllamaHost = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}

	ollamaURL, err := url.Parse(cfg.OllamaHost)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama host URL: %w", err)
	}

	e := &Embedder{
		client:    api.NewClient(ollamaURL, http.DefaultClient),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
		cacheTTL:  cfg.CacheTTL,
		logger:    observability.Logger("embed"),
	}

	if cfg.CacheEnabled {
		e.cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	return e, nil
}

// Dimension returns the fixed embedding dimension.
func (e *Embedder) Dimension() int { return e.dimension }

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// VerifyDimension embeds a probe text and checks the returned vector length
// against the configured dimension. A mismatch is a fatal startup error.
func (e *Embedder) VerifyDimension(ctx context.Context) error {
	vec, err := e.embedSingle(ctx, "dimension probe")
	if err != nil {
		return models.Wrap(models.ErrNotReady, "embedding dimension probe failed", err)
	}
	if len(vec) != e.dimension {
		return models.NewError(models.ErrNotReady,
			fmt.Sprintf("embedding dimension mismatch: model %s returned %d, expected %d",
				e.model, len(vec), e.dimension))
	}
	e.mu.Lock()
	e.verified = true
	e.mu.Unlock()
	e.logger.Info().Str("model", e.model).Int("dimension", e.dimension).Msg("embedding dimension verified")
	return nil
}

// Verified reports whether the startup dimension check has passed.
func (e *Embedder) Verified() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.verified
}

// EmbedSingle generates the embedding for one text.
func (e *Embedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, models.NewError(models.ErrEmbedding, "no embedding returned")
	}
	return vecs[0], nil
}

// Embed generates embeddings for multiple texts, batched behind a
// semaphore. Cache hits bypass the model entirely.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	embeddings := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.batchSize)

	for i, text := range texts {
		wg.Add(1)
		sem <- struct{}{}

		go func(idx int, txt string) {
			defer wg.Done()
			defer func() { <-sem }()

			if vec, ok := e.cacheGet(ctx, txt); ok {
				embeddings[idx] = vec
				return
			}

			vec, err := e.embedSingle(ctx, txt)
			if err != nil {
				errs[idx] = err
				return
			}
			embeddings[idx] = vec
			e.cachePut(ctx, txt, vec)
		}(i, text)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, models.Wrap(models.ErrEmbedding,
				fmt.Sprintf("embedding failed for text %d", i), err)
		}
	}

	e.logger.Debug().
		Int("count", len(texts)).
		Dur("duration", time.Since(start)).
		Msg("batch embedding completed")

	return embeddings, nil
}

func (e *Embedder) embedSingle(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}

	embedding := make([]float32, len(resp.Embeddings[0]))
	for i, v := range resp.Embeddings[0] {
		embedding[i] = float32(v)
	}

	if len(embedding) != e.dimension {
		return nil, models.NewError(models.ErrEmbedding,
			fmt.Sprintf("unexpected embedding dimension: got %d, want %d", len(embedding), e.dimension))
	}
	return embedding, nil
}

// --- redis cache ---

func (e *Embedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + e.model + ":" + hex.EncodeToString(sum[:16])
}

func (e *Embedder) cacheGet(ctx context.Context, text string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	raw, err := e.cache.Get(ctx, e.cacheKey(text)).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) != e.dimension {
		return nil, false
	}
	return vec, true
}

func (e *Embedder) cachePut(ctx context.Context, text string, vec []float32) {
	if e.cache == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, e.cacheKey(text), raw, e.cacheTTL).Err(); err != nil {
		e.logger.Debug().Err(err).Msg("embedding cache write failed")
	}
}

// HealthCheck verifies the embedder is operational.
func (e *Embedder) HealthCheck(ctx context.Context) error {
	vec, err := e.embedSingle(ctx, "health check")
	if err != nil {
		return fmt.Errorf("embedding health check failed: %w", err)
	}
	if len(vec) != e.dimension {
		return fmt.Errorf("unexpected embedding dimension: got %d, want %d", len(vec), e.dimension)
	}
	return nil
}

// Close releases the cache connection.
func (e *Embedder) Close() error {
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}
