package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rattsdata/rattsvar/internal/retrieval"
	"github.com/rattsdata/rattsvar/internal/vectorstore"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// maxExamples caps the few-shot splice.
const maxExamples = 2

// exampleCacheTTL bounds how long the last retrieved examples for a mode
// are reused.
const exampleCacheTTL = 5 * time.Minute

type cachedExamples struct {
	docs    []string
	fetched time.Time
}

// VectorExampleSource fetches few-shot examples from a dedicated collection
// by embedding similarity to the question, with a short per-mode cache.
type VectorExampleSource struct {
	store      vectorstore.Store
	embedder   retrieval.Embedder
	collection string

	mu    sync.Mutex
	cache map[models.Mode]cachedExamples
}

func NewVectorExampleSource(store vectorstore.Store, embedder retrieval.Embedder, collection string) *VectorExampleSource {
	return &VectorExampleSource{
		store:      store,
		embedder:   embedder,
		collection: collection,
		cache:      map[models.Mode]cachedExamples{},
	}
}

// Examples returns up to two example documents for the mode. Failures are
// reported to the caller, which treats examples as best-effort.
func (s *VectorExampleSource) Examples(ctx context.Context, mode models.Mode, q string) ([]string, error) {
	if s.collection == "" {
		return nil, nil
	}

	s.mu.Lock()
	if c, ok := s.cache[mode]; ok && time.Since(c.fetched) < exampleCacheTTL {
		s.mu.Unlock()
		return c.docs, nil
	}
	s.mu.Unlock()

	col, err := s.store.Collection(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("examples collection: %w", err)
	}
	emb, err := s.embedder.EmbedSingle(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("embed example query: %w", err)
	}
	res, err := col.Query(ctx, emb, vectorstore.QueryOptions{
		NResults: maxExamples,
		Where:    map[string]string{"mode": mode.SchemaName()},
	})
	if err != nil {
		return nil, fmt.Errorf("query examples: %w", err)
	}

	s.mu.Lock()
	s.cache[mode] = cachedExamples{docs: res.Documents, fetched: time.Now()}
	s.mu.Unlock()
	return res.Documents, nil
}
