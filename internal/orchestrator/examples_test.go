package orchestrator

import (
	"context"
	"testing"

	"github.com/rattsdata/rattsvar/internal/vectorstore"
	"github.com/rattsdata/rattsvar/pkg/models"
)

type countingCollection struct {
	docs    []string
	queries int
}

func (c *countingCollection) Name() string { return "constitutional_examples" }
func (c *countingCollection) Query(ctx context.Context, emb []float32, opts vectorstore.QueryOptions) (*vectorstore.QueryResult, error) {
	c.queries++
	n := opts.NResults
	if n > len(c.docs) {
		n = len(c.docs)
	}
	return &vectorstore.QueryResult{Documents: c.docs[:n]}, nil
}
func (c *countingCollection) Count(ctx context.Context) (int, error)     { return len(c.docs), nil }
func (c *countingCollection) Dimension(ctx context.Context) (int, error) { return 0, nil }

type exampleStore struct {
	col *countingCollection
}

func (s *exampleStore) ListCollections(ctx context.Context) ([]string, error) {
	return []string{s.col.Name()}, nil
}
func (s *exampleStore) Collection(ctx context.Context, name string) (vectorstore.Collection, error) {
	return s.col, nil
}
func (s *exampleStore) HealthCheck(ctx context.Context) error { return nil }
func (s *exampleStore) Close() error                          { return nil }

type staticEmbedder struct{}

func (staticEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}
func (staticEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func TestVectorExampleSource_CapsAtTwo(t *testing.T) {
	col := &countingCollection{docs: []string{"ex1", "ex2", "ex3"}}
	src := NewVectorExampleSource(&exampleStore{col: col}, staticEmbedder{}, "constitutional_examples")

	docs, err := src.Examples(context.Background(), models.ModeEvidence, "fråga")
	if err != nil {
		t.Fatalf("Examples failed: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("examples = %d, want 2", len(docs))
	}
}

func TestVectorExampleSource_CachesPerMode(t *testing.T) {
	col := &countingCollection{docs: []string{"ex1"}}
	src := NewVectorExampleSource(&exampleStore{col: col}, staticEmbedder{}, "constitutional_examples")

	for i := 0; i < 3; i++ {
		if _, err := src.Examples(context.Background(), models.ModeEvidence, "fråga"); err != nil {
			t.Fatalf("Examples failed: %v", err)
		}
	}
	if col.queries != 1 {
		t.Errorf("cache miss count = %d, want 1", col.queries)
	}

	if _, err := src.Examples(context.Background(), models.ModeAssist, "fråga"); err != nil {
		t.Fatalf("Examples failed: %v", err)
	}
	if col.queries != 2 {
		t.Errorf("other modes must not share cache entries, queries = %d", col.queries)
	}
}

func TestVectorExampleSource_NoCollectionConfigured(t *testing.T) {
	src := NewVectorExampleSource(nil, staticEmbedder{}, "")
	docs, err := src.Examples(context.Background(), models.ModeEvidence, "fråga")
	if err != nil || docs != nil {
		t.Errorf("unconfigured source must be a silent no-op, got %v, %v", docs, err)
	}
}
