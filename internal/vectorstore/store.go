// Package vectorstore defines the nearest-neighbour search contract the
// retriever consumes, with Chroma (HTTP) and Qdrant (gRPC) backends.
// Backends report raw distances; score normalization happens in retrieval.
package vectorstore

import (
	"context"
	"fmt"
)

// QueryOptions configures a single collection query.
type QueryOptions struct {
	NResults int
	Where    map[string]string // metadata equality filter
}

// QueryResult carries one query's candidates, parallel slices index-aligned.
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []map[string]string
	Distances []float64
}

// Collection is one named subset of the corpus.
type Collection interface {
	Name() string
	// Query runs a nearest-neighbour search for a single embedding.
	Query(ctx context.Context, embedding []float32, opts QueryOptions) (*QueryResult, error)
	Count(ctx context.Context) (int, error)
	// Dimension returns the vector size baked into the collection,
	// or 0 when the backend cannot report it.
	Dimension(ctx context.Context) (int, error)
}

// Store is the vector store client. Implementations are process-singletons.
type Store interface {
	ListCollections(ctx context.Context) ([]string, error)
	Collection(ctx context.Context, name string) (Collection, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// VerifyDimensions checks every named collection against the expected
// embedding dimension. Collections that cannot report a dimension are
// skipped; a reported mismatch is fatal.
func VerifyDimensions(ctx context.Context, s Store, expected int, collections []string) error {
	for _, name := range collections {
		col, err := s.Collection(ctx, name)
		if err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
		dim, err := col.Dimension(ctx)
		if err != nil {
			return fmt.Errorf("collection %s dimension: %w", name, err)
		}
		if dim != 0 && dim != expected {
			return fmt.Errorf("collection %s has dimension %d, expected %d", name, dim, expected)
		}
	}
	return nil
}
