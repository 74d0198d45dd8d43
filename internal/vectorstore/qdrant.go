package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
)

const (
	// DefaultQdrantHost is the default Qdrant gRPC endpoint.
	DefaultQdrantHost = "localhost"

	// DefaultQdrantPort is the default Qdrant gRPC port.
	DefaultQdrantPort = 6334
)

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host string
	Port int
}

// QdrantStore implements Store against a Qdrant instance.
type QdrantStore struct {
	client *qdrant.Client
	logger zerolog.Logger

	mu   sync.RWMutex
	cols map[string]*qdrantCollection
}

// NewQdrant creates a Qdrant-backed store.
func NewQdrant(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultQdrantHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultQdrantPort
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantStore{
		client: client,
		logger: observability.Logger("vectorstore.qdrant"),
		cols:   make(map[string]*qdrantCollection),
	}, nil
}

// ListCollections returns collection names.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

// Collection returns a handle for a named collection.
func (s *QdrantStore) Collection(ctx context.Context, name string) (Collection, error) {
	s.mu.RLock()
	col, ok := s.cols[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	names, err := s.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("collection %s not found", name)
	}

	col = &qdrantCollection{store: s, name: name}
	s.mu.Lock()
	s.cols[name] = col
	s.mu.Unlock()
	return col, nil
}

// HealthCheck verifies the store is reachable.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.ListCollections(ctx); err != nil {
		return fmt.Errorf("vector store health check failed: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

type qdrantCollection struct {
	store *QdrantStore
	name  string
}

func (c *qdrantCollection) Name() string { return c.name }

// Query runs a cosine nearest-neighbour search. Qdrant reports similarity
// scores; they are converted to distances (d = 1 - s) so every backend
// speaks the same contract.
func (c *qdrantCollection) Query(ctx context.Context, embedding []float32, opts QueryOptions) (*QueryResult, error) {
	if opts.NResults <= 0 {
		opts.NResults = 10
	}

	start := time.Now()

	var filter *qdrant.Filter
	if len(opts.Where) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(opts.Where))
		for k, v := range opts.Where {
			conditions = append(conditions, qdrant.NewMatch(k, v))
		}
		filter = &qdrant.Filter{Must: conditions}
	}

	points, err := c.store.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: c.name,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(opts.NResults)),
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	result := &QueryResult{
		IDs:       make([]string, 0, len(points)),
		Documents: make([]string, 0, len(points)),
		Metadatas: make([]map[string]string, 0, len(points)),
		Distances: make([]float64, 0, len(points)),
	}

	for _, point := range points {
		id := point.Id.GetUuid()
		doc := ""
		meta := make(map[string]string)
		if payload := point.Payload; payload != nil {
			for k, v := range payload {
				switch k {
				case "document":
					doc = v.GetStringValue()
				case "doc_id":
					if s := v.GetStringValue(); s != "" {
						id = s
					}
				default:
					meta[k] = v.GetStringValue()
				}
			}
		}
		result.IDs = append(result.IDs, id)
		result.Documents = append(result.Documents, doc)
		result.Metadatas = append(result.Metadatas, meta)
		result.Distances = append(result.Distances, 1-float64(point.Score))
	}

	c.store.logger.Debug().
		Str("collection", c.name).
		Int("results", len(result.IDs)).
		Dur("duration", time.Since(start)).
		Msg("query completed")

	return result, nil
}

func (c *qdrantCollection) Count(ctx context.Context) (int, error) {
	info, err := c.store.client.GetCollectionInfo(ctx, c.name)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection info: %w", err)
	}
	if info.PointsCount == nil {
		return 0, nil
	}
	return int(*info.PointsCount), nil
}

func (c *qdrantCollection) Dimension(ctx context.Context) (int, error) {
	info, err := c.store.client.GetCollectionInfo(ctx, c.name)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection info: %w", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return 0, nil
	}
	return int(params.Size), nil
}
