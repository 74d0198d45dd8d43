package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
)

// ChromaConfig configures the Chroma HTTP backend. BaseURL accepts the
// chromadb_path configuration value; a bare host:port is promoted to http.
type ChromaConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ChromaStore implements Store against a ChromaDB HTTP server.
type ChromaStore struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger

	mu  sync.RWMutex
	ids map[string]string // collection name -> chroma collection id
}

// NewChroma creates a Chroma-backed store.
func NewChroma(cfg ChromaConfig) (*ChromaStore, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	if !strings.HasPrefix(cfg.BaseURL, "http") {
		cfg.BaseURL = "http://" + cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &ChromaStore{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  observability.Logger("vectorstore.chroma"),
		ids:     make(map[string]string),
	}, nil
}

type chromaCollectionInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// ListCollections returns collection names.
func (s *ChromaStore) ListCollections(ctx context.Context) ([]string, error) {
	var infos []chromaCollectionInfo
	if err := s.get(ctx, "/api/v1/collections", &infos); err != nil {
		return nil, err
	}

	names := make([]string, len(infos))
	s.mu.Lock()
	for i, info := range infos {
		names[i] = info.Name
		s.ids[info.Name] = info.ID
	}
	s.mu.Unlock()
	return names, nil
}

// Collection returns a handle for a named collection.
func (s *ChromaStore) Collection(ctx context.Context, name string) (Collection, error) {
	s.mu.RLock()
	id, ok := s.ids[name]
	s.mu.RUnlock()

	if !ok {
		var info chromaCollectionInfo
		if err := s.get(ctx, "/api/v1/collections/"+name, &info); err != nil {
			return nil, fmt.Errorf("collection %s not found: %w", name, err)
		}
		id = info.ID
		s.mu.Lock()
		s.ids[name] = id
		s.mu.Unlock()
		return &chromaCollection{store: s, name: name, id: id, metadata: info.Metadata}, nil
	}
	return &chromaCollection{store: s, name: name, id: id}, nil
}

// HealthCheck verifies the server answers.
func (s *ChromaStore) HealthCheck(ctx context.Context) error {
	var beat map[string]any
	if err := s.get(ctx, "/api/v1/heartbeat", &beat); err != nil {
		return fmt.Errorf("vector store health check failed: %w", err)
	}
	return nil
}

// Close is a no-op for the HTTP backend.
func (s *ChromaStore) Close() error { return nil }

type chromaCollection struct {
	store    *ChromaStore
	name     string
	id       string
	metadata map[string]any
}

func (c *chromaCollection) Name() string { return c.name }

type chromaQueryRequest struct {
	QueryEmbeddings [][]float32       `json:"query_embeddings"`
	NResults        int               `json:"n_results"`
	Where           map[string]string `json:"where,omitempty"`
	Include         []string          `json:"include"`
}

type chromaQueryResponse struct {
	IDs       [][]string            `json:"ids"`
	Documents [][]string            `json:"documents"`
	Metadatas [][]map[string]any    `json:"metadatas"`
	Distances [][]float64           `json:"distances"`
}

// Query runs a nearest-neighbour search. The outer response dimension is 1
// because exactly one embedding is sent per call.
func (c *chromaCollection) Query(ctx context.Context, embedding []float32, opts QueryOptions) (*QueryResult, error) {
	if opts.NResults <= 0 {
		opts.NResults = 10
	}

	start := time.Now()

	req := chromaQueryRequest{
		QueryEmbeddings: [][]float32{embedding},
		NResults:        opts.NResults,
		Where:           opts.Where,
		Include:         []string{"metadatas", "documents", "distances"},
	}

	var resp chromaQueryResponse
	if err := c.store.post(ctx, "/api/v1/collections/"+c.id+"/query", req, &resp); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	result := &QueryResult{}
	if len(resp.IDs) > 0 {
		result.IDs = resp.IDs[0]
	}
	if len(resp.Documents) > 0 {
		result.Documents = resp.Documents[0]
	}
	if len(resp.Distances) > 0 {
		result.Distances = resp.Distances[0]
	}
	if len(resp.Metadatas) > 0 {
		result.Metadatas = make([]map[string]string, len(resp.Metadatas[0]))
		for i, m := range resp.Metadatas[0] {
			meta := make(map[string]string, len(m))
			for k, v := range m {
				meta[k] = fmt.Sprintf("%v", v)
			}
			result.Metadatas[i] = meta
		}
	}

	c.store.logger.Debug().
		Str("collection", c.name).
		Int("results", len(result.IDs)).
		Dur("duration", time.Since(start)).
		Msg("query completed")

	return result, nil
}

func (c *chromaCollection) Count(ctx context.Context) (int, error) {
	var count int
	if err := c.store.get(ctx, "/api/v1/collections/"+c.id+"/count", &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Dimension reads the dimension from collection metadata when the indexer
// recorded one; 0 means unknown.
func (c *chromaCollection) Dimension(ctx context.Context) (int, error) {
	meta := c.metadata
	if meta == nil {
		var info chromaCollectionInfo
		if err := c.store.get(ctx, "/api/v1/collections/"+c.name, &info); err != nil {
			return 0, err
		}
		meta = info.Metadata
	}
	if meta == nil {
		return 0, nil
	}
	if v, ok := meta["dimension"]; ok {
		if f, ok := v.(float64); ok {
			return int(f), nil
		}
	}
	return 0, nil
}

// --- HTTP helpers ---

func (s *ChromaStore) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	return s.do(req, out)
}

func (s *ChromaStore) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *ChromaStore) do(req *http.Request, out any) error {
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("chroma returned status %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
