package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func chromaTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"nanosecond heartbeat": 1})
	})
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "c1", "name": "lagtext", "metadata": map[string]any{"dimension": 4.0}},
			{"id": "c2", "name": "forskning"},
		})
	})
	mux.HandleFunc("/api/v1/collections/lagtext", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "c1", "name": "lagtext", "metadata": map[string]any{"dimension": 4.0}})
	})
	mux.HandleFunc("/api/v1/collections/c1/query", func(w http.ResponseWriter, r *http.Request) {
		var req chromaQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad query body: %v", err)
		}
		if len(req.QueryEmbeddings) != 1 {
			t.Errorf("expected 1 query embedding, got %d", len(req.QueryEmbeddings))
		}
		json.NewEncoder(w).Encode(chromaQueryResponse{
			IDs:       [][]string{{"d1", "d2"}},
			Documents: [][]string{{"Tryckfrihetsförordningen...", "Regeringsformen..."}},
			Metadatas: [][]map[string]any{{
				{"title": "TF", "doc_type": "statute"},
				{"title": "RF", "doc_type": "statute"},
			}},
			Distances: [][]float64{{0.1, 0.4}},
		})
	})
	mux.HandleFunc("/api/v1/collections/c1/count", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(1234)
	})
	return httptest.NewServer(mux)
}

func TestChroma_Query(t *testing.T) {
	srv := chromaTestServer(t)
	defer srv.Close()

	s, err := NewChroma(ChromaConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewChroma failed: %v", err)
	}
	ctx := context.Background()

	names, err := s.ListCollections(ctx)
	if err != nil {
		t.Fatalf("ListCollections failed: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("expected 2 collections, got %v", names)
	}

	col, err := s.Collection(ctx, "lagtext")
	if err != nil {
		t.Fatalf("Collection failed: %v", err)
	}

	res, err := col.Query(ctx, []float32{0.1, 0.2, 0.3, 0.4}, QueryOptions{NResults: 5})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res.IDs) != 2 || res.IDs[0] != "d1" {
		t.Errorf("unexpected ids: %v", res.IDs)
	}
	if res.Metadatas[0]["title"] != "TF" {
		t.Errorf("unexpected metadata: %v", res.Metadatas[0])
	}
	if res.Distances[1] != 0.4 {
		t.Errorf("unexpected distances: %v", res.Distances)
	}

	count, err := col.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1234 {
		t.Errorf("expected count 1234, got %d", count)
	}
}

func TestChroma_DimensionFromMetadata(t *testing.T) {
	srv := chromaTestServer(t)
	defer srv.Close()

	s, _ := NewChroma(ChromaConfig{BaseURL: srv.URL})
	ctx := context.Background()

	col, err := s.Collection(ctx, "lagtext")
	if err != nil {
		t.Fatalf("Collection failed: %v", err)
	}
	dim, err := col.Dimension(ctx)
	if err != nil {
		t.Fatalf("Dimension failed: %v", err)
	}
	if dim != 4 {
		t.Errorf("expected dimension 4, got %d", dim)
	}
}

func TestVerifyDimensions(t *testing.T) {
	srv := chromaTestServer(t)
	defer srv.Close()

	s, _ := NewChroma(ChromaConfig{BaseURL: srv.URL})
	ctx := context.Background()

	if err := VerifyDimensions(ctx, s, 4, []string{"lagtext"}); err != nil {
		t.Errorf("expected dimension 4 to verify: %v", err)
	}
	if err := VerifyDimensions(ctx, s, 768, []string{"lagtext"}); err == nil {
		t.Error("expected mismatch error for dimension 768")
	}
}

func TestChroma_HealthCheck(t *testing.T) {
	srv := chromaTestServer(t)
	defer srv.Close()

	s, _ := NewChroma(ChromaConfig{BaseURL: srv.URL})
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}
