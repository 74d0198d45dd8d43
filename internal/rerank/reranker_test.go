package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rattsdata/rattsvar/pkg/models"
)

func rerankServer(t *testing.T, scores []float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		entries := make([]rerankEntry, len(req.Texts))
		for i := range req.Texts {
			entries[i] = rerankEntry{Index: i, Score: scores[i%len(scores)]}
		}
		json.NewEncoder(w).Encode(entries)
	}))
}

func TestRerank_OrdersByTransformedScore(t *testing.T) {
	// Second document gets the higher logit.
	srv := rerankServer(t, []float64{-2.0, 3.0})
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL})
	hits := []models.SearchHit{
		{ID: "weak", Title: "A", Snippet: "irrelevant", Score: 0.9},
		{ID: "strong", Title: "B", Snippet: "relevant", Score: 0.1},
	}
	res, err := r.Rerank(context.Background(), "fråga", hits, 2)
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if res.Hits[0].ID != "strong" {
		t.Errorf("cross-encoder order should win, got %s first", res.Hits[0].ID)
	}
	if s := res.Hits[0].Score; s <= 0.5 || s >= 1 {
		t.Errorf("positive logit should map above 0.5, got %f", s)
	}
	if s := res.Hits[1].Score; s >= 0.5 || s <= 0 {
		t.Errorf("negative logit should map below 0.5, got %f", s)
	}
	if res.OrigScores[0] != 0.9 {
		t.Errorf("original scores must be preserved, got %v", res.OrigScores)
	}
}

func TestRerank_TopKTruncates(t *testing.T) {
	srv := rerankServer(t, []float64{1.0})
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL})
	hits := []models.SearchHit{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	res, err := r.Rerank(context.Background(), "q", hits, 2)
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Errorf("expected top 2, got %d", len(res.Hits))
	}
}

func TestRerank_OOMFallsBackToCPU(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		json.NewDecoder(r.Body).Decode(&req)
		if calls.Add(1) == 1 {
			http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
			return
		}
		if req.Device != "cpu" {
			t.Errorf("retry should request cpu, got %q", req.Device)
		}
		json.NewEncoder(w).Encode([]rerankEntry{{Index: 0, Score: 1.0}})
	}))
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL})
	res, err := r.Rerank(context.Background(), "q", []models.SearchHit{{ID: "a"}}, 1)
	if err != nil {
		t.Fatalf("Rerank should survive OOM via cpu fallback: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected exactly one retry, got %d calls", calls.Load())
	}
	if res.Device != "cpu" {
		t.Errorf("device should report cpu after fallback, got %s", res.Device)
	}
}

func TestRerank_EmptyInput(t *testing.T) {
	r := New(Config{BaseURL: "http://unused"})
	res, err := r.Rerank(context.Background(), "q", nil, 5)
	if err != nil {
		t.Fatalf("empty input must not fail: %v", err)
	}
	if len(res.Hits) != 0 {
		t.Errorf("expected no hits, got %d", len(res.Hits))
	}
}

func TestRerankBatch(t *testing.T) {
	srv := rerankServer(t, []float64{0.5})
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL})
	queries := []string{"q1", "q2"}
	hitSets := [][]models.SearchHit{{{ID: "a"}}, {{ID: "b"}}}
	results, err := r.RerankBatch(context.Background(), queries, hitSets, 1)
	if err != nil {
		t.Fatalf("RerankBatch failed: %v", err)
	}
	if len(results) != 2 || results[0] == nil || results[1] == nil {
		t.Fatalf("expected 2 results, got %v", results)
	}
	if results[0].Hits[0].ID != "a" || results[1].Hits[0].ID != "b" {
		t.Error("results must align with input order")
	}
}
