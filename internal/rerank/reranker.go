// Package rerank scores (query, document) pairs with an out-of-process
// cross-encoder service and reorders result sets by the transformed scores.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Config holds reranker settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	TopK    int
}

// Result carries the reranked hits plus before/after scores and latency.
type Result struct {
	Hits       []models.SearchHit
	OrigScores []float64
	Scores     []float64
	ElapsedMs  int64
	Device     string
}

// Reranker is a lazy-initialized client for a TEI-style /rerank endpoint.
// The model is loaded server-side on the first call; on a reported GPU
// out-of-memory condition the client retries once asking for CPU scoring.
type Reranker struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu     sync.Mutex
	ready  bool
	device string
}

func New(cfg Config) *Reranker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Reranker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: observability.Logger("rerank"),
		device: "cuda",
	}
}

type rerankRequest struct {
	Query  string   `json:"query"`
	Texts  []string `json:"texts"`
	Device string   `json:"device,omitempty"`
}

type rerankEntry struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank scores each hit's title+snippet against the query in one batch,
// maps raw logits to [0,1] with a logistic transform, sorts descending and
// truncates to topK.
func (r *Reranker) Rerank(ctx context.Context, query string, hits []models.SearchHit, topK int) (*Result, error) {
	if len(hits) == 0 {
		return &Result{}, nil
	}
	if topK <= 0 || topK > len(hits) {
		topK = len(hits)
	}
	start := time.Now()

	texts := make([]string, len(hits))
	origScores := make([]float64, len(hits))
	for i, h := range hits {
		texts[i] = strings.TrimSpace(h.Title + "\n" + h.Snippet)
		origScores[i] = h.Score
	}

	entries, err := r.score(ctx, query, texts)
	if err != nil {
		return nil, err
	}

	scored := make([]models.SearchHit, len(hits))
	scores := make([]float64, len(hits))
	copy(scored, hits)
	for _, e := range entries {
		if e.Index < 0 || e.Index >= len(scored) {
			continue
		}
		s := logistic(e.Score)
		scored[e.Index].Score = s
		scores[e.Index] = s
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	scored = scored[:topK]

	res := &Result{
		Hits:       scored,
		OrigScores: origScores,
		Scores:     scores,
		ElapsedMs:  time.Since(start).Milliseconds(),
		Device:     r.currentDevice(),
	}
	r.logger.Debug().
		Int("candidates", len(hits)).
		Int("kept", len(scored)).
		Int64("elapsed_ms", res.ElapsedMs).
		Msg("rerank completed")
	return res, nil
}

// RerankBatch reranks several (query, hits) pairs concurrently.
func (r *Reranker) RerankBatch(ctx context.Context, queries []string, hitSets [][]models.SearchHit, topK int) ([]*Result, error) {
	results := make([]*Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i := range queries {
		g.Go(func() error {
			res, err := r.Rerank(gctx, queries[i], hitSets[i], topK)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// score posts one scoring batch, downgrading to CPU once when the service
// reports GPU memory exhaustion.
func (r *Reranker) score(ctx context.Context, query string, texts []string) ([]rerankEntry, error) {
	entries, err := r.post(ctx, rerankRequest{Query: query, Texts: texts, Device: r.currentDevice()})
	if err != nil && isOOM(err) && r.currentDevice() != "cpu" {
		r.logger.Warn().Msg("cross-encoder reported OOM, retrying on cpu")
		r.setDevice("cpu")
		entries, err = r.post(ctx, rerankRequest{Query: query, Texts: texts, Device: "cpu"})
	}
	if err != nil {
		return nil, models.Wrap(models.ErrReranker, "cross-encoder scoring failed", err)
	}
	return entries, nil
}

func (r *Reranker) post(ctx context.Context, reqBody rerankRequest) ([]rerankEntry, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service returned %d: %s", resp.StatusCode, string(body))
	}

	var entries []rerankEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
	return entries, nil
}

func (r *Reranker) currentDevice() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device
}

func (r *Reranker) setDevice(d string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device = d
}

func isOOM(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") || strings.Contains(msg, "cuda")
}

// logistic maps a raw cross-encoder logit to [0,1].
func logistic(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
