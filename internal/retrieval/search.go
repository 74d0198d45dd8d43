package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rattsdata/rattsvar/internal/vectorstore"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// snippetLimit is the maximum snippet length in runes.
const snippetLimit = 200

// truncateSnippet cuts a document body to the snippet limit with an
// ellipsis.
func truncateSnippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetLimit {
		return text
	}
	return string(runes[:snippetLimit]) + "…"
}

// normalizeDistance maps a backend distance to a similarity in (0,1].
func normalizeDistance(d float64) float64 {
	return 1.0 / (1.0 + d)
}

// searchCollection runs one dense query against one collection, bounded by
// the retriever's per-search timeout. A timeout never fails the request; it
// yields an empty list and a recorded flag.
func (r *Retriever) searchCollection(ctx context.Context, embedding []float32, collection string, k int, filter map[string]string, timedOut *timeoutSet) []models.SearchHit {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()

	col, err := r.store.Collection(ctx, collection)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			timedOut.add(collection)
		} else {
			r.logger.Warn().Err(err).Str("collection", collection).Msg("collection unavailable")
		}
		return nil
	}

	result, err := col.Query(ctx, embedding, vectorstore.QueryOptions{NResults: k, Where: filter})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			timedOut.add(collection)
			r.logger.Warn().Str("collection", collection).Msg("collection search timed out")
		} else {
			r.logger.Warn().Err(err).Str("collection", collection).Msg("collection search failed")
		}
		return nil
	}

	hits := make([]models.SearchHit, 0, len(result.IDs))
	for i, id := range result.IDs {
		hit := models.SearchHit{
			ID:         id,
			Score:      normalizeDistance(result.Distances[i]),
			Collection: collection,
			Retriever:  "dense",
		}
		if i < len(result.Documents) {
			hit.Snippet = truncateSnippet(result.Documents[i])
		}
		if i < len(result.Metadatas) && result.Metadatas[i] != nil {
			meta := result.Metadatas[i]
			hit.Title = meta["title"]
			hit.DocType = meta["doc_type"]
			hit.Date = meta["date"]
			hit.Metadata = meta
		}
		hits = append(hits, hit)
	}
	return hits
}

// searchParallel fans one embedding out across collections concurrently.
// Total wall clock tracks the slowest collection, not the sum. Results are
// deduplicated by id keeping the highest score, then sorted.
func (r *Retriever) searchParallel(ctx context.Context, embedding []float32, collections []string, k int, filter map[string]string, timedOut *timeoutSet) []models.SearchHit {
	var mu sync.Mutex
	var all []models.SearchHit

	g, gctx := errgroup.WithContext(ctx)
	for _, collection := range collections {
		g.Go(func() error {
			hits := r.searchCollection(gctx, embedding, collection, k, filter, timedOut)
			mu.Lock()
			all = append(all, hits...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return sortHits(dedupHits(all))
}

// searchSequential is the legacy path: one collection after another.
func (r *Retriever) searchSequential(ctx context.Context, embedding []float32, collections []string, k int, filter map[string]string, timedOut *timeoutSet) []models.SearchHit {
	var all []models.SearchHit
	for _, collection := range collections {
		all = append(all, r.searchCollection(ctx, embedding, collection, k, filter, timedOut)...)
	}
	return sortHits(dedupHits(all))
}

// dedupHits keeps the highest-scoring hit per document id.
func dedupHits(hits []models.SearchHit) []models.SearchHit {
	best := make(map[string]models.SearchHit, len(hits))
	order := make([]string, 0, len(hits))
	for _, h := range hits {
		prev, ok := best[h.ID]
		if !ok {
			order = append(order, h.ID)
			best[h.ID] = h
			continue
		}
		if h.Score > prev.Score {
			best[h.ID] = h
		}
	}
	out := make([]models.SearchHit, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

// sortHits orders by score descending with deterministic tie-breaking by
// tier, then collection name, then id.
func sortHits(hits []models.SearchHit) []models.SearchHit {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Tier != b.Tier {
			return tierRank(a.Tier) < tierRank(b.Tier)
		}
		if a.Collection != b.Collection {
			return a.Collection < b.Collection
		}
		return a.ID < b.ID
	})
	return hits
}

func tierRank(tier string) int {
	switch tier {
	case "A":
		return 0
	case "B":
		return 1
	case "C":
		return 2
	case "":
		return 3
	}
	return 4
}

// computeScoreStats summarizes the score distribution. Entropy is the
// normalized Shannon entropy of the score mass; 1 means flat, 0 means a
// single dominant hit.
func computeScoreStats(hits []models.SearchHit) models.ScoreStats {
	if len(hits) == 0 {
		return models.ScoreStats{}
	}

	var stats models.ScoreStats
	sum := 0.0
	for _, h := range hits {
		if h.Score > stats.Top {
			stats.Top = h.Score
		}
		sum += h.Score
	}
	stats.Mean = sum / float64(len(hits))

	variance := 0.0
	for _, h := range hits {
		d := h.Score - stats.Mean
		variance += d * d
	}
	stats.Std = math.Sqrt(variance / float64(len(hits)))

	if len(hits) > 1 && sum > 0 {
		entropy := 0.0
		for _, h := range hits {
			p := h.Score / sum
			if p > 0 {
				entropy -= p * math.Log(p)
			}
		}
		stats.Entropy = entropy / math.Log(float64(len(hits)))
	}
	return stats
}

// applySimilarityThreshold drops hits below the threshold unless that would
// empty the set; then the top three survive with a warning.
func (r *Retriever) applySimilarityThreshold(hits []models.SearchHit) []models.SearchHit {
	threshold := r.cfg.SimilarityThreshold
	if threshold <= 0 || len(hits) == 0 {
		return hits
	}

	kept := make([]models.SearchHit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= threshold {
			kept = append(kept, h)
		}
	}
	if len(kept) > 0 {
		return kept
	}

	n := 3
	if len(hits) < n {
		n = len(hits)
	}
	r.logger.Warn().
		Float64("threshold", threshold).
		Int("kept", n).
		Msg("all hits below similarity threshold, keeping top results")
	return hits[:n]
}

// timeoutSet collects collection names that hit their search timeout.
type timeoutSet struct {
	mu    sync.Mutex
	names []string
}

func (t *timeoutSet) add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.names {
		if n == name {
			return
		}
	}
	t.names = append(t.names, name)
	sort.Strings(t.names)
}

func (t *timeoutSet) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.names...)
}

// topSnippets returns the lowercase snippets of the first n hits, used by
// rewrite guardrails.
func topSnippets(hits []models.SearchHit, n int) []string {
	if len(hits) < n {
		n = len(hits)
	}
	out := make([]string, 0, n)
	for _, h := range hits[:n] {
		out = append(out, strings.ToLower(h.Title+" "+h.Snippet))
	}
	return out
}
