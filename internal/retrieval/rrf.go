package retrieval

import (
	"sort"

	"github.com/rattsdata/rattsvar/pkg/models"
)

// fuseRRF merges per-variant result lists by reciprocal-rank fusion:
// RRF(d) = Σ 1/(k + rank_i(d)) over the variants d appears in, ranks
// 1-indexed. The fused Score is the RRF score; the best original similarity
// is kept in OrigScore.
func fuseRRF(lists [][]models.SearchHit, k int) []models.SearchHit {
	if k <= 0 {
		k = 60
	}

	type fused struct {
		hit      models.SearchHit
		rrf      float64
		variants int
	}
	byID := make(map[string]*fused)
	order := []string{}

	for _, list := range lists {
		for rank, h := range list {
			f, ok := byID[h.ID]
			if !ok {
				f = &fused{hit: h}
				f.hit.OrigScore = h.Score
				byID[h.ID] = f
				order = append(order, h.ID)
			} else if h.Score > f.hit.OrigScore {
				f.hit.OrigScore = h.Score
				f.hit.Snippet = h.Snippet
				f.hit.Title = h.Title
			}
			f.rrf += 1.0 / float64(k+rank+1)
			f.variants++
		}
	}

	out := make([]models.SearchHit, 0, len(order))
	for _, id := range order {
		f := byID[id]
		f.hit.RRFScore = f.rrf
		f.hit.Score = f.rrf
		f.hit.Variants = f.variants
		f.hit.Retriever = "fusion"
		out = append(out, f.hit)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RRFScore != b.RRFScore {
			return a.RRFScore > b.RRFScore
		}
		if a.Tier != b.Tier {
			return tierRank(a.Tier) < tierRank(b.Tier)
		}
		if a.Collection != b.Collection {
			return a.Collection < b.Collection
		}
		return a.ID < b.ID
	})
	return out
}

// computeFusionMetrics compares the first variant's unique documents to the
// fused union.
func computeFusionMetrics(lists [][]models.SearchHit) *models.FusionMetrics {
	m := &models.FusionMetrics{Variants: len(lists)}
	if len(lists) == 0 {
		return m
	}

	first := make(map[string]bool)
	for _, h := range lists[0] {
		first[h.ID] = true
	}
	m.UniqueDocsBefore = len(first)

	seenIn := make(map[string]int)
	for _, list := range lists {
		perList := make(map[string]bool)
		for _, h := range list {
			if !perList[h.ID] {
				perList[h.ID] = true
				seenIn[h.ID]++
			}
		}
	}
	m.UniqueDocsAfter = len(seenIn)

	if m.UniqueDocsBefore > 0 {
		m.FusionGain = float64(m.UniqueDocsAfter-m.UniqueDocsBefore) / float64(m.UniqueDocsBefore)
	}
	if m.UniqueDocsAfter > 0 {
		multi := 0
		for _, n := range seenIn {
			if n >= 2 {
				multi++
			}
		}
		m.OverlapRatio = float64(multi) / float64(m.UniqueDocsAfter)
	}
	return m
}
