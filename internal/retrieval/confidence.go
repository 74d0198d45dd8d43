package retrieval

import (
	"strings"

	"github.com/rattsdata/rattsvar/internal/lexical"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Signal thresholds. A breach on any of them keeps the adaptive loop
// escalating. top_score and margin are on the RRF scale.
const (
	thresholdTopScore           = 0.025
	thresholdMargin             = 0.003
	thresholdMustIncludeHitRate = 0.5
	thresholdNearDuplicate      = 0.7
	thresholdLexicalOverlap     = 0.15
	thresholdOverallConfidence  = 0.4
)

// Overall-confidence weights.
const (
	weightTopScore        = 0.20
	weightMargin          = 0.10
	weightMustInclude     = 0.25
	weightLexicalOverlap  = 0.20
	weightDiversity       = 0.10
	weightFusionAgreement = 0.15
	penaltyNoEntities     = 0.20
)

// queryTokens is the token set used for lexical-overlap scoring: case-folded
// tokens of at least three characters, numbers excluded, stopwords kept.
// Keeping stopwords makes gibberish queries score near zero instead of
// matching nothing and being skipped.
func queryTokens(query string) []string {
	var out []string
	for _, tok := range lexical.Tokenize(query) {
		if len([]rune(tok)) < 3 || isNumeric(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != ':' && r != '.' {
			return false
		}
	}
	return len(s) > 0
}

// computeSignals derives the confidence features of a result set against the
// query plan and fusion metrics.
func computeSignals(hits []models.SearchHit, plan models.QueryPlan, fusion *models.FusionMetrics) *models.ConfidenceSignals {
	s := &models.ConfidenceSignals{
		HasEntities: len(plan.Entities) > 0,
	}
	tokens := queryTokens(plan.Standalone)
	s.QueryTokenCount = len(tokens)

	if fusion != nil {
		s.FusionGain = fusion.FusionGain
		s.OverlapRatio = fusion.OverlapRatio
	}

	if len(hits) > 0 {
		s.TopScore = hits[0].Score
		if len(hits) > 1 {
			s.Margin = hits[0].Score - hits[1].Score
		} else {
			s.Margin = hits[0].Score
		}
	}

	sources := make(map[string]bool)
	corpus := make([]string, 0, len(hits))
	for _, h := range hits {
		id := h.ID
		if h.Metadata != nil && h.Metadata["doc_id"] != "" {
			id = h.Metadata["doc_id"]
		}
		sources[id] = true
		corpus = append(corpus, strings.ToLower(h.Title+" "+h.Snippet))
	}
	s.UniqueSources = len(sources)
	s.NearDuplicateRatio = nearDuplicateRatio(hits)

	if len(plan.MustInclude) > 0 {
		joined := strings.Join(corpus, " ")
		found := 0
		for _, token := range plan.MustInclude {
			if strings.Contains(joined, strings.ToLower(token)) {
				found++
			}
		}
		s.MustIncludeHitRate = float64(found) / float64(len(plan.MustInclude))
	} else if len(hits) > 0 {
		// Nothing was required, nothing is missing.
		s.MustIncludeHitRate = 1.0
	}

	s.LexicalOverlap = lexicalOverlap(tokens, corpus)
	if s.MustIncludeHitRate >= 0.5 && s.HasEntities {
		if boosted := 0.5 * s.MustIncludeHitRate; s.LexicalOverlap < boosted {
			s.LexicalOverlap = boosted
		}
	}

	s.OverallConfidence = overallConfidence(s)
	s.Tier = confidenceTier(s.OverallConfidence)
	return s
}

// lexicalOverlap is the fraction of query tokens whose stem appears in at
// least one of the top ten hit snippets.
func lexicalOverlap(tokens []string, corpus []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	if len(corpus) > 10 {
		corpus = corpus[:10]
	}
	joined := strings.Join(corpus, " ")
	found := 0
	for _, tok := range tokens {
		if strings.Contains(joined, lexical.Stem(tok)) {
			found++
		}
	}
	return float64(found) / float64(len(tokens))
}

// titleFingerprintLen is the normalized-title prefix length used to group
// hits for the near-duplicate ratio.
const titleFingerprintLen = 24

// nearDuplicateRatio is the fraction of hits whose title-prefix fingerprint
// matches an earlier hit. Chunks of the same document share a title and
// collapse onto one fingerprint.
func nearDuplicateRatio(hits []models.SearchHit) float64 {
	if len(hits) < 2 {
		return 0
	}
	seen := make(map[string]bool, len(hits))
	duplicates := 0
	for _, h := range hits {
		fp := titleFingerprint(h.Title)
		if seen[fp] {
			duplicates++
			continue
		}
		seen[fp] = true
	}
	return float64(duplicates) / float64(len(hits))
}

func titleFingerprint(title string) string {
	t := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	r := []rune(t)
	if len(r) > titleFingerprintLen {
		r = r[:titleFingerprintLen]
	}
	return string(r)
}

// overallConfidence folds the signals into [0,1]. RRF-scale top_score and
// margin are normalized against four times their breach thresholds so a
// comfortably healthy value saturates at 1.
func overallConfidence(s *models.ConfidenceSignals) float64 {
	topNorm := clamp01(s.TopScore / (4 * thresholdTopScore))
	marginNorm := clamp01(s.Margin / (4 * thresholdMargin))
	diversity := 1 - s.NearDuplicateRatio

	conf := weightTopScore*topNorm +
		weightMargin*marginNorm +
		weightMustInclude*s.MustIncludeHitRate +
		weightLexicalOverlap*s.LexicalOverlap +
		weightDiversity*diversity +
		weightFusionAgreement*s.OverlapRatio

	if s.QueryTokenCount > 0 && !s.HasEntities {
		conf -= penaltyNoEntities
	}
	return clamp01(conf)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func confidenceTier(conf float64) models.ConfidenceTier {
	switch {
	case conf >= 0.7:
		return models.TierHigh
	case conf >= 0.4:
		return models.TierMedium
	case conf >= 0.25:
		return models.TierLow
	default:
		return models.TierVeryLow
	}
}

// breachedThresholds returns the reason codes of every breached signal
// threshold. Empty means the result set is good enough to stop escalating.
func breachedThresholds(s *models.ConfidenceSignals, hasMustInclude bool) []string {
	var reasons []string
	if s.TopScore < thresholdTopScore {
		reasons = append(reasons, "low_top_score")
	}
	if s.Margin < thresholdMargin {
		reasons = append(reasons, "low_margin")
	}
	if hasMustInclude && s.MustIncludeHitRate < thresholdMustIncludeHitRate {
		reasons = append(reasons, "must_include_miss")
	}
	if s.NearDuplicateRatio > thresholdNearDuplicate {
		reasons = append(reasons, "high_duplication")
	}
	if s.LexicalOverlap < thresholdLexicalOverlap {
		reasons = append(reasons, "low_lexical_overlap")
	}
	if s.OverallConfidence < thresholdOverallConfidence {
		reasons = append(reasons, "low_overall_confidence")
	}
	return reasons
}

// applyAbstentionPolicy marks the signals for abstention when the final
// result set cannot support a grounded answer.
func applyAbstentionPolicy(s *models.ConfidenceSignals) {
	switch {
	case s.TopScore == 0:
		s.ShouldAbstain = true
		s.AbstainReason = "no_results"
	case s.LexicalOverlap < 0.05:
		s.ShouldAbstain = true
		s.AbstainReason = "no_lexical_grounding"
	case s.OverallConfidence < 0.25:
		s.ShouldAbstain = true
		s.AbstainReason = "very_low_confidence"
	case !s.HasEntities && s.LexicalOverlap < 0.3:
		s.ShouldAbstain = true
		s.AbstainReason = "ungrounded_query"
	}
}
