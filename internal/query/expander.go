package query

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// MaxVariants caps how many query variants fusion will search.
const MaxVariants = 3

// Expander derives fusion variants from a query plan.
type Expander struct {
	processor *Processor
	logger    zerolog.Logger
}

func NewExpander() *Expander {
	return &Expander{
		processor: NewProcessor(),
		logger:    observability.Logger("expander"),
	}
}

// Expand returns an ordered list of up to max variants. The standalone query
// always comes first; the lexical query follows when distinct; a rule-based
// paraphrase closes the list when one can be built. Variants never introduce
// statute numbers that the plan itself lacks.
func (e *Expander) Expand(plan models.QueryPlan, max int) []models.QueryVariant {
	if max <= 0 || max > MaxVariants {
		max = MaxVariants
	}

	variants := []models.QueryVariant{
		{Kind: models.VariantSemantic, Text: plan.Standalone},
	}
	seen := map[string]bool{normalizeVariant(plan.Standalone): true}

	if len(variants) < max && plan.Lexical != "" && !seen[normalizeVariant(plan.Lexical)] {
		variants = append(variants, models.QueryVariant{Kind: models.VariantLexical, Text: plan.Lexical})
		seen[normalizeVariant(plan.Lexical)] = true
	}

	if len(variants) < max {
		if para := e.paraphrase(plan); para != "" && !seen[normalizeVariant(para)] && !introducesStatute(para, plan.Standalone) {
			variants = append(variants, models.QueryVariant{Kind: models.VariantParaphrase, Text: para})
		}
	}

	e.logger.Debug().Int("variants", len(variants)).Msg("query expanded")
	return variants
}

// paraphrase reformulates the standalone query: question-pattern templates
// first, then entity-focused keyword concatenation, then plain keyword
// extraction for short queries.
func (e *Expander) paraphrase(plan models.QueryPlan) string {
	q := strings.TrimSpace(plan.Standalone)

	for _, tmpl := range paraphraseTemplates {
		if tmpl.pattern.MatchString(q) {
			return strings.TrimSpace(tmpl.pattern.ReplaceAllString(q, tmpl.replace))
		}
	}

	lower := strings.ToLower(q)
	for word, ctx := range legalContextWords {
		if strings.Contains(lower, word) {
			var parts []string
			for _, ent := range plan.Entities {
				parts = append(parts, ent.Value)
			}
			parts = append(parts, word, ctx)
			return strings.Join(parts, " ")
		}
	}

	if len(strings.Fields(q)) <= 6 {
		keywords := e.processor.ExtractKeywords(q)
		if len(keywords) >= 2 {
			return strings.Join(keywords, " ")
		}
	}
	return ""
}

func normalizeVariant(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// introducesStatute reports whether the candidate contains an SFS number the
// base query does not.
func introducesStatute(candidate, base string) bool {
	baseNums := make(map[string]bool)
	for _, m := range statuteRe.FindAllString(base, -1) {
		baseNums[m] = true
	}
	for _, m := range statuteRe.FindAllString(candidate, -1) {
		if !baseNums[m] {
			return true
		}
	}
	return false
}
