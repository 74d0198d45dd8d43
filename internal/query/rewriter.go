package query

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Rewriter builds a standalone query plan from a raw query and history.
// Pure rule-based; no LM involved.
type Rewriter struct {
	logger zerolog.Logger
}

func NewRewriter() *Rewriter {
	return &Rewriter{logger: observability.Logger("rewriter")}
}

// NeedsRewrite reports whether a query cannot stand alone: it contains an
// anaphoric pronoun, or is three tokens or fewer with no explicit entity.
func (r *Rewriter) NeedsRewrite(query string) bool {
	tokens := strings.Fields(strings.ToLower(query))
	for _, tok := range tokens {
		if pronouns[strings.Trim(tok, ".,;:!?")] {
			return true
		}
	}
	return len(tokens) <= 3 && len(ExtractEntities(query)) == 0
}

// Rewrite resolves the query against history and derives the lexical query
// and must-include token list.
func (r *Rewriter) Rewrite(query string, history []models.Turn) models.QueryPlan {
	plan := models.QueryPlan{
		Original:     query,
		Standalone:   query,
		NeedsRewrite: r.NeedsRewrite(query),
	}

	entities := ExtractEntities(query)
	if plan.NeedsRewrite && len(history) > 0 {
		histEntities := HistoryEntities(history, models.MaxHistoryTurns)
		if best := BestEntity(histEntities); best != nil {
			plan.Standalone = replaceFirstPronoun(query, entityPhrase(*best))
			entities = append(entities, histEntities...)
		}
	}
	plan.Entities = dedupEntities(entities)
	plan.Confidence = entityConfidence(plan.Entities)

	plan.Lexical = r.buildLexicalQuery(plan.Standalone, plan.Entities)
	for _, e := range plan.Entities {
		if (e.Type == models.EntityStatute || e.Type == models.EntityAbbreviation) && e.Confidence >= 0.9 {
			plan.MustInclude = append(plan.MustInclude, e.Value)
		}
	}

	if plan.Standalone != plan.Original {
		r.logger.Debug().
			Str("original", plan.Original).
			Str("standalone", plan.Standalone).
			Msg("query rewritten")
	}
	return plan
}

// entityPhrase renders an entity for inline substitution. Abbreviations get
// their full statute name alongside.
func entityPhrase(e models.Entity) string {
	if full, ok := Abbreviations[e.Value]; ok {
		return e.Value + " (" + full + ")"
	}
	return e.Value
}

// replaceFirstPronoun swaps the first anaphoric pronoun for the phrase. When
// no pronoun is found the phrase is appended as a context clause.
func replaceFirstPronoun(query, phrase string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		stripped := strings.Trim(strings.ToLower(f), ".,;:!?")
		if pronouns[stripped] {
			punct := ""
			if len(f) > len(stripped) {
				punct = f[len(stripped):]
			}
			fields[i] = phrase + punct
			return strings.Join(fields, " ")
		}
	}
	return strings.TrimRight(query, " ?") + " (" + phrase + ")?"
}

// buildLexicalQuery joins detected entity values and the remaining
// non-stopword tokens, preserving original token order.
func (r *Rewriter) buildLexicalQuery(standalone string, entities []models.Entity) string {
	var parts []string
	seen := make(map[string]bool)
	for _, e := range entities {
		if !seen[e.Value] {
			seen[e.Value] = true
			parts = append(parts, e.Value)
		}
	}
	for _, word := range wordRe.FindAllString(strings.ToLower(standalone), -1) {
		word = strings.Trim(word, ".,;:!?")
		if len([]rune(word)) < 3 || Stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		parts = append(parts, word)
	}
	return strings.Join(parts, " ")
}

func dedupEntities(entities []models.Entity) []models.Entity {
	var out []models.Entity
	seen := make(map[string]bool)
	for _, e := range entities {
		key := string(e.Type) + ":" + e.Value
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// CheckGuardrails validates a rewritten query against the original and, when
// snippets from a probe retrieval are available, against retrieved content.
// Any failure means the caller should fall back to the original query.
func (r *Rewriter) CheckGuardrails(plan models.QueryPlan, history []models.Turn, topSnippets []string) bool {
	if plan.Standalone == plan.Original {
		return true
	}

	origLen := len([]rune(plan.Original))
	rewLen := len([]rune(plan.Standalone))
	if origLen > 0 && (rewLen*2 < origLen || rewLen > origLen*3) {
		r.logger.Warn().
			Str("standalone", plan.Standalone).
			Msg("rewrite guardrail: length out of bounds")
		return false
	}

	// No entities may appear that are absent from original ∪ history.
	allowed := make(map[string]bool)
	for _, e := range ExtractEntities(plan.Original) {
		allowed[e.Value] = true
	}
	for _, e := range HistoryEntities(history, models.MaxHistoryTurns) {
		allowed[e.Value] = true
	}
	for _, e := range ExtractEntities(plan.Standalone) {
		if !allowed[e.Value] {
			r.logger.Warn().
				Str("entity", e.Value).
				Msg("rewrite guardrail: introduced entity")
			return false
		}
	}

	if len(topSnippets) > 0 && len(plan.MustInclude) > 0 {
		joined := strings.ToLower(strings.Join(topSnippets, " "))
		hit := false
		for _, token := range plan.MustInclude {
			if strings.Contains(joined, strings.ToLower(token)) {
				hit = true
				break
			}
		}
		if !hit {
			r.logger.Warn().
				Strs("must_include", plan.MustInclude).
				Msg("rewrite guardrail: no must-include token in top snippets")
			return false
		}
	}
	return true
}
