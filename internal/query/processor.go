package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Intent is the coarse category a query falls into for collection routing.
type Intent string

const (
	IntentSmalltalk         Intent = "smalltalk"
	IntentAbbreviation      Intent = "abbreviation"
	IntentClarification     Intent = "clarification"
	IntentParliamentTrace   Intent = "parliament_trace"
	IntentPolicyArguments   Intent = "policy_arguments"
	IntentResearchSynthesis Intent = "research_synthesis"
	IntentPracticalProcess  Intent = "practical_process"
	IntentLegalText         Intent = "legal_text"
	IntentUnknown           Intent = "unknown"
)

// IntentResult is the outcome of intent classification.
type IntentResult struct {
	Intent               Intent   `json:"intent"`
	Confidence           float64  `json:"confidence"`
	SuggestedCollections []string `json:"suggested_collections"`
}

// Classification is the outcome of mode classification.
type Classification struct {
	Mode   models.Mode `json:"mode"`
	Reason string      `json:"reason"`
}

// DecontextResult is the outcome of history-based decontextualization.
type DecontextResult struct {
	Original   string          `json:"original"`
	Rewritten  string          `json:"rewritten"`
	Entities   []models.Entity `json:"entities"`
	Confidence float64         `json:"confidence"`
}

// Processor performs rule-based query understanding. All methods are
// deterministic and never fail; stateless and safe for concurrent use.
type Processor struct {
	logger zerolog.Logger
}

func NewProcessor() *Processor {
	return &Processor{logger: observability.Logger("query")}
}

// Classify picks the response mode for a query. Chat patterns are checked
// before evidence patterns so a greeting containing a legal word stays chat.
// An empty query defaults to assist.
func (p *Processor) Classify(query string) Classification {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return Classification{Mode: models.ModeAssist, Reason: "empty query"}
	}

	for _, re := range chatPatterns {
		if re.MatchString(trimmed) {
			return Classification{Mode: models.ModeChat, Reason: "chat pattern: " + re.String()}
		}
	}
	for _, re := range evidencePatterns {
		if re.MatchString(trimmed) {
			return Classification{Mode: models.ModeEvidence, Reason: "evidence pattern: " + re.String()}
		}
	}
	for _, word := range wordRe.FindAllString(trimmed, -1) {
		if _, ok := Abbreviations[strings.Trim(word, ".,;:!?")]; ok {
			return Classification{Mode: models.ModeEvidence, Reason: "statute abbreviation: " + word}
		}
	}
	return Classification{Mode: models.ModeAssist, Reason: "default"}
}

// Decontextualize resolves a follow-up query against recent history. When
// the query is short or follow-up shaped and recent turns mention legal
// entities, up to three of those entities are appended as a context clause.
func (p *Processor) Decontextualize(query string, history []models.Turn) DecontextResult {
	result := DecontextResult{Original: query, Rewritten: query}
	if len(history) == 0 {
		return result
	}

	if !isFollowup(query) {
		result.Entities = ExtractEntities(query)
		result.Confidence = entityConfidence(result.Entities)
		return result
	}

	entities := HistoryEntities(history, models.MaxHistoryTurns)
	if len(entities) == 0 {
		return result
	}
	if len(entities) > 3 {
		entities = entities[:3]
	}

	names := make([]string, 0, len(entities))
	for _, e := range entities {
		value := e.Value
		if full, ok := Abbreviations[e.Value]; ok {
			value = e.Value + " (" + full + ")"
		}
		names = append(names, value)
	}

	result.Rewritten = strings.TrimRight(query, " ?") + " (gäller " + strings.Join(names, ", ") + ")?"
	result.Entities = entities
	result.Confidence = entityConfidence(entities)

	p.logger.Debug().
		Str("original", query).
		Str("rewritten", result.Rewritten).
		Int("entities", len(entities)).
		Msg("query decontextualized")

	return result
}

func entityConfidence(entities []models.Entity) float64 {
	conf := 0.3 + 0.2*float64(len(entities))
	if conf > 1.0 {
		conf = 1.0
	}
	if len(entities) == 0 {
		conf = 0.0
	}
	return conf
}

// isFollowup reports whether a query depends on prior turns: it starts with
// a follow-up marker, contains an anaphoric pronoun, or is very short.
func isFollowup(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range followupPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	tokens := strings.Fields(lower)
	for _, tok := range tokens {
		if pronouns[strings.Trim(tok, ".,;:!?")] {
			return true
		}
	}
	return len(tokens) <= 3 && len(ExtractEntities(query)) == 0
}

var (
	abbrEdgeRe      = regexp.MustCompile(`^\s*([A-ZÅÄÖ][a-zåäöA-ZÅÄÖ]{1,6})\s+(\d+:\d+)\s*$`)
	clarificationRe = regexp.MustCompile(`(?i)^\s*(vad\s+menar\s+du|kan\s+du\s+förtydliga|förstår\s+inte|vad\s+betyder\s+det)\b`)
	parliamentRe    = regexp.MustCompile(`(?i)\b(proposition(en)?|motion(en|er)?|betänkande(t|n)?|utskott(et)?s?|riksdagsbehandling|votering|remiss(en|er)?|SOU\s+\d{4}:\d+|prop\.?\s*\d{4}/\d{2,4})\b`)
	policyRe        = regexp.MustCompile(`(?i)\b(argument(en|era)?|för-?\s*och\s*nackdelar|debatt(en)?|kritik(en)?|ståndpunkt(er)?|skäl(en)?\s+(för|mot))\b`)
	researchRe      = regexp.MustCompile(`(?i)\b(forskning(en)?|studie(r|n)?|rapport(er|en)?|utvärdering(ar|en)?|evidens|kunskapsläge(t)?)\b`)
	practicalRe     = regexp.MustCompile(`(?i)\b(hur\s+(ansöker|överklagar|anmäler|gör)\s+(jag|man)|ansök(a|an)|blankett(en)?|handläggningstid|steg\s+för\s+steg|process(en)?\s+för)\b`)
	legalTextRe     = regexp.MustCompile(`(?i)(\d{4}:\d+|\d+\s*kap|\d+\s*§|\bvad\s+säger\s+lagen\b|\blagtext(en)?\b|\bordagrant\b|\bparagraf(en)?\b)`)
)

// ClassifyIntent classifies a query into a routing intent. Rules are checked
// in strict priority order; the first match wins.
func (p *Processor) ClassifyIntent(query string) IntentResult {
	trimmed := strings.TrimSpace(query)

	for _, re := range chatPatterns {
		if re.MatchString(trimmed) {
			return IntentResult{Intent: IntentSmalltalk, Confidence: 0.95}
		}
	}
	if m := abbrEdgeRe.FindStringSubmatch(trimmed); m != nil {
		if _, ok := Abbreviations[m[1]]; ok {
			return IntentResult{
				Intent:               IntentAbbreviation,
				Confidence:           0.95,
				SuggestedCollections: []string{"lagtext"},
			}
		}
	}
	if clarificationRe.MatchString(trimmed) {
		return IntentResult{Intent: IntentClarification, Confidence: 0.85}
	}
	if parliamentRe.MatchString(trimmed) {
		return IntentResult{
			Intent:               IntentParliamentTrace,
			Confidence:           0.8,
			SuggestedCollections: []string{"riksdagstryck", "forarbeten"},
		}
	}
	if policyRe.MatchString(trimmed) {
		return IntentResult{
			Intent:               IntentPolicyArguments,
			Confidence:           0.75,
			SuggestedCollections: []string{"forarbeten", "riksdagstryck"},
		}
	}
	if researchRe.MatchString(trimmed) {
		return IntentResult{
			Intent:               IntentResearchSynthesis,
			Confidence:           0.75,
			SuggestedCollections: []string{"forskning"},
		}
	}
	if practicalRe.MatchString(trimmed) {
		return IntentResult{
			Intent:               IntentPracticalProcess,
			Confidence:           0.7,
			SuggestedCollections: []string{"myndighetsvagledning"},
		}
	}
	if legalTextRe.MatchString(trimmed) || hasAbbreviation(trimmed) {
		return IntentResult{
			Intent:               IntentLegalText,
			Confidence:           0.8,
			SuggestedCollections: []string{"lagtext"},
		}
	}
	return IntentResult{Intent: IntentUnknown, Confidence: 0.3}
}

func hasAbbreviation(text string) bool {
	for _, word := range wordRe.FindAllString(text, -1) {
		if _, ok := Abbreviations[strings.Trim(word, ".,;:!?")]; ok {
			return true
		}
	}
	return false
}

// ExtractKeywords returns stopword-filtered tokens of at least three
// characters, longest first. Ties keep input order.
func (p *Processor) ExtractKeywords(query string) []string {
	var keywords []string
	seen := make(map[string]bool)
	for _, word := range wordRe.FindAllString(strings.ToLower(query), -1) {
		word = strings.Trim(word, ".,;:!?")
		if len([]rune(word)) < 3 || Stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	sort.SliceStable(keywords, func(i, j int) bool {
		return len([]rune(keywords[i])) > len([]rune(keywords[j]))
	})
	return keywords
}

// DetermineEvidenceLevel grades how well the retrieved sources support the
// answer. HIGH needs multiple strong statute or bill sources or a very high
// mean; LOW needs any sources with a decent mean.
func DetermineEvidenceLevel(sources []models.SearchHit, answer string) models.EvidenceLevel {
	if len(sources) == 0 {
		return models.EvidenceNone
	}

	strong := 0
	sum := 0.0
	for _, s := range sources {
		sum += s.Score
		if s.Score > 0.7 && (s.DocType == "statute" || s.DocType == "bill") {
			strong++
		}
	}
	mean := sum / float64(len(sources))

	switch {
	case strong >= 2 || mean > 0.75:
		return models.EvidenceHigh
	case mean > 0.4:
		return models.EvidenceLow
	default:
		return models.EvidenceNone
	}
}

// DescribeEntities renders an entity list for logs.
func DescribeEntities(entities []models.Entity) string {
	parts := make([]string, 0, len(entities))
	for _, e := range entities {
		parts = append(parts, fmt.Sprintf("%s=%s", e.Type, e.Value))
	}
	return strings.Join(parts, ", ")
}
