// Package guardrail applies post-generation safety: term corrections for
// outdated legal vocabulary, security pattern checks on queries and
// responses, citation validation and evidence-level assignment.
package guardrail

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/internal/query"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Guardrail status values.
const (
	StatusUnchanged = "unchanged"
	StatusCorrected = "corrected"
	StatusRejected  = "rejected"
)

// MaxQueryLength is the hard query size cap.
const MaxQueryLength = 2000

// correction is one entry of the static term-correction table. The pattern
// must not match its own replacement, which makes the table idempotent.
type correction struct {
	pattern    *regexp.Regexp
	replace    string
	confidence float64
}

// Outdated Swedish legal terms: renamed authorities and repealed acts.
var corrections = []correction{
	{regexp.MustCompile(`(?i)\bDatainspektionen\b`), "Integritetsskyddsmyndigheten", 0.95},
	{regexp.MustCompile(`(?i)\bpersonuppgiftslagen\b`), "dataskyddsförordningen", 0.9},
	{regexp.MustCompile(`(?i)\bPuL\b`), "GDPR", 0.9},
	{regexp.MustCompile(`(?i)\bRikspolisstyrelsen\b`), "Polismyndigheten", 0.95},
	{regexp.MustCompile(`(?i)\bFörsäkringsöverdomstolen\b`), "Högsta förvaltningsdomstolen", 0.85},
	{regexp.MustCompile(`(?i)\bRegeringsrätten\b`), "Högsta förvaltningsdomstolen", 0.95},
	{regexp.MustCompile(`(?i)\blagen om allmän försäkring\b`), "socialförsäkringsbalken", 0.9},
	{regexp.MustCompile(`(?i)\bsekretesslagen \(1980:100\)`), "offentlighets- och sekretesslagen (2009:400)", 0.95},
	{regexp.MustCompile(`(?i)\bKonsumentombudsmannen och Konsumentverket\b`), "Konsumentverket", 0.8},
	{regexp.MustCompile(`(?i)\bYrkesinspektionen\b`), "Arbetsmiljöverket", 0.9},
}

// securityPatterns are the closed pattern classes for prompt injection,
// jailbreaks, shell-exec lures and system-prompt extraction.
var securityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) (instructions|rules|prompts)`),
	regexp.MustCompile(`(?i)ignorera (alla )?(tidigare|ovanstående) (instruktioner|regler)`),
	regexp.MustCompile(`(?i)\b(jailbreak|DAN mode|developer mode enabled)\b`),
	regexp.MustCompile(`(?i)you are now\s+(?:an?\s+)?(?:unrestricted|unfiltered)`),
	regexp.MustCompile(`(?i)(reveal|show|print|repeat)\s+(your\s+)?(system\s+prompt|instructions|hidden rules)`),
	regexp.MustCompile(`(?i)(visa|avslöja|upprepa)\s+(din\s+)?(systemprompt|systeminstruktion)`),
	regexp.MustCompile("(?i)(;|&&|\\|\\|)\\s*(rm|curl|wget|bash|sh|nc)\\b|`[^`]*(rm|curl|wget)[^`]*`"),
	regexp.MustCompile(`(?i)<\s*script[\s>]`),
	regexp.MustCompile(`(?i)\bBEGIN (SYSTEM|ADMIN) OVERRIDE\b`),
}

var citationMarkerRe = regexp.MustCompile(`\[Källa (\d+)\]`)

// Result is the outcome of the full post-generation validation.
type Result struct {
	Text          string               `json:"text"`
	Corrections   []models.Correction  `json:"corrections,omitempty"`
	Status        string               `json:"status"`
	EvidenceLevel models.EvidenceLevel `json:"evidence_level"`
	Confidence    float64              `json:"confidence"`
}

// Guardrail holds the static tables. Read-only after construction.
type Guardrail struct {
	logger zerolog.Logger
}

func New() *Guardrail {
	return &Guardrail{logger: observability.Logger("guardrail")}
}

// ApplyCorrections replaces outdated terms per the static table. Applying
// the result again is a no-op.
func (g *Guardrail) ApplyCorrections(text string) (string, []models.Correction) {
	var applied []models.Correction
	for _, c := range corrections {
		matches := c.pattern.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		text = c.pattern.ReplaceAllString(text, c.replace)
		applied = append(applied, models.Correction{
			From:       matches[0],
			To:         c.replace,
			Count:      len(matches),
			Confidence: c.confidence,
		})
	}
	if len(applied) > 0 {
		observability.LogEvent(g.logger, observability.EventGuardrailApplied, map[string]any{
			"corrections": len(applied),
		})
	}
	return text, applied
}

// CheckSecurityViolations reports the first matched security pattern class,
// or empty when the text is clean.
func (g *Guardrail) CheckSecurityViolations(text string) string {
	for _, re := range securityPatterns {
		if re.MatchString(text) {
			return re.String()
		}
	}
	return ""
}

// CheckQuerySafety rejects queries that match a security pattern, exceed the
// hard length cap, or look like shouting/noise when long.
func (g *Guardrail) CheckQuerySafety(q string) error {
	if pattern := g.CheckSecurityViolations(q); pattern != "" {
		observability.LogEvent(g.logger, observability.EventSecurityViolation, map[string]any{
			"where": "query",
		})
		return models.NewError(models.ErrSecurityViolation, "frågan innehåller otillåtna mönster")
	}
	if len(q) > MaxQueryLength {
		return models.NewError(models.ErrValidation, fmt.Sprintf("frågan är för lång (%d tecken, max %d)", len(q), MaxQueryLength))
	}

	runes := []rune(q)
	if len(runes) > 50 {
		upper, letters, special := 0, 0, 0
		for _, r := range runes {
			switch {
			case unicode.IsUpper(r):
				upper++
				letters++
			case unicode.IsLetter(r):
				letters++
			case !unicode.IsSpace(r) && !unicode.IsNumber(r):
				special++
			}
		}
		if letters > 0 && float64(upper)/float64(letters) > 0.8 {
			return models.NewError(models.ErrValidation, "frågan är nästan helt versaler")
		}
		if float64(special)/float64(len(runes)) > 0.3 {
			return models.NewError(models.ErrValidation, "frågan innehåller för många specialtecken")
		}
	}
	return nil
}

// ValidateCitations enforces citation-marker format in evidence mode: every
// marker must point at an existing source and no marker may repeat.
func (g *Guardrail) ValidateCitations(text string, sourceCount int) error {
	seen := map[string]bool{}
	for _, m := range citationMarkerRe.FindAllStringSubmatch(text, -1) {
		n := 0
		fmt.Sscanf(m[1], "%d", &n)
		if n < 1 || n > sourceCount {
			return models.NewError(models.ErrValidation,
				fmt.Sprintf("citeringen %s pekar utanför källistan (%d källor)", m[0], sourceCount))
		}
		if seen[m[0]] {
			return models.NewError(models.ErrValidation,
				fmt.Sprintf("citeringen %s upprepas", m[0]))
		}
		seen[m[0]] = true
	}
	return nil
}

// ValidateResponse composes corrections, security checks, citation checks
// and evidence-level assignment into the final verdict on a response text.
func (g *Guardrail) ValidateResponse(text, q string, mode models.Mode, sources []models.SearchHit) (*Result, error) {
	if pattern := g.CheckSecurityViolations(text); pattern != "" {
		observability.LogEvent(g.logger, observability.EventSecurityViolation, map[string]any{
			"where": "response",
			"mode":  string(mode),
		})
		if mode == models.ModeChat {
			return nil, models.NewError(models.ErrSecurityViolation, "svaret innehåller otillåtna mönster")
		}
		return &Result{Status: StatusRejected, EvidenceLevel: models.EvidenceNone}, nil
	}

	corrected, applied := g.ApplyCorrections(text)
	status := StatusUnchanged
	if len(applied) > 0 {
		status = StatusCorrected
	}

	if mode == models.ModeEvidence {
		if err := g.ValidateCitations(corrected, len(sources)); err != nil {
			return nil, err
		}
	}

	level := query.DetermineEvidenceLevel(sources, corrected)
	if !strings.Contains(corrected, "[Källa") && mode == models.ModeEvidence && level != models.EvidenceNone {
		level = models.EvidenceLow
	}

	conf := 1.0
	for _, c := range applied {
		if c.Confidence < conf {
			conf = c.Confidence
		}
	}

	return &Result{
		Text:          corrected,
		Corrections:   applied,
		Status:        status,
		EvidenceLevel: level,
		Confidence:    conf,
	}, nil
}
