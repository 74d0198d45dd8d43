// Package critic hosts the self-reflection step and the deterministic
// critique/revise loop that repairs invalid structured responses.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/llm"
	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/internal/prompt"
	"github.com/rattsdata/rattsvar/internal/structured"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// MaxRevisions bounds the critique/revise loop.
const MaxRevisions = 2

// Completer is the slice of the LM client the critic needs.
type Completer interface {
	Complete(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, string, error)
}

// Reflection is the pre-generation evidence assessment. Its text never
// enters any downstream prompt.
type Reflection struct {
	ThoughtProcess           string   `json:"thought_process"`
	HasSufficientEvidence    bool     `json:"has_sufficient_evidence"`
	MissingEvidence          []string `json:"missing_evidence"`
	CitationPlan             []string `json:"citation_plan"`
	ConstitutionalCompliance bool     `json:"constitutional_compliance"`
	Confidence               float64  `json:"confidence"`
}

// Critique is the outcome of deterministic validation.
type Critique struct {
	OK           bool     `json:"ok"`
	Issues       []string `json:"issues,omitempty"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

// Critic validates and repairs candidate responses.
type Critic struct {
	client Completer
	logger zerolog.Logger
}

func New(client Completer) *Critic {
	return &Critic{client: client, logger: observability.Logger("critic")}
}

// SelfReflection asks the small model whether the retrieved sources can
// support an answer. A parse failure returns a conservative insufficient
// reflection rather than an error.
func (c *Critic) SelfReflection(ctx context.Context, query string, mode models.Mode, hits []models.SearchHit) Reflection {
	insufficient := Reflection{
		ThoughtProcess:        "reflektionen kunde inte tolkas",
		HasSufficientEvidence: false,
		Confidence:            0,
	}

	var sources strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sources, "%d. %s: %s\n", i+1, h.Title, h.Snippet)
	}

	p := fmt.Sprintf(`Bedöm om källorna räcker för att besvara frågan rättssäkert.
Fråga: %s
Läge: %s
Källor:
%s
Svara ENDAST med JSON: {"thought_process": "...", "has_sufficient_evidence": bool, "missing_evidence": ["..."], "citation_plan": ["..."], "constitutional_compliance": bool, "confidence": 0.0-1.0}`,
		query, mode.SchemaName(), sources.String())

	text, _, err := c.client.Complete(ctx, []llm.Message{{Role: "user", Content: p}},
		llm.Options{Temperature: 0, MaxTokens: 500, JSONMode: true})
	if err != nil {
		c.logger.Warn().Err(err).Msg("self-reflection call failed")
		return insufficient
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return insufficient
	}
	var r Reflection
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		c.logger.Warn().Msg("unparseable self-reflection")
		return insufficient
	}
	return r
}

// Critique runs the deterministic checks on a candidate. No LM call.
func (c *Critic) Critique(resp *models.StructuredResponse, mode models.Mode, sourceIDs map[string]bool) Critique {
	issues := structured.Validate(resp, mode, sourceIDs)
	if resp.Arbetsanteckning != "" {
		issues = append(issues, "arbetsanteckning must not leak")
	}
	crit := Critique{OK: len(issues) == 0, Issues: issues}
	if !crit.OK {
		crit.SuggestedFix = "apply deterministic field repairs"
	}
	return crit
}

// Revise applies the deterministic fixes a critique points at: default
// missing fields, strip the internal note, drop unknown citations and
// enforce the refusal shape in evidence mode. No LM call.
func (c *Critic) Revise(resp *models.StructuredResponse, mode models.Mode, sourceIDs map[string]bool) *models.StructuredResponse {
	out := *resp
	out.Arbetsanteckning = ""
	out.Mode = mode.SchemaName()

	if out.Kallor == nil {
		out.Kallor = []models.Kalla{}
	}
	if out.FaktaUtanKalla == nil {
		out.FaktaUtanKalla = []string{}
	}

	if sourceIDs != nil {
		kept := out.Kallor[:0:0]
		for _, k := range out.Kallor {
			if k.DocID != "" && k.ChunkID != "" && k.Citat != "" && k.Loc != "" && sourceIDs[k.DocID] {
				kept = append(kept, k)
			}
		}
		out.Kallor = kept
	}

	if mode == models.ModeEvidence {
		out.FaktaUtanKalla = []string{}
		if out.SaknasUnderlag || strings.TrimSpace(out.Svar) == "" {
			out.SaknasUnderlag = true
			out.Svar = prompt.RefusalTemplate
			out.Kallor = []models.Kalla{}
		}
	} else if strings.TrimSpace(out.Svar) == "" {
		out.Svar = prompt.AssistFallback
	}
	return &out
}

// ReviseLoop runs bounded critique/revision rounds. When the candidate is
// still invalid after the budget, evidence mode collapses to the refusal and
// assist mode to the safe fallback.
func (c *Critic) ReviseLoop(resp *models.StructuredResponse, mode models.Mode, sourceIDs map[string]bool, maxRevisions int) (*models.StructuredResponse, int) {
	if maxRevisions <= 0 || maxRevisions > MaxRevisions {
		maxRevisions = MaxRevisions
	}

	current := resp
	rounds := 0
	for ; rounds < maxRevisions; rounds++ {
		crit := c.Critique(current, mode, sourceIDs)
		if crit.OK {
			return current, rounds
		}
		c.logger.Debug().Strs("issues", crit.Issues).Int("round", rounds+1).Msg("revising candidate")
		current = c.Revise(current, mode, sourceIDs)
	}

	if crit := c.Critique(current, mode, sourceIDs); crit.OK {
		return current, rounds
	}

	c.logger.Warn().Str("mode", string(mode)).Msg("candidate still invalid after revision budget")
	if mode == models.ModeEvidence {
		return prompt.RefusalResponse(), rounds
	}
	return prompt.AssistFallbackResponse(), rounds
}
