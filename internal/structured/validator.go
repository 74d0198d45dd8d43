// Package structured parses and validates the JSON responses the language
// model returns in non-chat modes.
package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/internal/prompt"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// MaxAttempts caps parse/validation attempts per request (first call plus
// one strict-JSON retry).
const MaxAttempts = 2

// ParseLLMJSON extracts a structured response from raw LM output. It
// tolerates code fences, leading and trailing prose, and multiple brace
// groups by preferring the widest balanced {...} span.
func ParseLLMJSON(text string) (*models.StructuredResponse, error) {
	candidate := widestBalancedObject(text)
	if candidate == "" {
		return nil, models.NewError(models.ErrValidation, "no JSON object found in model output")
	}

	var resp models.StructuredResponse
	if err := json.Unmarshal([]byte(candidate), &resp); err != nil {
		return nil, models.Wrap(models.ErrValidation, "malformed JSON in model output", err)
	}
	return &resp, nil
}

// widestBalancedObject returns the longest balanced {...} span, skipping
// braces inside JSON strings.
func widestBalancedObject(text string) string {
	best := ""
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			switch {
			case escaped:
				escaped = false
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					if span := text[start : i+1]; len(span) > len(best) {
						best = span
					}
					i = len(text)
				}
			}
		}
	}
	return best
}

// Validate checks a parsed response against the mode rules. sourceIDs is the
// set of retrieved doc_ids; pass nil to skip the citation-origin check.
// Returns the list of violations; empty means valid.
func Validate(resp *models.StructuredResponse, mode models.Mode, sourceIDs map[string]bool) []string {
	var issues []string

	if resp.Mode != mode.SchemaName() {
		issues = append(issues, fmt.Sprintf("mode is %q, expected %q", resp.Mode, mode.SchemaName()))
	}
	if strings.TrimSpace(resp.Svar) == "" {
		issues = append(issues, "svar is empty")
	}
	if resp.Kallor == nil {
		issues = append(issues, "kallor is missing")
	}
	if resp.FaktaUtanKalla == nil {
		issues = append(issues, "fakta_utan_kalla is missing")
	}

	for i, k := range resp.Kallor {
		if k.DocID == "" || k.ChunkID == "" || k.Citat == "" || k.Loc == "" {
			issues = append(issues, fmt.Sprintf("kallor[%d] is missing doc_id, chunk_id, citat or loc", i))
		}
		if sourceIDs != nil && k.DocID != "" && !sourceIDs[k.DocID] {
			issues = append(issues, fmt.Sprintf("kallor[%d].doc_id %q is not among the retrieved sources", i, k.DocID))
		}
	}

	if mode == models.ModeEvidence {
		if len(resp.FaktaUtanKalla) > 0 {
			issues = append(issues, "fakta_utan_kalla must be empty in evidence mode")
		}
		if resp.SaknasUnderlag {
			if len(resp.Kallor) > 0 {
				issues = append(issues, "kallor must be empty when saknas_underlag is true")
			}
			if resp.Svar != prompt.RefusalTemplate {
				issues = append(issues, "svar must be the refusal template when saknas_underlag is true")
			}
		}
	}
	return issues
}

// StripInternalNote clears the internal working note. Call before anything
// leaves the service.
func StripInternalNote(resp *models.StructuredResponse) *models.StructuredResponse {
	out := *resp
	out.Arbetsanteckning = ""
	return &out
}

// CallFn produces one candidate answer. extraInstruction is empty on the
// first attempt and the strict-JSON instruction on the retry.
type CallFn func(ctx context.Context, extraInstruction string) (string, error)

// Validator runs the parse/validate/retry loop.
type Validator struct {
	logger zerolog.Logger
}

func NewValidator() *Validator {
	return &Validator{logger: observability.Logger("structured")}
}

// ValidateWithRetries calls fn, parses and validates; on a parse or
// validation failure it re-asks once with the strict-JSON instruction. The
// final failure returns the last issues so the caller can fall back.
func (v *Validator) ValidateWithRetries(ctx context.Context, fn CallFn, mode models.Mode, sourceIDs map[string]bool) (*models.StructuredResponse, []string, error) {
	var lastIssues []string

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		instruction := ""
		if attempt > 1 {
			instruction = prompt.RetryInstruction
		}

		text, err := fn(ctx, instruction)
		if err != nil {
			return nil, lastIssues, err
		}

		resp, err := ParseLLMJSON(text)
		if err != nil {
			lastIssues = []string{err.Error()}
			v.logger.Warn().Int("attempt", attempt).Msg("model output is not parseable JSON")
			continue
		}

		if issues := Validate(resp, mode, sourceIDs); len(issues) > 0 {
			lastIssues = issues
			v.logger.Warn().Int("attempt", attempt).Strs("issues", issues).Msg("structured response invalid")
			continue
		}
		return resp, nil, nil
	}
	return nil, lastIssues, nil
}
