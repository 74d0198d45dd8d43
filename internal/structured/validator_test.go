package structured

import (
	"context"
	"strings"
	"testing"

	"github.com/rattsdata/rattsvar/internal/prompt"
	"github.com/rattsdata/rattsvar/pkg/models"
)

const validEvidenceJSON = `{
	"mode": "EVIDENCE",
	"saknas_underlag": false,
	"svar": "Enligt 2 kap. 1 § gäller yttrandefrihet [Källa 1].",
	"kallor": [{"doc_id": "rf-2-1", "chunk_id": "c1", "citat": "yttrandefrihet", "loc": "2 kap. 1 §"}],
	"fakta_utan_kalla": [],
	"arbetsanteckning": "internt"
}`

func TestParseLLMJSON_Plain(t *testing.T) {
	resp, err := ParseLLMJSON(validEvidenceJSON)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if resp.Mode != "EVIDENCE" || len(resp.Kallor) != 1 {
		t.Errorf("unexpected parse result: %+v", resp)
	}
}

func TestParseLLMJSON_CodeFence(t *testing.T) {
	wrapped := "```json\n" + validEvidenceJSON + "\n```"
	resp, err := ParseLLMJSON(wrapped)
	if err != nil {
		t.Fatalf("fenced JSON should parse: %v", err)
	}
	if resp.Svar == "" {
		t.Error("svar lost in fenced parse")
	}
}

func TestParseLLMJSON_PrefersWidestSpan(t *testing.T) {
	text := `{"liten": true} något emellan ` + validEvidenceJSON + ` och lite efter`
	resp, err := ParseLLMJSON(text)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if resp.Mode != "EVIDENCE" {
		t.Errorf("widest object should win, got %+v", resp)
	}
}

func TestParseLLMJSON_BracesInsideStrings(t *testing.T) {
	text := `{"mode": "ASSIST", "saknas_underlag": false, "svar": "se {1 kap}", "kallor": [], "fakta_utan_kalla": []}`
	resp, err := ParseLLMJSON(text)
	if err != nil {
		t.Fatalf("braces inside strings must not break balancing: %v", err)
	}
	if !strings.Contains(resp.Svar, "{1 kap}") {
		t.Errorf("svar mangled: %q", resp.Svar)
	}
}

func TestParseLLMJSON_NoObject(t *testing.T) {
	if _, err := ParseLLMJSON("bara löptext utan json"); err == nil {
		t.Error("expected error for object-free text")
	}
}

func TestValidate_EvidenceRules(t *testing.T) {
	base := func() *models.StructuredResponse {
		resp, _ := ParseLLMJSON(validEvidenceJSON)
		return resp
	}
	sources := map[string]bool{"rf-2-1": true}

	if issues := Validate(base(), models.ModeEvidence, sources); len(issues) != 0 {
		t.Fatalf("valid response flagged: %v", issues)
	}

	wrongMode := base()
	wrongMode.Mode = "ASSIST"
	if issues := Validate(wrongMode, models.ModeEvidence, sources); len(issues) == 0 {
		t.Error("mode mismatch should be flagged")
	}

	facts := base()
	facts.FaktaUtanKalla = []string{"påstående"}
	if issues := Validate(facts, models.ModeEvidence, sources); len(issues) == 0 {
		t.Error("fakta_utan_kalla must be empty in evidence mode")
	}

	unknownSource := base()
	unknownSource.Kallor[0].DocID = "okänd"
	if issues := Validate(unknownSource, models.ModeEvidence, sources); len(issues) == 0 {
		t.Error("citation outside retrieved sources should be flagged")
	}

	refusal := base()
	refusal.SaknasUnderlag = true
	refusal.Svar = "Jag vet inte."
	refusal.Kallor = []models.Kalla{}
	if issues := Validate(refusal, models.ModeEvidence, sources); len(issues) == 0 {
		t.Error("refusal must use the exact template")
	}

	properRefusal := base()
	properRefusal.SaknasUnderlag = true
	properRefusal.Svar = prompt.RefusalTemplate
	properRefusal.Kallor = []models.Kalla{}
	if issues := Validate(properRefusal, models.ModeEvidence, sources); len(issues) != 0 {
		t.Errorf("canonical refusal flagged: %v", issues)
	}
}

func TestValidate_RevalidationStable(t *testing.T) {
	resp, _ := ParseLLMJSON(validEvidenceJSON)
	sources := map[string]bool{"rf-2-1": true}
	if issues := Validate(resp, models.ModeEvidence, sources); len(issues) != 0 {
		t.Fatalf("first validation failed: %v", issues)
	}
	if issues := Validate(resp, models.ModeEvidence, sources); len(issues) != 0 {
		t.Errorf("re-validation must stay clean: %v", issues)
	}
}

func TestStripInternalNote(t *testing.T) {
	resp, _ := ParseLLMJSON(validEvidenceJSON)
	if resp.Arbetsanteckning == "" {
		t.Fatal("fixture should carry a note")
	}
	clean := StripInternalNote(resp)
	if clean.Arbetsanteckning != "" {
		t.Error("note must be stripped")
	}
	if resp.Arbetsanteckning == "" {
		t.Error("input must not be mutated")
	}
}

func TestValidateWithRetries_RetryWithStrictInstruction(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context, instruction string) (string, error) {
		calls++
		if calls == 1 {
			if instruction != "" {
				t.Errorf("first attempt must have no instruction, got %q", instruction)
			}
			return "trasig json", nil
		}
		if instruction != prompt.RetryInstruction {
			t.Errorf("retry must carry the strict instruction, got %q", instruction)
		}
		return validEvidenceJSON, nil
	}

	v := NewValidator()
	resp, issues, err := v.ValidateWithRetries(context.Background(), fn, models.ModeEvidence, map[string]bool{"rf-2-1": true})
	if err != nil {
		t.Fatalf("retry flow failed: %v", err)
	}
	if resp == nil {
		t.Fatalf("expected success on retry, issues: %v", issues)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestValidateWithRetries_GivesUpAfterTwo(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context, _ string) (string, error) {
		calls++
		return "aldrig json", nil
	}
	v := NewValidator()
	resp, issues, err := v.ValidateWithRetries(context.Background(), fn, models.ModeAssist, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != nil {
		t.Error("expected nil response after exhausted retries")
	}
	if calls != MaxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxAttempts, calls)
	}
	if len(issues) == 0 {
		t.Error("expected issues describing the failure")
	}
}
