package prompt

import (
	"strings"
	"testing"

	"github.com/rattsdata/rattsvar/pkg/models"
)

func TestContextBlock_Format(t *testing.T) {
	hits := []models.SearchHit{
		{Title: "Regeringsformen", Snippet: "Var och en är tillförsäkrad yttrandefrihet.", Score: 0.912, DocType: "statute"},
		{Title: "Prop. 2017/18:49", Snippet: "I propositionen föreslås ändringar.", Score: 0.654, DocType: "bill"},
	}
	block := ContextBlock(hits)

	want1 := "Källa 1: Regeringsformen [⭐ PRIORITET (SFS)] | Relevans: 0.912\nVar och en är tillförsäkrad yttrandefrihet."
	if !strings.Contains(block, want1) {
		t.Errorf("statute line wrong:\n%s", block)
	}
	want2 := "Källa 2: Prop. 2017/18:49 [Typ: BILL] | Relevans: 0.654\nI propositionen föreslås ändringar."
	if !strings.Contains(block, want2) {
		t.Errorf("bill line wrong:\n%s", block)
	}
	if strings.Count(block, "\n\n") != 1 {
		t.Errorf("sources must be separated by one blank line:\n%q", block)
	}
}

func TestContextBlock_TierAIsPriority(t *testing.T) {
	block := ContextBlock([]models.SearchHit{{Title: "OSL", Snippet: "x", Score: 0.5, DocType: "bill", Tier: "A"}})
	if !strings.Contains(block, "⭐ PRIORITET (SFS)") {
		t.Errorf("tier A must be flagged as priority: %s", block)
	}
}

func TestContextBlock_FallsBackToCollection(t *testing.T) {
	block := ContextBlock([]models.SearchHit{{Title: "Rapport", Snippet: "x", Score: 0.5, Collection: "forskning"}})
	if !strings.Contains(block, "[Typ: FORSKNING]") {
		t.Errorf("collection fallback missing: %s", block)
	}
}

func TestContextBlock_Empty(t *testing.T) {
	if ContextBlock(nil) != "" {
		t.Error("no hits must give an empty block")
	}
}

func TestSystem_PlaceholderNeverLeaks(t *testing.T) {
	for _, mode := range []models.Mode{models.ModeChat, models.ModeAssist, models.ModeEvidence} {
		for _, examples := range []string{"", "F: ...\nS: ..."} {
			p := System(mode, true, examples)
			if strings.Contains(p, ExamplesPlaceholder) {
				t.Errorf("placeholder leaked for mode %s", mode)
			}
		}
	}
}

func TestSystem_ExamplesSpliced(t *testing.T) {
	p := System(models.ModeEvidence, true, "F: Vad gäller?\nS: {...}")
	if !strings.Contains(p, "Exempel på korrekta svar:") {
		t.Error("examples heading missing")
	}
	if !strings.Contains(p, "F: Vad gäller?") {
		t.Error("example body missing")
	}
}

func TestSystem_SchemaOnlyWhenStructured(t *testing.T) {
	structured := System(models.ModeEvidence, true, "")
	plain := System(models.ModeEvidence, false, "")
	if !strings.Contains(structured, `"mode": "EVIDENCE"`) {
		t.Error("structured prompt lacks the schema")
	}
	if strings.Contains(plain, `"mode": "EVIDENCE"`) {
		t.Error("plain prompt must not carry the schema")
	}
}

func TestFormatExamples_CapsAtTwo(t *testing.T) {
	out := FormatExamples([]string{"ett", "två", "tre"})
	if strings.Contains(out, "tre") {
		t.Errorf("more than two examples rendered: %q", out)
	}
	if out != "ett\n---\ntvå" {
		t.Errorf("joined = %q", out)
	}
}

func TestUser_ContextFirst(t *testing.T) {
	got := User("Vad gäller?", "Källa 1: X [Typ: BILL] | Relevans: 0.500\nsnutt")
	if !strings.HasSuffix(got, "Fråga: Vad gäller?") {
		t.Errorf("question must come last: %q", got)
	}
	if User("Vad gäller?", "") != "Vad gäller?" {
		t.Error("empty context must pass the question through")
	}
}

func TestCanonicalResponsesValidShape(t *testing.T) {
	r := RefusalResponse()
	if !r.SaknasUnderlag || r.Svar != RefusalTemplate || len(r.Kallor) != 0 || len(r.FaktaUtanKalla) != 0 {
		t.Errorf("refusal shape wrong: %+v", r)
	}
	a := AssistFallbackResponse()
	if a.SaknasUnderlag || a.Svar != AssistFallback || a.Mode != "ASSIST" {
		t.Errorf("assist fallback shape wrong: %+v", a)
	}
}
