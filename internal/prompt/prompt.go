// Package prompt assembles the mode-specific system prompts, the retrieved
// context block and the few-shot example splice. The refusal template and the
// assist fallback are verbatim contracts and must not be reworded.
package prompt

import (
	"fmt"
	"strings"

	"github.com/rattsdata/rattsvar/pkg/models"
)

// RefusalTemplate is the exact EVIDENCE refusal text.
const RefusalTemplate = "Tyvärr kan jag inte besvara frågan utifrån de dokument som har hämtats i den här sökningen. Underlag saknas för att ge ett rättssäkert svar, och jag kan därför inte spekulera. Om du vill kan du omformulera frågan eller ange vilka dokument/avsnitt du vill att jag ska söker i."

// AssistFallback is the exact ASSIST safe-fallback text.
const AssistFallback = "Jag kunde inte tolka modellens strukturerade svar. Försök igen."

// ExamplesPlaceholder marks where retrieved few-shot examples are spliced
// into the system prompt.
const ExamplesPlaceholder = "{{CONSTITUTIONAL_EXAMPLES}}"

// RetryInstruction is appended when the LM returned invalid JSON.
const RetryInstruction = "Du returnerade ogiltig JSON. Returnera ENDAST giltig JSON enligt schemat, inga backticks, ingen löptext."

const rolePreamble = `Du är en juridisk assistent för svenska rätts- och myndighetskällor. Du svarar på svenska, sakligt och precist.`

const evidenceRules = `Regler (EVIDENCE):
- Använd ENDAST de källor som tillhandahålls nedan.
- Varje påstående måste citera sin källa som [Källa N].
- SFS-nummer ska återges ordagrant när de förekommer i källorna.
- Om källorna inte räcker för ett rättssäkert svar: använd avböjningstexten och sätt saknas_underlag=true.`

const assistRules = `Regler (ASSIST):
- Föredra de tillhandahållna källorna och citera dem som [Källa N].
- Allmän kunskap får användas men ska listas i fakta_utan_kalla.`

const chatRules = `Regler (CHAT):
- Inga källor, ingen markdown.
- Svara kort, max 2-3 meningar.`

const evidenceSchema = `Svara ENDAST med JSON enligt schemat:
{
  "mode": "EVIDENCE",
  "saknas_underlag": bool,
  "svar": "text med [Källa N]-citeringar",
  "kallor": [{"doc_id": "...", "chunk_id": "...", "citat": "...", "loc": "..."}],
  "fakta_utan_kalla": [],
  "arbetsanteckning": "intern anteckning, visas aldrig för användaren"
}`

const assistSchema = `Svara ENDAST med JSON enligt schemat:
{
  "mode": "ASSIST",
  "saknas_underlag": bool,
  "svar": "text med [Källa N]-citeringar där källor finns",
  "kallor": [{"doc_id": "...", "chunk_id": "...", "citat": "...", "loc": "..."}],
  "fakta_utan_kalla": ["påståenden utan källa"],
  "arbetsanteckning": "intern anteckning, visas aldrig för användaren"
}`

// System assembles the system prompt for a mode. structured toggles the JSON
// schema block; examples replaces the placeholder (pass "" for none).
func System(mode models.Mode, structured bool, examples string) string {
	var b strings.Builder
	b.WriteString(rolePreamble)
	b.WriteString("\n\n")

	switch mode {
	case models.ModeEvidence:
		b.WriteString(evidenceRules)
		if structured {
			b.WriteString("\n\n")
			b.WriteString(evidenceSchema)
		}
	case models.ModeChat:
		b.WriteString(chatRules)
	default:
		b.WriteString(assistRules)
		if structured {
			b.WriteString("\n\n")
			b.WriteString(assistSchema)
		}
	}

	b.WriteString("\n\n")
	b.WriteString(ExamplesPlaceholder)
	return SpliceExamples(b.String(), examples)
}

// SpliceExamples replaces the examples placeholder. With no examples the
// placeholder vanishes without leaving a gap.
func SpliceExamples(prompt, examples string) string {
	if examples == "" {
		prompt = strings.ReplaceAll(prompt, "\n\n"+ExamplesPlaceholder, "")
		return strings.ReplaceAll(prompt, ExamplesPlaceholder, "")
	}
	return strings.ReplaceAll(prompt, ExamplesPlaceholder, "Exempel på korrekta svar:\n\n"+examples)
}

// FormatExamples renders up to two retrieved few-shot examples.
func FormatExamples(examples []string) string {
	if len(examples) > 2 {
		examples = examples[:2]
	}
	return strings.Join(examples, "\n---\n")
}

// ContextBlock renders the retrieved sources for the prompt. Statutes are
// flagged as priority sources; everything else shows its document type.
func ContextBlock(hits []models.SearchHit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(fmt.Sprintf("Källa %d: %s [%s] | Relevans: %.3f\n%s",
			i+1, h.Title, sourceTag(h), h.Score, h.Snippet))
	}
	return b.String()
}

func sourceTag(h models.SearchHit) string {
	if h.DocType == "statute" || h.Tier == "A" {
		return "⭐ PRIORITET (SFS)"
	}
	if h.DocType != "" {
		return "Typ: " + strings.ToUpper(h.DocType)
	}
	return "Typ: " + strings.ToUpper(h.Collection)
}

// User composes the user message: context block first, then the question.
func User(question, contextBlock string) string {
	if contextBlock == "" {
		return question
	}
	return contextBlock + "\n\nFråga: " + question
}

// RefusalResponse is the canonical structured refusal.
func RefusalResponse() *models.StructuredResponse {
	return &models.StructuredResponse{
		Mode:           "EVIDENCE",
		SaknasUnderlag: true,
		Svar:           RefusalTemplate,
		Kallor:         []models.Kalla{},
		FaktaUtanKalla: []string{},
	}
}

// AssistFallbackResponse is the canonical structured assist fallback.
func AssistFallbackResponse() *models.StructuredResponse {
	return &models.StructuredResponse{
		Mode:           "ASSIST",
		SaknasUnderlag: false,
		Svar:           AssistFallback,
		Kallor:         []models.Kalla{},
		FaktaUtanKalla: []string{},
	}
}
