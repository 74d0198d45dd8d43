// Package models contains the domain types shared across rättsvar components.
package models

// Mode is the answering mode of the pipeline.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeChat     Mode = "chat"
	ModeAssist   Mode = "assist"
	ModeEvidence Mode = "evidence"
)

// SchemaName returns the uppercase mode name used in the structured-output
// schema ("EVIDENCE", "ASSIST").
func (m Mode) SchemaName() string {
	switch m {
	case ModeEvidence:
		return "EVIDENCE"
	case ModeAssist:
		return "ASSIST"
	case ModeChat:
		return "CHAT"
	}
	return "ASSIST"
}

// Turn is a single conversation turn supplied by the caller.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// MaxHistoryTurns is the number of trailing turns the pipeline considers.
const MaxHistoryTurns = 6

// EntityType classifies a detected legal entity.
type EntityType string

const (
	EntityStatute      EntityType = "statute"      // SFS number, e.g. 2018:218
	EntityChapter      EntityType = "chapter"      // "2 kap"
	EntityParagraph    EntityType = "paragraph"    // "1 §"
	EntityAbbreviation EntityType = "abbreviation" // known statute abbreviation, e.g. OSL
	EntityAuthority    EntityType = "authority"    // known authority name
)

// Entity is a typed legal entity detected in a query or in history.
type Entity struct {
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
}

// QueryPlan is the per-request derivation of the user query.
type QueryPlan struct {
	Original     string   `json:"original"`
	Standalone   string   `json:"standalone"`
	Lexical      string   `json:"lexical"`
	MustInclude  []string `json:"must_include,omitempty"`
	Entities     []Entity `json:"detected_entities,omitempty"`
	NeedsRewrite bool     `json:"needs_rewrite"`
	Confidence   float64  `json:"confidence"`
}

// VariantKind tags a query variant for fusion.
type VariantKind string

const (
	VariantSemantic   VariantKind = "semantic"
	VariantLexical    VariantKind = "lexical"
	VariantParaphrase VariantKind = "paraphrase"
)

// QueryVariant is one reformulation submitted for fusion. The first variant
// is always the standalone query.
type QueryVariant struct {
	Kind VariantKind `json:"kind"`
	Text string      `json:"text"`
}

// SearchHit is a single retrieved candidate.
type SearchHit struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Snippet    string            `json:"snippet"`
	Score      float64           `json:"score"`
	Collection string            `json:"source"`
	DocType    string            `json:"doc_type,omitempty"`
	Date       string            `json:"date,omitempty"`
	Retriever  string            `json:"retriever,omitempty"` // dense|lexical|fusion|adaptive|epr
	Tier       string            `json:"tier,omitempty"`      // A|B|C when routing is active
	RRFScore   float64           `json:"rrf_score,omitempty"`
	OrigScore  float64           `json:"orig_score,omitempty"`
	Variants   int               `json:"variant_count,omitempty"` // number of variants the doc appeared in
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScoreStats summarizes the score distribution of a result set.
type ScoreStats struct {
	Top     float64 `json:"top"`
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Entropy float64 `json:"entropy"` // normalized, 0..1
}

// ConfidenceTier buckets the overall retrieval confidence.
type ConfidenceTier string

const (
	TierHigh    ConfidenceTier = "high"
	TierMedium  ConfidenceTier = "medium"
	TierLow     ConfidenceTier = "low"
	TierVeryLow ConfidenceTier = "very_low"
)

// ConfidenceSignals are the computable features of a result set used to
// drive adaptive escalation and the no-answer policy.
type ConfidenceSignals struct {
	TopScore           float64 `json:"top_score"`
	Margin             float64 `json:"margin"`
	MustIncludeHitRate float64 `json:"must_include_hit_rate"`
	FusionGain         float64 `json:"fusion_gain"`
	OverlapRatio       float64 `json:"overlap_ratio"`
	NearDuplicateRatio float64 `json:"near_duplicate_ratio"`
	UniqueSources      int     `json:"unique_sources"`
	LexicalOverlap     float64 `json:"lexical_overlap"`
	QueryTokenCount    int     `json:"query_token_count"`
	HasEntities        bool    `json:"has_extractable_entities"`

	OverallConfidence float64        `json:"overall_confidence"`
	Tier              ConfidenceTier `json:"confidence_tier"`
	ShouldAbstain     bool           `json:"should_abstain"`
	AbstainReason     string         `json:"abstain_reason,omitempty"`
}

// FusionMetrics compares the first variant's results to the fused union.
type FusionMetrics struct {
	Variants         int     `json:"variants"`
	UniqueDocsBefore int     `json:"unique_docs_before"`
	UniqueDocsAfter  int     `json:"unique_docs_after"`
	FusionGain       float64 `json:"fusion_gain"`
	OverlapRatio     float64 `json:"overlap_ratio"`
}

// RetrievalMetrics accumulates per-call retrieval observability data.
type RetrievalMetrics struct {
	Strategy       string             `json:"strategy"`
	TotalMs        int64              `json:"total_ms"`
	StageMs        map[string]int64   `json:"stage_ms,omitempty"`
	CountsPerStage map[string]int     `json:"counts_per_retriever,omitempty"`
	Scores         ScoreStats         `json:"score_stats"`
	TimedOut       []string           `json:"timed_out,omitempty"` // collections that hit their timeout
	RewriteUsed    bool               `json:"rewrite_used,omitempty"`
	RewrittenQuery string             `json:"rewritten_query,omitempty"`
	FusionUsed     bool               `json:"fusion_used,omitempty"`
	Fusion         *FusionMetrics     `json:"fusion,omitempty"`
	Adaptive       bool               `json:"adaptive,omitempty"`
	EscalationPath []string           `json:"escalation_path,omitempty"`
	ReasonCodes    []string           `json:"reason_codes,omitempty"`
	FinalStep      string             `json:"final_step,omitempty"`
	Signals        *ConfidenceSignals `json:"confidence_signals,omitempty"`
}

// Kalla is one citation entry in the structured response.
type Kalla struct {
	DocID   string `json:"doc_id"`
	ChunkID string `json:"chunk_id"`
	Citat   string `json:"citat"`
	Loc     string `json:"loc"`
}

// StructuredResponse is the validated JSON schema the LM fills in non-chat
// modes. Arbetsanteckning is internal and is stripped before the result
// leaves the service.
type StructuredResponse struct {
	Mode             string   `json:"mode"` // "EVIDENCE" | "ASSIST"
	SaknasUnderlag   bool     `json:"saknas_underlag"`
	Svar             string   `json:"svar"`
	Kallor           []Kalla  `json:"kallor"`
	FaktaUtanKalla   []string `json:"fakta_utan_kalla"`
	Arbetsanteckning string   `json:"arbetsanteckning,omitempty"`
}

// EvidenceLevel summarizes source quality supporting an answer.
type EvidenceLevel string

const (
	EvidenceHigh EvidenceLevel = "HIGH"
	EvidenceLow  EvidenceLevel = "LOW"
	EvidenceNone EvidenceLevel = "NONE"
)

// Correction records one guardrail term replacement.
type Correction struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Count      int     `json:"count"`
	Confidence float64 `json:"confidence"`
}

// Citation links a claim in the answer to a retrieved source.
type Citation struct {
	Claim            string `json:"claim"`
	SourceID         string `json:"source_id"`
	SourceTitle      string `json:"source_title"`
	SourceCollection string `json:"source_collection"`
	Tier             string `json:"tier,omitempty"`
}

// RoutingInfo describes the intent-routing decision for a request.
type RoutingInfo struct {
	Primary         []string `json:"primary"`
	Support         []string `json:"support"`
	Secondary       []string `json:"secondary"`
	SecondaryBudget int      `json:"secondary_budget"`
}

// RAGResult is the orchestrator's final answer.
type RAGResult struct {
	Answer          string            `json:"answer"`
	Sources         []SearchHit       `json:"sources"`
	Citations       []Citation        `json:"citations,omitempty"`
	Reasoning       []string          `json:"reasoning,omitempty"`
	Metrics         *RetrievalMetrics `json:"metrics,omitempty"`
	Mode            Mode              `json:"mode"`
	GuardrailStatus string            `json:"guardrail_status"`
	Corrections     []Correction      `json:"corrections,omitempty"`
	EvidenceLevel   EvidenceLevel     `json:"evidence_level"`
	Model           string            `json:"model,omitempty"` // model that produced the answer
	Intent          string            `json:"intent,omitempty"`
	Routing         *RoutingInfo      `json:"routing,omitempty"`
	Success         bool              `json:"success"`
	Error           string            `json:"error,omitempty"`
	ThoughtChain    string            `json:"thought_chain,omitempty"` // debug only
	ElapsedMs       int64             `json:"elapsed_ms"`
}
