// Package orchestrator binds classification, retrieval, grading, generation,
// validation and guardrails into the end-to-end answer pipeline, in both
// request/response and streaming form.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/config"
	"github.com/rattsdata/rattsvar/internal/critic"
	"github.com/rattsdata/rattsvar/internal/grade"
	"github.com/rattsdata/rattsvar/internal/guardrail"
	"github.com/rattsdata/rattsvar/internal/llm"
	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/internal/prompt"
	"github.com/rattsdata/rattsvar/internal/query"
	"github.com/rattsdata/rattsvar/internal/rerank"
	"github.com/rattsdata/rattsvar/internal/retrieval"
	"github.com/rattsdata/rattsvar/internal/structured"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Searcher is the retrieval dependency.
type Searcher interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// LLM is the language-model dependency.
type LLM interface {
	Stream(ctx context.Context, msgs []llm.Message, opts llm.Options) <-chan llm.Chunk
	Complete(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, string, error)
}

// Grader is the optional document-grading dependency.
type Grader interface {
	Grade(ctx context.Context, q string, hits []models.SearchHit) (*grade.Result, error)
}

// Reranker is the optional cross-encoder dependency.
type Reranker interface {
	Rerank(ctx context.Context, q string, hits []models.SearchHit, topK int) (*rerank.Result, error)
}

// Reflector covers the critic's reflection and revision surface.
type Reflector interface {
	SelfReflection(ctx context.Context, q string, mode models.Mode, hits []models.SearchHit) critic.Reflection
	ReviseLoop(resp *models.StructuredResponse, mode models.Mode, sourceIDs map[string]bool, maxRevisions int) (*models.StructuredResponse, int)
}

// ExampleSource retrieves few-shot examples for a mode.
type ExampleSource interface {
	Examples(ctx context.Context, mode models.Mode, q string) ([]string, error)
}

// Request is one answer invocation.
type Request struct {
	Question string        `json:"question"`
	Mode     models.Mode   `json:"mode"`
	History  []models.Turn `json:"history,omitempty"`
	Strategy string        `json:"-"` // from the X-Retrieval-Strategy header
}

// Orchestrator runs the pipeline. All dependencies are singletons.
type Orchestrator struct {
	cfg       *config.Config
	searcher  Searcher
	llm       LLM
	grader    Grader
	reranker  Reranker
	reflector Reflector
	examples  ExampleSource
	guard     *guardrail.Guardrail
	validator *structured.Validator
	processor *query.Processor
	logger    zerolog.Logger
}

// Option configures optional dependencies.
type Option func(*Orchestrator)

func WithGrader(g Grader) Option          { return func(o *Orchestrator) { o.grader = g } }
func WithReranker(r Reranker) Option      { return func(o *Orchestrator) { o.reranker = r } }
func WithReflector(r Reflector) Option    { return func(o *Orchestrator) { o.reflector = r } }
func WithExamples(e ExampleSource) Option { return func(o *Orchestrator) { o.examples = e } }

func New(cfg *config.Config, searcher Searcher, lm LLM, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		searcher:  searcher,
		llm:       lm,
		guard:     guardrail.New(),
		validator: structured.NewValidator(),
		processor: query.NewProcessor(),
		logger:    observability.Logger("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// state carries one request through the pipeline stages.
type state struct {
	requestID string
	mode      models.Mode
	question  string // decontextualized
	original  string
	rewritten bool
	retrieval *retrieval.Result
	graded    *grade.Metrics
	fallback  *llm.FallbackNotice
	thought   string
	start     time.Time
}

// complete gathers a full response from the token stream. A model-fallback
// notice emitted by the client is recorded on the state so the streaming
// pipeline can surface it as an event.
func (o *Orchestrator) complete(ctx context.Context, st *state, msgs []llm.Message, opts llm.Options) (string, string, error) {
	var sb strings.Builder
	model := ""
	for chunk := range o.llm.Stream(ctx, msgs, opts) {
		switch {
		case chunk.Err != nil:
			return "", model, chunk.Err
		case chunk.Fallback != nil:
			st.fallback = chunk.Fallback
			model = chunk.Fallback.To
		case chunk.Content != "":
			if model == "" {
				model = chunk.Model
			}
			sb.WriteString(chunk.Content)
		}
	}
	return sb.String(), model, nil
}

// Answer runs the non-streaming pipeline.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*models.RAGResult, error) {
	st, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if st.mode == models.ModeChat {
		return o.answerChat(ctx, st)
	}
	if err := o.retrieve(ctx, st, req); err != nil {
		return nil, err
	}

	if refusal := o.preGenerationRefusal(ctx, st); refusal != nil {
		return refusal, nil
	}
	return o.generate(ctx, st)
}

// prepare classifies, checks safety and decontextualizes.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (*state, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, models.NewError(models.ErrValidation, "frågan är tom")
	}
	if err := o.guard.CheckQuerySafety(question); err != nil {
		return nil, err
	}

	st := &state{
		requestID: uuid.NewString(),
		original:  question,
		question:  question,
		start:     time.Now(),
	}

	st.mode = req.Mode
	if st.mode == "" || st.mode == models.ModeAuto {
		cls := o.processor.Classify(question)
		st.mode = cls.Mode
		o.logger.Debug().Str("request_id", st.requestID).Str("mode", string(st.mode)).Str("reason", cls.Reason).Msg("mode classified")
	}

	if st.mode != models.ModeChat && len(req.History) > 0 {
		dec := o.processor.Decontextualize(question, req.History)
		if dec.Rewritten != dec.Original {
			st.question = dec.Rewritten
			st.rewritten = true
			observability.LogEvent(o.logger, observability.EventQueryRewritten, map[string]any{
				"request_id": st.requestID,
				"original":   dec.Original,
				"rewritten":  dec.Rewritten,
			})
		}
	}

	observability.LogEvent(o.logger, observability.EventQueryReceived, map[string]any{
		"request_id": st.requestID,
		"mode":       string(st.mode),
	})
	return st, nil
}

// retrieve runs the configured strategy and optional grading.
func (o *Orchestrator) retrieve(ctx context.Context, st *state, req Request) error {
	res, err := o.searcher.Search(ctx, retrieval.Request{
		Query:      st.question,
		History:    req.History,
		Strategy:   req.Strategy,
		UseRouting: o.cfg.Retrieval.EPREnabled,
	})
	if err != nil {
		return err
	}
	st.retrieval = res

	if o.cfg.CRAG.Enabled && o.grader != nil && len(res.Hits) > 0 {
		graded, err := o.grader.Grade(ctx, st.question, res.Hits)
		if err != nil {
			o.logger.Warn().Err(err).Msg("grading failed, keeping ungraded set")
		} else {
			res.Hits = graded.Hits
			st.graded = &graded.Metrics
		}
	}
	return nil
}

// preGenerationRefusal returns the short-circuit result when the no-answer
// policy, self-reflection or an empty evidence set forbids generation.
func (o *Orchestrator) preGenerationRefusal(ctx context.Context, st *state) *models.RAGResult {
	signals := st.signals()

	if signals != nil && signals.ShouldAbstain {
		observability.LogEvent(o.logger, observability.EventAbstained, map[string]any{
			"request_id": st.requestID,
			"reason":     signals.AbstainReason,
		})
		return o.refusalResult(st, "hämtningen gav inte tillräckligt underlag: "+signals.AbstainReason)
	}

	if st.mode == models.ModeEvidence {
		if len(st.retrieval.Hits) == 0 {
			return o.refusalResult(st, "inga källor hämtades")
		}
		if o.cfg.CRAG.SelfReflection && o.reflector != nil {
			refl := o.reflector.SelfReflection(ctx, st.question, st.mode, st.retrieval.Hits)
			if o.cfg.Pipeline.Debug {
				st.thought = refl.ThoughtProcess
			}
			if !refl.HasSufficientEvidence {
				return o.refusalResult(st, "självreflektionen bedömde underlaget som otillräckligt")
			}
		}
	}
	return nil
}

// refusalResult builds the canonical no-answer result for the mode.
func (o *Orchestrator) refusalResult(st *state, reason string) *models.RAGResult {
	answer := prompt.RefusalTemplate
	if st.mode != models.ModeEvidence {
		answer = prompt.AssistFallback
	}
	res := o.baseResult(st)
	res.Answer = answer
	res.Sources = []models.SearchHit{}
	res.GuardrailStatus = guardrail.StatusUnchanged
	res.EvidenceLevel = models.EvidenceNone
	res.Reasoning = append(res.Reasoning, reason)
	res.Success = true
	res.ElapsedMs = time.Since(st.start).Milliseconds()
	return res
}

// answerChat handles chat mode: no retrieval, plain text, guardrail only.
func (o *Orchestrator) answerChat(ctx context.Context, st *state) (*models.RAGResult, error) {
	gen := o.cfg.GenerationFor(string(models.ModeChat))
	text, model, err := o.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: prompt.System(models.ModeChat, false, "")},
		{Role: "user", Content: st.question},
	}, llm.Options{Temperature: gen.Temperature, TopP: gen.TopP, MaxTokens: gen.MaxTokens})
	if err != nil {
		return nil, err
	}

	checked, err := o.guard.ValidateResponse(text, st.question, models.ModeChat, nil)
	if err != nil {
		return nil, err
	}

	res := o.baseResult(st)
	res.Answer = checked.Text
	res.Sources = []models.SearchHit{}
	res.GuardrailStatus = checked.Status
	res.Corrections = checked.Corrections
	res.EvidenceLevel = models.EvidenceNone
	res.Model = model
	res.Success = true
	res.ElapsedMs = time.Since(st.start).Milliseconds()
	return res, nil
}

// generate runs prompting, the LM call, structured validation, critic
// revision, guardrails and reranking for non-chat modes.
func (o *Orchestrator) generate(ctx context.Context, st *state) (*models.RAGResult, error) {
	hits := st.retrieval.Hits
	sourceIDs := make(map[string]bool, len(hits))
	for _, h := range hits {
		sourceIDs[h.ID] = true
	}

	examples := ""
	if o.examples != nil {
		if exs, err := o.examples.Examples(ctx, st.mode, st.question); err == nil {
			examples = prompt.FormatExamples(exs)
		}
	}

	structuredMode := o.cfg.Pipeline.StructuredOutput
	system := prompt.System(st.mode, structuredMode, examples)
	user := prompt.User(st.question, prompt.ContextBlock(hits))
	gen := o.cfg.GenerationFor(string(st.mode))
	opts := llm.Options{Temperature: gen.Temperature, TopP: gen.TopP, MaxTokens: gen.MaxTokens, JSONMode: structuredMode}

	var answerText string
	var resp *models.StructuredResponse
	model := ""

	if structuredMode {
		call := func(ctx context.Context, instruction string) (string, error) {
			msgs := []llm.Message{{Role: "system", Content: system}}
			if instruction != "" {
				msgs = append(msgs, llm.Message{Role: "system", Content: instruction})
			}
			msgs = append(msgs, llm.Message{Role: "user", Content: user})
			text, m, err := o.complete(ctx, st, msgs, opts)
			model = m
			return text, err
		}

		validated, issues, err := o.validator.ValidateWithRetries(ctx, call, st.mode, sourceIDs)
		if err != nil {
			return nil, err
		}
		if validated == nil {
			o.logger.Warn().Strs("issues", issues).Msg("structured output failed, using mode fallback")
			if st.mode == models.ModeEvidence {
				validated = prompt.RefusalResponse()
			} else {
				validated = prompt.AssistFallbackResponse()
			}
		} else if o.cfg.Pipeline.CriticRevise && o.reflector != nil {
			validated, _ = o.reflector.ReviseLoop(validated, st.mode, sourceIDs, o.cfg.Pipeline.CriticMaxRevision)
		}
		resp = structured.StripInternalNote(validated)
		answerText = resp.Svar
	} else {
		text, m, err := o.complete(ctx, st, []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		}, opts)
		if err != nil {
			return nil, err
		}
		answerText = text
		model = m
	}

	checked, err := o.guard.ValidateResponse(answerText, st.question, st.mode, hits)
	if err != nil {
		return nil, err
	}
	if checked.Status == guardrail.StatusRejected {
		return nil, models.NewError(models.ErrSecurityViolation, "svaret avvisades av säkerhetskontrollen")
	}

	if o.cfg.Rerank.Enabled && o.reranker != nil && len(hits) > 0 {
		if rr, err := o.reranker.Rerank(ctx, st.question, hits, len(hits)); err == nil {
			hits = rr.Hits
		} else {
			o.logger.Warn().Err(err).Msg("reranking failed, keeping retrieval order")
		}
	}

	res := o.baseResult(st)
	res.Answer = checked.Text
	res.Sources = hits
	res.GuardrailStatus = checked.Status
	res.Corrections = checked.Corrections
	res.EvidenceLevel = checked.EvidenceLevel
	res.Model = model
	res.Success = true
	if resp != nil {
		res.Citations = citationsFrom(resp, hits)
		if resp.SaknasUnderlag {
			res.Sources = []models.SearchHit{}
			res.EvidenceLevel = models.EvidenceNone
		}
	}
	if st.graded != nil {
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("gradering behöll %d av %d källor", st.graded.Kept, st.graded.Total))
	}
	if o.cfg.Pipeline.Debug {
		res.ThoughtChain = st.thought
	}
	res.ElapsedMs = time.Since(st.start).Milliseconds()
	return res, nil
}

func (o *Orchestrator) baseResult(st *state) *models.RAGResult {
	res := &models.RAGResult{Mode: st.mode}
	if st.retrieval != nil {
		res.Metrics = st.retrieval.Metrics
		res.Intent = string(st.retrieval.Intent)
		res.Routing = st.retrieval.Routing
	}
	return res
}

func (st *state) signals() *models.ConfidenceSignals {
	if st.retrieval == nil || st.retrieval.Metrics == nil {
		return nil
	}
	return st.retrieval.Metrics.Signals
}

// citationsFrom links validated kallor entries back to the retrieved hits.
func citationsFrom(resp *models.StructuredResponse, hits []models.SearchHit) []models.Citation {
	byID := make(map[string]models.SearchHit, len(hits))
	for _, h := range hits {
		byID[h.ID] = h
	}
	var out []models.Citation
	for _, k := range resp.Kallor {
		c := models.Citation{Claim: k.Citat, SourceID: k.DocID}
		if h, ok := byID[k.DocID]; ok {
			c.SourceTitle = h.Title
			c.SourceCollection = h.Collection
			c.Tier = h.Tier
		}
		out = append(out, c)
	}
	return out
}
