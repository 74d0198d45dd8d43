package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rattsdata/rattsvar/internal/llm"
	"github.com/rattsdata/rattsvar/internal/prompt"
	"github.com/rattsdata/rattsvar/internal/query"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Streaming event types, in emission order. Metadata always precedes tokens,
// corrections always follow the last token, and complete is terminal.
const (
	EventMetadata         = "metadata"
	EventDecontextualized = "decontextualized"
	EventGrading          = "grading"
	EventThoughtChain     = "thought_chain"
	EventRefusal          = "refusal"
	EventToken            = "token"
	EventCorrections      = "corrections"
	EventFallback         = "fallback"
	EventError            = "error"
	EventComplete         = "complete"
)

// Event is one element of an answer stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Metadata is the payload of the first stream event. EvidenceLevel here is
// the preliminary assessment from the sources alone; the complete event
// carries the final one.
type Metadata struct {
	RequestID     string               `json:"request_id"`
	Mode          models.Mode          `json:"mode"`
	Intent        string               `json:"intent,omitempty"`
	Strategy      string               `json:"strategy,omitempty"`
	EvidenceLevel models.EvidenceLevel `json:"evidence_level"`
	SearchMs      int64                `json:"search_ms"`
	Sources       []models.SearchHit   `json:"sources"`
}

// tokenChunkSize is the rune granularity used when a fully validated answer
// is replayed as token events.
const tokenChunkSize = 24

// Stream runs the pipeline and yields events on the returned channel. The
// channel is closed after the terminal event (complete or error).
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		o.stream(ctx, req, ch)
	}()
	return ch
}

func (o *Orchestrator) stream(ctx context.Context, req Request, ch chan<- Event) {
	emit := func(t string, d any) bool {
		select {
		case ch <- Event{Type: t, Data: d}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	st, err := o.prepare(ctx, req)
	if err != nil {
		emit(EventError, errorPayload(err))
		return
	}

	if st.mode == models.ModeChat {
		o.streamChat(ctx, st, emit)
		return
	}

	if err := o.retrieve(ctx, st, req); err != nil {
		emit(EventError, errorPayload(err))
		return
	}

	meta := Metadata{
		RequestID:     st.requestID,
		Mode:          st.mode,
		Intent:        string(st.retrieval.Intent),
		EvidenceLevel: query.DetermineEvidenceLevel(st.retrieval.Hits, ""),
		Sources:       st.retrieval.Hits,
	}
	if st.retrieval.Metrics != nil {
		meta.Strategy = st.retrieval.Metrics.Strategy
		meta.SearchMs = st.retrieval.Metrics.TotalMs
	}
	if !emit(EventMetadata, meta) {
		return
	}
	if st.rewritten {
		emit(EventDecontextualized, map[string]string{
			"original":  st.original,
			"rewritten": st.question,
		})
	}
	if st.graded != nil {
		emit(EventGrading, st.graded)
	}

	refusal := o.preGenerationRefusal(ctx, st)

	if o.cfg.Pipeline.Debug && st.thought != "" {
		emit(EventThoughtChain, st.thought)
	}

	if refusal != nil {
		emit(EventRefusal, map[string]any{"reason": refusal.Reasoning})
		o.emitTokens(refusal.Answer, emit)
		emit(EventComplete, completePayload(refusal))
		return
	}

	res, err := o.generate(ctx, st)
	if err != nil {
		emit(EventError, errorPayload(err))
		return
	}

	if st.fallback != nil {
		emit(EventFallback, st.fallback)
	}
	o.emitTokens(res.Answer, emit)
	if len(res.Corrections) > 0 {
		emit(EventCorrections, res.Corrections)
	}
	emit(EventComplete, completePayload(res))
}

// streamChat relays LM tokens live; corrections for already-streamed text are
// sent as a trailing patch event.
func (o *Orchestrator) streamChat(ctx context.Context, st *state, emit func(string, any) bool) {
	if !emit(EventMetadata, Metadata{
		RequestID: st.requestID,
		Mode:      models.ModeChat,
		Sources:   []models.SearchHit{},
	}) {
		return
	}

	gen := o.cfg.GenerationFor(string(models.ModeChat))
	stream := o.llm.Stream(ctx, []llm.Message{
		{Role: "system", Content: prompt.System(models.ModeChat, false, "")},
		{Role: "user", Content: st.question},
	}, llm.Options{Temperature: gen.Temperature, TopP: gen.TopP, MaxTokens: gen.MaxTokens})

	var full []byte
	model := ""
	for chunk := range stream {
		switch {
		case chunk.Err != nil:
			emit(EventError, errorPayload(chunk.Err))
			return
		case chunk.Fallback != nil:
			emit(EventFallback, chunk.Fallback)
			model = chunk.Fallback.To
		case chunk.Content != "":
			if model == "" {
				model = chunk.Model
			}
			full = append(full, chunk.Content...)
			if !emit(EventToken, chunk.Content) {
				return
			}
		}
	}

	checked, err := o.guard.ValidateResponse(string(full), st.question, models.ModeChat, nil)
	if err != nil {
		emit(EventError, errorPayload(err))
		return
	}
	if len(checked.Corrections) > 0 {
		emit(EventCorrections, checked.Corrections)
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
	emit(EventComplete, completePayload(res))
}

// emitTokens replays a finished answer as token events.
func (o *Orchestrator) emitTokens(answer string, emit func(string, any) bool) {
	runes := []rune(answer)
	for i := 0; i < len(runes); i += tokenChunkSize {
		end := i + tokenChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if !emit(EventToken, string(runes[i:end])) {
			return
		}
	}
}

func completePayload(res *models.RAGResult) map[string]any {
	return map[string]any{
		"elapsed_ms":       res.ElapsedMs,
		"guardrail_status": res.GuardrailStatus,
		"evidence_level":   res.EvidenceLevel,
		"model":            res.Model,
		"metrics":          res.Metrics,
	}
}

func errorPayload(err error) map[string]any {
	var pe *models.PipelineError
	if errors.As(err, &pe) {
		return map[string]any{"error": pe.Message, "type": string(pe.Code), "status_code": pe.HTTPStatus()}
	}
	return map[string]any{"error": err.Error(), "type": string(models.ErrInternal), "status_code": 500}
}
