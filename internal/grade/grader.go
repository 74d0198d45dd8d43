// Package grade filters retrieved documents through per-document binary
// relevance judgments from a small language model.
package grade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/rattsdata/rattsvar/internal/llm"
	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Completer is the slice of the LM client the grader needs.
type Completer interface {
	Complete(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, string, error)
}

// Config tunes the grader.
type Config struct {
	Threshold     float64       // minimum score to keep a document
	MaxConcurrent int           // grading calls in flight at once
	DocTimeout    time.Duration // per-document budget
}

// Judgment is the grading outcome for one document.
type Judgment struct {
	ID         string  `json:"id"`
	Relevant   bool    `json:"relevant"`
	Reason     string  `json:"reason"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	TimedOut   bool    `json:"timed_out,omitempty"`
}

// Metrics aggregates one grading pass.
type Metrics struct {
	Total       int     `json:"total"`
	Kept        int     `json:"kept"`
	Dropped     int     `json:"dropped"`
	TimedOut    int     `json:"timed_out"`
	KeepPercent float64 `json:"keep_percent"`
	ElapsedMs   int64   `json:"elapsed_ms"`
}

// Result is the filtered set plus per-doc judgments and metrics.
type Result struct {
	Hits      []models.SearchHit `json:"hits"`
	Judgments []Judgment         `json:"judgments"`
	Metrics   Metrics            `json:"metrics"`
}

// Grader asks a cheap LM for a binary relevance call per document.
type Grader struct {
	client Completer
	cfg    Config
	logger zerolog.Logger
}

func New(client Completer, cfg Config) *Grader {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.DocTimeout <= 0 {
		cfg.DocTimeout = 10 * time.Second
	}
	return &Grader{client: client, cfg: cfg, logger: observability.Logger("grade")}
}

type verdict struct {
	Relevant bool    `json:"relevant"`
	Reason   string  `json:"reason"`
	Score    float64 `json:"score"`
}

// Grade judges every hit concurrently (bounded) and returns the hits that
// passed, preserving input order. Timeouts and parse failures count as not
// relevant with zero score; they never fail the pass.
func (g *Grader) Grade(ctx context.Context, query string, hits []models.SearchHit) (*Result, error) {
	if len(hits) == 0 {
		return &Result{Metrics: Metrics{}}, nil
	}
	start := time.Now()

	judgments := make([]Judgment, len(hits))
	sem := semaphore.NewWeighted(int64(g.cfg.MaxConcurrent))

	for i := range hits {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, models.Wrap(models.ErrGrading, "grading interrupted", err)
		}
		go func() {
			defer sem.Release(1)
			judgments[i] = g.gradeOne(ctx, query, hits[i])
		}()
	}
	// Draining the semaphore waits for every in-flight judgment.
	if err := sem.Acquire(ctx, int64(g.cfg.MaxConcurrent)); err != nil {
		return nil, models.Wrap(models.ErrGrading, "grading interrupted", err)
	}
	sem.Release(int64(g.cfg.MaxConcurrent))

	res := &Result{Judgments: judgments}
	res.Metrics.Total = len(hits)
	for i, j := range judgments {
		if j.TimedOut {
			res.Metrics.TimedOut++
		}
		if j.Relevant && j.Score >= g.cfg.Threshold {
			res.Hits = append(res.Hits, hits[i])
			res.Metrics.Kept++
		} else {
			res.Metrics.Dropped++
		}
	}
	res.Metrics.KeepPercent = 100 * float64(res.Metrics.Kept) / float64(res.Metrics.Total)
	res.Metrics.ElapsedMs = time.Since(start).Milliseconds()

	g.logger.Info().
		Int("total", res.Metrics.Total).
		Int("kept", res.Metrics.Kept).
		Int("timed_out", res.Metrics.TimedOut).
		Int64("elapsed_ms", res.Metrics.ElapsedMs).
		Msg("grading completed")
	return res, nil
}

func (g *Grader) gradeOne(ctx context.Context, query string, hit models.SearchHit) Judgment {
	j := Judgment{ID: hit.ID}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.DocTimeout)
	defer cancel()

	prompt := fmt.Sprintf(`Bedöm om dokumentet är relevant för frågan.
Fråga: %s
Dokument: %s
%s
Svara ENDAST med JSON: {"relevant": true/false, "reason": "kort motivering", "score": 0.0-1.0}`,
		query, hit.Title, hit.Snippet)

	text, _, err := g.client.Complete(ctx, []llm.Message{
		{Role: "user", Content: prompt},
	}, llm.Options{Temperature: 0, MaxTokens: 200, JSONMode: true})
	if err != nil {
		if ctx.Err() != nil {
			j.TimedOut = true
		}
		g.logger.Warn().Err(err).Str("doc", hit.ID).Msg("grading call failed")
		return j
	}

	var v verdict
	if err := json.Unmarshal([]byte(extractJSON(text)), &v); err != nil {
		g.logger.Warn().Str("doc", hit.ID).Msg("unparseable grading verdict")
		return j
	}

	j.Relevant = v.Relevant
	j.Reason = v.Reason
	j.Score = v.Score
	j.Confidence = confidenceFromScore(v.Score, g.cfg.Threshold)
	return j
}

// confidenceFromScore is the normalized distance of the score from the
// decision threshold.
func confidenceFromScore(score, threshold float64) float64 {
	var conf float64
	if score >= threshold {
		conf = (score - threshold) / (1 - threshold)
	} else {
		conf = (threshold - score) / threshold
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

// extractJSON trims prose and code fences around a JSON object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
