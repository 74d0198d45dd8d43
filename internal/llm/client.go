// Package llm implements the token-streaming chat client used by the
// pipeline. It speaks the OpenAI-compatible chat/completions protocol and,
// as a legacy alternative, the Ollama /api/chat line protocol. A fallback
// model is tried exactly once when the primary times out or is unreachable.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the per-call sampling settings.
type Options struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	// JSONMode requests a json_object response format where supported.
	JSONMode bool
}

// FallbackNotice reports a switch from the primary to the fallback model.
type FallbackNotice struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Chunk is one element of a token stream.
type Chunk struct {
	Content  string
	Done     bool
	Model    string
	Fallback *FallbackNotice
	Err      error
}

// Config configures the client.
type Config struct {
	BaseURL       string
	Protocol      string // "openai" or "ollama"
	Model         string
	FallbackModel string
	Timeout       time.Duration
}

// Client is the language-model client. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Client{
		cfg: cfg,
		// No overall client timeout: streams are bounded per request via
		// context; connect latency is bounded by the dialer.
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
		logger: observability.Logger("llm"),
	}
}

// Model returns the primary model name.
func (c *Client) Model() string { return c.cfg.Model }

// FallbackModel returns the fallback model name.
func (c *Client) FallbackModel() string { return c.cfg.FallbackModel }

// IsAvailable checks whether the upstream endpoint answers at all.
func (c *Client) IsAvailable(ctx context.Context) bool {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	url := base + "/models"
	if c.cfg.Protocol == "ollama" {
		url = strings.TrimSuffix(base, "/api") + "/api/tags"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Stream runs a streaming chat completion. The returned channel yields
// token chunks and is closed after a terminal chunk (Done or Err). On a
// primary connect error or timeout before the first token, the same
// messages are retried once on the fallback model, and a chunk carrying a
// FallbackNotice precedes the fallback's tokens.
func (c *Client) Stream(ctx context.Context, msgs []Message, opts Options) <-chan Chunk {
	out := make(chan Chunk, 16)
	go func() {
		defer close(out)

		var sent bool
		err := c.streamModel(ctx, c.cfg.Model, msgs, opts, out, &sent)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			out <- Chunk{Err: ctx.Err()}
			return
		}
		// Once tokens have reached the caller, a retry would duplicate them.
		if sent || c.cfg.FallbackModel == "" || !retryable(err) {
			out <- Chunk{Err: err}
			return
		}

		c.logger.Warn().Err(err).
			Str("primary", c.cfg.Model).
			Str("fallback", c.cfg.FallbackModel).
			Msg("primary model failed, retrying on fallback")
		out <- Chunk{Fallback: &FallbackNotice{From: c.cfg.Model, To: c.cfg.FallbackModel}}

		if err := c.streamModel(ctx, c.cfg.FallbackModel, msgs, opts, out, &sent); err != nil {
			out <- Chunk{Err: err}
		}
	}()
	return out
}

// Complete runs a chat completion and gathers the full text. The model
// that actually produced the answer is returned alongside.
func (c *Client) Complete(ctx context.Context, msgs []Message, opts Options) (string, string, error) {
	var sb strings.Builder
	model := c.cfg.Model
	for chunk := range c.Stream(ctx, msgs, opts) {
		switch {
		case chunk.Err != nil:
			return "", model, chunk.Err
		case chunk.Fallback != nil:
			model = chunk.Fallback.To
		default:
			sb.WriteString(chunk.Content)
		}
	}
	return sb.String(), model, nil
}

// retryable reports whether an error warrants the one-shot fallback retry.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var pe *models.PipelineError
	if errors.As(err, &pe) {
		return pe.Code == models.ErrLLMUnavailable || pe.Code == models.ErrLLMTimeout
	}
	// url.Error wrapping connect failures
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host")
}

func (c *Client) streamModel(ctx context.Context, model string, msgs []Message, opts Options, out chan<- Chunk, sent *bool) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.cfg.Protocol == "ollama" {
		return c.streamOllama(reqCtx, model, msgs, opts, out, sent)
	}
	return c.streamOpenAI(reqCtx, model, msgs, opts, out, sent)
}

// --- OpenAI-compatible protocol ---

type openAIChatRequest struct {
	Model          string           `json:"model"`
	Messages       []Message        `json:"messages"`
	Stream         bool             `json:"stream"`
	Temperature    float64          `json:"temperature"`
	TopP           float64          `json:"top_p,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIStreamLine struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
}

func (c *Client) streamOpenAI(ctx context.Context, model string, msgs []Message, opts Options, out chan<- Chunk, sent *bool) error {
	body := openAIChatRequest{
		Model:       model,
		Messages:    msgs,
		Stream:      true,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	resp, err := c.post(ctx, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var parsed openAIStreamLine
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			c.logger.Debug().Str("line", data).Msg("skipping unparseable stream line")
			continue
		}
		if len(parsed.Choices) == 0 {
			continue
		}
		choice := parsed.Choices[0]
		if choice.Delta.Content != "" {
			select {
			case out <- Chunk{Content: choice.Delta.Content, Model: model}:
				*sent = true
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return models.Wrap(models.ErrLLMUnavailable, "stream read failed", err)
	}

	out <- Chunk{Done: true, Model: model}
	return nil
}

// --- Ollama legacy protocol ---

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaStreamLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (c *Client) streamOllama(ctx context.Context, model string, msgs []Message, opts Options, out chan<- Chunk, sent *bool) error {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	base = strings.TrimSuffix(base, "/v1")

	body := ollamaChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"top_p":       opts.TopP,
			"num_predict": opts.MaxTokens,
		},
	}

	resp, err := c.post(ctx, base+"/api/chat", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed ollamaStreamLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			c.logger.Debug().Str("line", line).Msg("skipping unparseable stream line")
			continue
		}
		if parsed.Message.Content != "" {
			select {
			case out <- Chunk{Content: parsed.Message.Content, Model: model}:
				*sent = true
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if parsed.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return models.Wrap(models.ErrLLMUnavailable, "stream read failed", err)
	}

	out <- Chunk{Done: true, Model: model}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, models.Wrap(models.ErrLLMTimeout, "llm request timed out", err)
		}
		return nil, models.Wrap(models.ErrLLMUnavailable, "llm unreachable", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, models.NewError(models.ErrLLMUnavailable,
			fmt.Sprintf("llm returned status %d", resp.StatusCode)).
			WithDetails("body", string(b))
	}
	return resp, nil
}
