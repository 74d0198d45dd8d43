package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rattsdata/rattsvar/internal/config"
	"github.com/rattsdata/rattsvar/internal/orchestrator"
	"github.com/rattsdata/rattsvar/pkg/models"
)

type fakePipeline struct {
	result   *models.RAGResult
	err      error
	events   []orchestrator.Event
	lastReq  orchestrator.Request
	answered bool
}

func (f *fakePipeline) Answer(ctx context.Context, req orchestrator.Request) (*models.RAGResult, error) {
	f.lastReq = req
	f.answered = true
	return f.result, f.err
}

func (f *fakePipeline) Stream(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event {
	f.lastReq = req
	ch := make(chan orchestrator.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func newTestDaemon(pipe Pipeline, opts ...Option) *Daemon {
	return New(&config.Config{ListenAddr: ":0"}, pipe, opts...)
}

func TestHandleQuery_OK(t *testing.T) {
	pipe := &fakePipeline{result: &models.RAGResult{
		Answer:  "Svaret.",
		Mode:    models.ModeAssist,
		Success: true,
	}}
	d := newTestDaemon(pipe)

	req := httptest.NewRequest(http.MethodPost, "/agent/query",
		strings.NewReader(`{"question": "Vad gäller?", "mode": "assist"}`))
	req.Header.Set(StrategyHeader, "rag_fusion")
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res models.RAGResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if res.Answer != "Svaret." {
		t.Errorf("answer = %q", res.Answer)
	}
	if pipe.lastReq.Strategy != "rag_fusion" {
		t.Errorf("strategy header not forwarded: %q", pipe.lastReq.Strategy)
	}
	if pipe.lastReq.Mode != models.ModeAssist {
		t.Errorf("mode = %s", pipe.lastReq.Mode)
	}
}

func TestHandleQuery_BadJSON(t *testing.T) {
	pipe := &fakePipeline{}
	d := newTestDaemon(pipe)

	req := httptest.NewRequest(http.MethodPost, "/agent/query", strings.NewReader("{trasig"))
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if pipe.answered {
		t.Error("pipeline must not run on a malformed body")
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
	if body["type"] != "E_VALIDATION" {
		t.Errorf("type = %v", body["type"])
	}
}

func TestHandleQuery_UnknownStrategyNotImplemented(t *testing.T) {
	pipe := &fakePipeline{}
	d := newTestDaemon(pipe)

	req := httptest.NewRequest(http.MethodPost, "/agent/query",
		strings.NewReader(`{"question": "Vad gäller?"}`))
	req.Header.Set(StrategyHeader, "quantum_v9")
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
	if pipe.answered {
		t.Error("pipeline must not run for an unknown strategy")
	}
}

func TestHandleQuery_ErrorShape(t *testing.T) {
	pipe := &fakePipeline{err: models.NewError(models.ErrSecurityViolation, "otillåtet mönster")}
	d := newTestDaemon(pipe)

	req := httptest.NewRequest(http.MethodPost, "/agent/query",
		strings.NewReader(`{"question": "x"}`))
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
	if body["error"] != "otillåtet mönster" || body["type"] != "E_SECURITY_VIOLATION" {
		t.Errorf("body = %v", body)
	}
	if body["status_code"].(float64) != 403 {
		t.Errorf("status_code = %v", body["status_code"])
	}
}

func TestHandleQuery_UnknownErrorIsInternal(t *testing.T) {
	pipe := &fakePipeline{err: errors.New("ospecificerat")}
	d := newTestDaemon(pipe)

	req := httptest.NewRequest(http.MethodPost, "/agent/query",
		strings.NewReader(`{"question": "x"}`))
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandleQueryStream_SSEWireFormat(t *testing.T) {
	pipe := &fakePipeline{events: []orchestrator.Event{
		{Type: orchestrator.EventMetadata, Data: map[string]string{"mode": "chat"}},
		{Type: orchestrator.EventToken, Data: "Hej"},
		{Type: orchestrator.EventComplete, Data: map[string]any{"elapsed_ms": 12}},
	}}
	d := newTestDaemon(pipe)

	req := httptest.NewRequest(http.MethodPost, "/agent/query/stream",
		strings.NewReader(`{"question": "Hej", "mode": "chat"}`))
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("proxy buffering must be disabled")
	}

	var eventNames []string
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			eventNames = append(eventNames, name)
		}
	}
	want := []string{"metadata", "token", "complete", "done"}
	if len(eventNames) != len(want) {
		t.Fatalf("events = %v, want %v", eventNames, want)
	}
	for i := range want {
		if eventNames[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, eventNames[i], want[i])
		}
	}
	if !strings.Contains(rec.Body.String(), `data: "Hej"`) {
		t.Errorf("token payload missing: %s", rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	d := newTestDaemon(&fakePipeline{},
		WithHealthCheck("vectorstore", func(ctx context.Context) error { return nil }),
		WithHealthCheck("llm", func(ctx context.Context) error { return errors.New("nere") }),
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when a dependency is down", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["vectorstore"] != "ok" || checks["llm"] != "nere" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHandleHealth_AllUp(t *testing.T) {
	d := newTestDaemon(&fakePipeline{},
		WithHealthCheck("vectorstore", func(ctx context.Context) error { return nil }),
	)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
