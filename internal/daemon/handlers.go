package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rattsdata/rattsvar/internal/orchestrator"
	"github.com/rattsdata/rattsvar/internal/retrieval"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// StrategyHeader selects the retrieval strategy for one request.
const StrategyHeader = "X-Retrieval-Strategy"

// queryRequest is the body of POST /agent/query and /agent/query/stream.
type queryRequest struct {
	Question string        `json:"question"`
	Mode     models.Mode   `json:"mode,omitempty"`
	History  []models.Turn `json:"history,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError answers the JSON error shape {error, type, status_code, details?}.
func writeError(w http.ResponseWriter, err error) {
	var pe *models.PipelineError
	if !errors.As(err, &pe) {
		pe = models.NewError(models.ErrInternal, "internt fel")
	}
	body := map[string]interface{}{
		"error":       pe.Message,
		"type":        string(pe.Code),
		"status_code": pe.HTTPStatus(),
	}
	if len(pe.Details) > 0 {
		body["details"] = pe.Details
	}
	writeJSON(w, pe.HTTPStatus(), body)
}

func decodeQuery(r *http.Request) (orchestrator.Request, error) {
	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return orchestrator.Request{}, models.NewError(models.ErrValidation, "ogiltig JSON i anropet")
	}
	if s := r.Header.Get(StrategyHeader); !retrieval.KnownStrategy(s) {
		return orchestrator.Request{}, models.NewError(models.ErrNotImplemented,
			fmt.Sprintf("okänd hämtningsstrategi %q", s))
	}
	return orchestrator.Request{
		Question: body.Question,
		Mode:     body.Mode,
		History:  body.History,
		Strategy: r.Header.Get(StrategyHeader),
	}, nil
}

// handleQuery runs the non-streaming pipeline.
// POST /agent/query
func (d *Daemon) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := d.pipe.Answer(r.Context(), req)
	if err != nil {
		d.logger.Error().Err(err).Msg("query failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleQueryStream runs the pipeline and relays its events over SSE.
// POST /agent/query/stream
func (d *Daemon) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, models.NewError(models.ErrInternal, "streaming stöds inte"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := 0
	for ev := range d.pipe.Stream(r.Context(), req) {
		id++
		if err := writeSSEEvent(w, flusher, id, ev); err != nil {
			d.logger.Debug().Err(err).Msg("sse write failed, client gone")
			return
		}
	}
	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

// writeSSEEvent writes one pipeline event in SSE wire format.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, id int, ev orchestrator.Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		payload = []byte("{}")
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, ev.Type, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleHealth reports the daemon and each registered dependency.
// GET /health
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}
	for name, check := range d.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
		} else {
			checks[name] = "ok"
		}
	}

	d.mu.RLock()
	uptime := time.Since(d.startTime).Truncate(time.Second).String()
	d.mu.RUnlock()

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"uptime":    uptime,
		"checks":    checks,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
