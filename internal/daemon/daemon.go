// Package daemon implements the rättsvar HTTP daemon: the query endpoints,
// the SSE stream and the health surface.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/config"
	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/internal/orchestrator"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Pipeline is the answer engine the daemon serves.
type Pipeline interface {
	Answer(ctx context.Context, req orchestrator.Request) (*models.RAGResult, error)
	Stream(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Daemon is the HTTP server around the pipeline.
type Daemon struct {
	cfg    *config.Config
	pipe   Pipeline
	router chi.Router
	server *http.Server
	logger zerolog.Logger

	checks map[string]HealthCheck

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// Option configures the daemon.
type Option func(*Daemon)

// WithHealthCheck registers a named dependency probe for /health.
func WithHealthCheck(name string, fn HealthCheck) Option {
	return func(d *Daemon) { d.checks[name] = fn }
}

// New creates the daemon and its router.
func New(cfg *config.Config, pipe Pipeline, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:        cfg,
		pipe:       pipe,
		logger:     observability.Logger("daemon"),
		checks:     map[string]HealthCheck{},
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.setupRouter()
	return d
}

func (d *Daemon) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(d.loggingMiddleware)

	r.Route("/agent", func(r chi.Router) {
		r.Post("/query", d.handleQuery)
		r.Post("/query/stream", d.handleQueryStream)
	})
	r.Get("/health", d.handleHealth)

	d.router = r
}

// Router exposes the handler for tests.
func (d *Daemon) Router() http.Handler { return d.router }

func (d *Daemon) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		d.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request completed")
	})
}

// Start begins serving on the configured TCP address.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.server = &http.Server{
		Addr:        d.cfg.ListenAddr,
		Handler:     d.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE streams stay open as long as the
		// pipeline produces events.
		IdleTimeout: 120 * time.Second,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("server error")
		}
	}()

	observability.LogEvent(d.logger, observability.EventDaemonStarted, map[string]interface{}{
		"addr": d.cfg.ListenAddr,
	})
	return nil
}

// Stop shuts the server down gracefully.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	close(d.shutdownCh)

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("server shutdown error")
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown timeout, some goroutines may still be running")
	}

	observability.LogEvent(d.logger, observability.EventDaemonStopped, nil)
	return nil
}

// Run serves until interrupted.
func (d *Daemon) Run() error {
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-d.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return d.Stop(shutdownCtx)
}
