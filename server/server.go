// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xmonitor/pkg/notifier"
	"xmonitor/poll"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Poller interface for triggering and inspecting ticks.
type Poller interface {
	Tick(ctx context.Context) (poll.TickResult, bool)
	State() poll.State
	LastTick() poll.TickResult
}

// StatsSource reports registry totals.
type StatsSource interface {
	Stats() notifier.Stats
}

// Server handles HTTP requests.
type Server struct {
	poller   Poller
	stats    StatsSource
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	sources  []string
}

// Config holds server configuration.
type Config struct {
	Poller   Poller
	Stats    StatsSource
	Gatherer prometheus.Gatherer // nil serves the default registry
	Logger   *slog.Logger
	Sources  []string // Strategy names, shown on the status page
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	g := cfg.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{
		poller:   cfg.Poller,
		stats:    cfg.Stats,
		gatherer: g,
		logger:   cfg.Logger,
		sources:  cfg.Sources,
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // POST /pollz runs a full tick
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	data := map[string]any{
		"Stats":    s.stats.Stats(),
		"State":    s.poller.State().String(),
		"LastTick": s.poller.LastTick(),
		"Sources":  s.sources,
	}
	if err := templates.ExecuteTemplate(w, "index.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "index.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered", "remote_addr", r.RemoteAddr)

	result, skipped := s.poller.Tick(r.Context())
	if skipped {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		if _, err := fmt.Fprint(w, `{"status":"skipped"}`); err != nil {
			s.logger.Warn("Failed to write response", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status": "completed",
		"tick":   result,
	}); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
