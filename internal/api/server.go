package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"frigatepersoncounter/internal/entity"
	"frigatepersoncounter/internal/ha"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// maxGoroutines is the liveness threshold for runaway goroutines
	maxGoroutines = 1000

	readinessTimeout = 5 * time.Second
)

// Server provides HTTP API endpoints for the person counter service
type Server struct {
	entities *entity.Platform
	client   ha.HAClient
	logger   *zap.Logger
	health   healthcheck.Handler
	handler  http.Handler
	server   *http.Server
}

// NewServer creates a new API server. Metrics are served from gatherer.
func NewServer(entities *entity.Platform, client ha.HAClient, gatherer prometheus.Gatherer, logger *zap.Logger, port int) *Server {
	s := &Server{
		entities: entities,
		client:   client,
		logger:   logger.Named("api"),
		health:   healthcheck.NewHandler(),
	}

	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	s.health.AddReadinessCheck("home-assistant", healthcheck.Timeout(s.checkHomeAssistant, readinessTimeout))

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/entities", s.handleGetEntities)
	mux.HandleFunc("/api/entities/", s.handleGetEntity)
	mux.Handle("/health/", http.StripPrefix("/health", s.health))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.handler = mux

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving all endpoints
func (s *Server) Handler() http.Handler {
	return s.handler
}

// checkHomeAssistant requires a connection that answers requests and, unless
// running read-only, a Home Assistant state for every entity written so far.
func (s *Server) checkHomeAssistant() error {
	if !s.client.IsConnected() {
		return ha.ErrNotConnected
	}

	var published []entity.EntityState
	if !s.entities.ReadOnly() {
		published = s.entities.States()
	}

	if len(published) == 0 {
		if _, err := s.client.GetAllStates(); err != nil {
			return fmt.Errorf("home assistant did not answer: %w", err)
		}
		return nil
	}

	for _, state := range published {
		if _, err := s.client.GetState(state.EntityID); err != nil {
			return fmt.Errorf("entity %s missing from home assistant: %w", state.EntityID, err)
		}
	}
	return nil
}

// EntitiesResponse represents the JSON response for the entities endpoint
type EntitiesResponse struct {
	Entities []entity.EntityState `json:"entities"`
}

// handleGetEntities returns the last written state of every entity
func (s *Server) handleGetEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := EntitiesResponse{Entities: s.entities.States()}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Entities request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("count", len(response.Entities)))
}

// handleGetEntity returns the state of a single entity
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entityID := strings.TrimPrefix(r.URL.Path, "/api/entities/")
	state, ok := s.entities.State(entityID)
	if !ok {
		http.Error(w, fmt.Sprintf("Entity %s not found", entityID), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{
		Path:        "/",
		Method:      "GET",
		Description: "This sitemap - lists all available API endpoints",
	},
	{
		Path:        "/api/entities",
		Method:      "GET",
		Description: "Last written state of every entity",
	},
	{
		Path:        "/api/entities/{entity_id}",
		Method:      "GET",
		Description: "Last written state of one entity",
	},
	{
		Path:        "/health/live",
		Method:      "GET",
		Description: "Liveness check - 200 while the process is healthy",
	},
	{
		Path:        "/health/ready",
		Method:      "GET",
		Description: "Readiness check - 200 while Home Assistant answers and holds every entity",
	},
	{
		Path:        "/metrics",
		Method:      "GET",
		Description: "Prometheus metrics",
	},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.Contains(accept, "text/html") || strings.HasPrefix(accept, "*/*")

	// 404 for automation compatibility, but with a helpful body
	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Frigate Person Counter API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Frigate Person Counter API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Frigate Person Counter API\n")
		fmt.Fprintf(w, "==========================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-28s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl http://localhost:8080/api/entities/sensor.frigate_person_count | jq\n\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
