// Package transport serves the harness status API: live progress, run
// history, a WebSocket event stream and Prometheus metrics.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/votebot/internal/storage"
	"github.com/gateway-fm/votebot/pkg/types"
)

// Pagination limits for /v1/runs.
const (
	defaultRunsLimit = 50
	maxRunsLimit     = 100
)

// StatusAPI exposes the live state of the harness.
type StatusAPI interface {
	Progress() types.Progress
	Snapshot() types.MetricsSnapshot
}

// HistoryStore is the part of the run store the API reads.
type HistoryStore interface {
	GetRun(ctx context.Context, id string) (*types.RunReport, error)
	ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
}

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Status StatusAPI
	// Store may be nil, in which case the history routes answer 503.
	Store  HistoryStore
	Checks []Check
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Hub      *Hub
	Logger   *slog.Logger
	// CORSAllowedOrigins is a comma separated list; "" or "*" allows all.
	CORSAllowedOrigins string
	CheckTimeout       time.Duration
}

// StatusResponse is the body of /v1/status.
type StatusResponse struct {
	Progress types.Progress        `json:"progress"`
	Metrics  types.MetricsSnapshot `json:"metrics"`
}

// Server handles HTTP requests for the status API.
type Server struct {
	status       StatusAPI
	store        HistoryStore
	checks       []Check
	gatherer     prometheus.Gatherer
	hub          *Hub
	logger       *slog.Logger
	startTime    time.Time
	checkTimeout time.Duration

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a status server. The hub, when set, must be started by
// the caller.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &Server{
		status:       cfg.Status,
		store:        cfg.Store,
		checks:       cfg.Checks,
		gatherer:     gatherer,
		hub:          cfg.Hub,
		logger:       logger.With(slog.String("component", "transport")),
		startTime:    time.Now(),
		checkTimeout: timeout,
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.corsAllowedOrigins = append(s.corsAllowedOrigins, o)
			}
		}
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))
	if s.hub != nil {
		mux.HandleFunc("/v1/ws", s.hub.Handler())
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, StatusResponse{
		Progress: s.status.Progress(),
		Metrics:  s.status.Snapshot(),
	})
}

// handleRuns returns run history with optional limit and offset.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.writeJSONError(w, "Run history is not configured", http.StatusServiceUnavailable)
		return
	}

	limit, offset := defaultRunsLimit, 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxRunsLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

// handleRunDetail handles GET and DELETE /v1/runs/{id}.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	if s.store == nil {
		s.writeJSONError(w, "Run history is not configured", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rep, err := s.store.GetRun(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, rep)
	case http.MethodDelete:
		if err := s.store.DeleteRun(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.writeJSONError(w, "Run not found", http.StatusNotFound)
				return
			}
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, map[string]bool{"deleted": true})
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady runs every configured check and answers 503 if any fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make([]ReadinessCheck, 0, len(s.checks))
	allHealthy := true

	for _, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
		start := time.Now()
		err := c.Probe(ctx)
		cancel()

		check := ReadinessCheck{
			Name:      c.Name,
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	status := "ready"
	if !allHealthy {
		status = "not_ready"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
