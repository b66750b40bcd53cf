// Package api exposes the operator HTTP surface: starting workflows,
// inspecting status and queues, and triaging the dead-letter store.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"conveyor/internal/deadletter"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/stage"
	"conveyor/internal/workflowstate"
)

// Engine is the slice of the orchestrator the API serves.
type Engine interface {
	StartWorkflow(ctx context.Context, data json.RawMessage) (string, error)
	Status(ctx context.Context, workflowID string) (*workflowstate.Workflow, error)
	Progress(ctx context.Context, workflowID string) (float64, error)
	ListWorkflows(ctx context.Context, status workflowstate.Status, limit int) ([]*workflowstate.Workflow, error)
	CancelWorkflow(ctx context.Context, workflowID string) error
	RetryStage(ctx context.Context, workflowID string, stageName stage.Name) error
	QueueStats(ctx context.Context) ([]queue.Stats, error)
	DeadLetters() *deadletter.Store
	ReprocessDeadLetter(ctx context.Context, entryID, notes string) (string, error)
	HealthCheck(ctx context.Context) []stage.Health
}

// Server hosts the operator API.
type Server struct {
	engine Engine
	token  string
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the router. An empty token restricts access to loopback
// clients instead of requiring authentication.
func NewServer(engine Engine, bind, token string, logger *slog.Logger) *Server {
	s := &Server{
		engine: engine,
		token:  token,
		logger: logging.NewComponentLogger(logger, "api"),
	}

	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.authorize)

	r.Route("/api", func(r chi.Router) {
		r.Post("/workflows", s.handleStartWorkflow)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{id}", s.handleWorkflowStatus)
		r.Post("/workflows/{id}/cancel", s.handleCancelWorkflow)
		r.Post("/workflows/{id}/stages/{stage}/retry", s.handleRetryStage)
		r.Get("/queues", s.handleQueueStats)
		r.Get("/deadletters", s.handleListDeadLetters)
		r.Post("/deadletters/{id}/reprocess", s.handleReprocessDeadLetter)
		r.Delete("/deadletters/{id}", s.handleRemoveDeadLetter)
		r.Get("/health", s.handleHealth)
	})

	s.http = &http.Server{
		Addr:              bind,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api listening", logging.String("bind", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Duration("elapsed", time.Since(start)))
	})
}

// authorize enforces the bearer token, or loopback-only access when no token
// is configured.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.token {
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "remote access requires a configured api token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
