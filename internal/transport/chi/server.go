// Package chi exposes the chat pipeline over HTTP.
package chi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	healthuc "github.com/aula-cloud/asistente/internal/usecase/health"
)

// QueryService is the query engine surface the HTTP layer consumes.
type QueryService interface {
	Answer(ctx context.Context, question, subject string) string
	AnswerStream(ctx context.Context, question, subject string) <-chan string
}

// HealthService reports aggregated component health.
type HealthService interface {
	Check(ctx context.Context) healthuc.Status
}

// Server holds the HTTP handlers for the chat API.
type Server struct {
	query  QueryService
	health HealthService
	logger *zap.Logger
}

// NewServer creates an HTTP API server.
func NewServer(query QueryService, health HealthService, logger *zap.Logger) *Server {
	return &Server{query: query, health: health, logger: logger}
}

// Routes mounts all endpoints on the given router.
func (s *Server) Routes(r chi.Router) {
	r.Post("/api/chat", s.Chat)
	r.Post("/api/chat/stream", s.ChatStream)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

type chatRequest struct {
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

type chatResponse struct {
	Response  string `json:"response"`
	Sentiment string `json:"sentiment"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Chat handles POST /api/chat with a buffered JSON answer.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	answer := s.query.Answer(r.Context(), req.Message, req.Subject)
	writeJSON(w, http.StatusOK, chatResponse{Response: answer, Sentiment: "neutral"})
}

// ChatStream handles POST /api/chat/stream with a chunked plain-text token
// stream. Each token is flushed as it arrives.
func (s *Server) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for token := range s.query.AnswerStream(r.Context(), req.Message, req.Subject) {
		if _, err := w.Write([]byte(token)); err != nil {
			// Consumer is gone; the engine stops on context cancellation.
			return
		}
		flusher.Flush()
	}
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return chatRequest{}, false
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "Message is required")
		return chatRequest{}, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
