// Package apihttp exposes the swarm coordinator over HTTP and WebSocket.
package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"swarmstream/internal/domain"
)

// SwarmController is the coordinator surface the API consumes.
type SwarmController interface {
	StartSeeding(ctx context.Context, filePath string, meta domain.SessionMetadata) (domain.SessionID, error)
	StartDownload(ctx context.Context, locator string, meta domain.SessionMetadata) (domain.SessionID, error)
	StartStreaming(ctx context.Context, locator string, meta domain.SessionMetadata) (domain.SessionID, error)
	Stop(ctx context.Context, id domain.SessionID) error
	ListSessions() []domain.SessionSummary
	Stats() domain.AggregateStats
	Subscribe() (<-chan domain.Event, func())
	SetPolicy(ctx context.Context, p domain.UserPolicy) error
	Policy() domain.UserPolicy
	SetPlaybackPosition(id domain.SessionID, seconds float64) error
}

type Server struct {
	swarm          SwarmController
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
	stopBridge     func()
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func NewServer(swarm SwarmController, opts ...ServerOption) *Server {
	s := &Server{swarm: swarm}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()
	s.stopBridge = s.bridgeEvents()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/policy", s.handlePolicy)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "swarm-coordinator",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops the event bridge and the WebSocket hub, disconnecting all
// clients.
func (s *Server) Close() {
	if s.stopBridge != nil {
		s.stopBridge()
	}
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

// bridgeEvents forwards the coordinator's event stream to WebSocket clients.
func (s *Server) bridgeEvents() func() {
	events, unsubscribe := s.swarm.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			s.wsHub.Broadcast("event", ev)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

type createSessionRequest struct {
	Action   string                 `json:"action"` // seed | download | stream
	Locator  string                 `json:"locator,omitempty"`
	FilePath string                 `json:"filePath,omitempty"`
	Metadata domain.SessionMetadata `json:"metadata"`
}

type createSessionResponse struct {
	ID domain.SessionID `json:"id"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.swarm.ListSessions())
	case http.MethodPost:
		s.createSession(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	var id domain.SessionID
	var err error
	switch req.Action {
	case "seed":
		if strings.TrimSpace(req.FilePath) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "filePath is required for seed")
			return
		}
		id, err = s.swarm.StartSeeding(r.Context(), req.FilePath, req.Metadata)
	case "download":
		if strings.TrimSpace(req.Locator) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "locator is required for download")
			return
		}
		id, err = s.swarm.StartDownload(r.Context(), req.Locator, req.Metadata)
	case "stream":
		if strings.TrimSpace(req.Locator) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "locator is required for stream")
			return
		}
		id, err = s.swarm.StartStreaming(r.Context(), req.Locator, req.Metadata)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "action must be seed, download or stream")
		return
	}
	if err != nil {
		writeSwarmError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{ID: id})
}

type positionRequest struct {
	Seconds float64 `json:"seconds"`
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	id := domain.SessionID(parts[0])
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id is required")
		return
	}

	if len(parts) == 2 && parts[1] == "position" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		var req positionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		if req.Seconds < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "seconds must not be negative")
			return
		}
		if err := s.swarm.SetPlaybackPosition(id, req.Seconds); err != nil {
			writeSwarmError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if err := s.swarm.Stop(r.Context(), id); err != nil {
		writeSwarmError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.swarm.Stats())
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.swarm.Policy())
	case http.MethodPut:
		var p domain.UserPolicy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		if err := s.swarm.SetPolicy(r.Context(), p); err != nil {
			writeSwarmError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.swarm.Policy())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"sessions": strconv.Itoa(len(s.swarm.ListSessions())),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

func writeSwarmError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, domain.ErrInvalidPolicy):
		writeError(w, http.StatusBadRequest, "invalid_policy", err.Error())
	case errors.Is(err, domain.ErrTransport):
		writeError(w, http.StatusBadGateway, "transport_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
