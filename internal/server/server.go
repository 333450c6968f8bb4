package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austinbrady/Assist-sub001/internal/backend"
	"github.com/austinbrady/Assist-sub001/internal/config"
	"github.com/austinbrady/Assist-sub001/internal/dispatch"
	"github.com/austinbrady/Assist-sub001/internal/metrics"
	"github.com/austinbrady/Assist-sub001/internal/router"
)

const version = "1.0.0"

// MessageRouter runs a request and replies later.
type MessageRouter interface {
	Serve(ctx context.Context, req router.Request, reply router.ReplyFunc) string
}

// StatusSource exposes the connection status and its change feed.
type StatusSource interface {
	Status() backend.ConnectionStatus
	Subscribe() (<-chan backend.ConnectionStatus, func())
}

// Server represents the HTTP server carrying the message channel
type Server struct {
	cfg        *config.ServerConfig
	router     MessageRouter
	status     StatusSource
	channel    *channelHub
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse represents the bridge status
type StatusResponse struct {
	Version    string                   `json:"version"`
	Uptime     string                   `json:"uptime"`
	Connection backend.ConnectionStatus `json:"connection"`
	Clients    int                      `json:"clients"`
	Timestamp  string                   `json:"timestamp"`
}

// New creates a new HTTP server
func New(cfg *config.ServerConfig, r MessageRouter, status StatusSource, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		router:    r,
		status:    status,
		channel:   newChannelHub(r, status, cfg.AllowedOrigins, logger),
		startTime: time.Now(),
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/v1/status", s.statusHandler)
	mux.HandleFunc("/api/v1/message", s.messageHandler)
	mux.HandleFunc("/ws", s.channel.wsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      instrument(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the instrumented mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start pushes status changes to channel clients and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.channel.start(ctx)
	s.logger.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes channel clients and gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.channel.closeAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   version,
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:    version,
		Uptime:     time.Since(s.startTime).String(),
		Connection: s.status.Status(),
		Clients:    s.channel.count(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// messageHandler accepts one request envelope and answers with its reply
// envelope once the router settles it.
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req router.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&req); err != nil {
		reply := router.NewReply("", nil, fmt.Errorf("%w: %v", router.ErrInvalidPayload, err))
		writeJSON(w, http.StatusBadRequest, reply)
		return
	}

	done := make(chan router.Reply, 1)
	s.router.Serve(r.Context(), req, func(rep router.Reply) { done <- rep })

	select {
	case rep := <-done:
		writeJSON(w, replyStatus(rep), rep)
	case <-r.Context().Done():
		s.logger.Debug("Client went away before reply", "type", req.Type)
	}
}

// replyStatus maps a reply envelope onto an HTTP status code.
func replyStatus(rep router.Reply) int {
	if rep.OK || rep.Error == nil {
		return http.StatusOK
	}
	switch rep.Error.Code {
	case router.CodeInvalidPayload, router.CodeUnknownMessageType, string(dispatch.CodeInvalidOperation):
		return http.StatusBadRequest
	case string(dispatch.CodeNoBackendAvailable):
		return http.StatusServiceUnavailable
	case string(dispatch.CodeTransport):
		return http.StatusBadGateway
	case router.CodeCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and durations per endpoint. The
// websocket upgrade needs the raw writer, so /ws is counted but not wrapped.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.URL.Path == "/ws" {
			metrics.RequestCount.WithLabelValues(r.Method, r.URL.Path, "upgrade").Inc()
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		switch endpoint {
		case "/health", "/api/v1/status", "/api/v1/message", "/metrics":
		default:
			endpoint = "other"
		}
		metrics.RequestCount.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
