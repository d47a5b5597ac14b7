// Package gateway exposes the turn manager over HTTP/JSON. Every RPC
// response carries an enumerated status; errors never cross the surface
// as exceptions or stack traces.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatewright/gatewright/internal/observability"
	"github.com/gatewright/gatewright/internal/turns"
)

// Config describes the listening socket and auth policy.
type Config struct {
	Host string
	Port int

	// AuthToken, when set, requires "Authorization: Bearer <token>" on
	// every /v1 request. Health and metrics endpoints stay open.
	AuthToken string

	// PollTimeout bounds a single long-poll on the event stream.
	// Default: 30s
	PollTimeout time.Duration
}

// Server is the HTTP front door. It owns no turn state; everything is
// delegated to the manager.
type Server struct {
	manager *turns.Manager
	metrics *observability.Metrics
	config  Config
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the gateway. metrics may be nil.
func NewServer(manager *turns.Manager, metrics *observability.Metrics, config Config, logger *slog.Logger) *Server {
	if config.PollTimeout <= 0 {
		config.PollTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		metrics: metrics,
		config:  config,
		logger:  logger,
	}
}

// Start binds the listener and serves in the background. Use Addr to
// discover the bound address when Port is 0.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	rpc := http.NewServeMux()
	rpc.HandleFunc("POST /v1/turns", s.handleStartTurn)
	rpc.HandleFunc("GET /v1/turns/{turn_id}/next", s.handleNextEvent)
	rpc.HandleFunc("GET /v1/turns/{turn_id}", s.handleTurnState)
	rpc.HandleFunc("POST /v1/turns/{turn_id}/cancel", s.handleCancelTurn)
	rpc.HandleFunc("GET /v1/turns/{turn_id}/approvals", s.handleListApprovals)
	rpc.HandleFunc("POST /v1/turns/{turn_id}/approvals/{call_id}", s.handleResolveApproval)
	rpc.HandleFunc("POST /v1/turns/{turn_id}/rules", s.handleAddRule)
	mux.Handle("/v1/", s.withAuth(s.withMetrics(rpc)))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
