// Package gateway exposes the chat agent over HTTP and WebSocket: one
// streaming turn endpoint, session listing, and operational surfaces.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/auth"
	"github.com/finsight-ai/finsight/internal/config"
	routing "github.com/finsight-ai/finsight/internal/models"
	"github.com/finsight-ai/finsight/internal/observability"
	"github.com/finsight-ai/finsight/internal/sessions"
)

// Server wires auth, model resolution, the agent loop, and persistence
// behind the HTTP surface.
type Server struct {
	config    *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	resolver  *routing.Resolver
	providers map[routing.Provider]agent.LLMProvider
	registry  *agent.Registry
	adapter   *sessions.PersistenceAdapter
	store     sessions.Store
	auth      *auth.Resolver

	loopConfig  *agent.LoopConfig
	turnTimeout time.Duration

	httpServer *http.Server

	// turns tracks in-flight turn cancellations by session id.
	turnsMu sync.Mutex
	turns   map[string]context.CancelFunc
}

// Options carries the server's collaborators.
type Options struct {
	Config    *config.Config
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Resolver  *routing.Resolver
	Providers map[routing.Provider]agent.LLMProvider
	Registry  *agent.Registry
	Store     sessions.Store
	Auth      *auth.Resolver

	// LoopConfig overrides the default turn limits. Optional.
	LoopConfig *agent.LoopConfig
}

// NewServer assembles a gateway server.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("model resolver is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	authResolver := opts.Auth
	if authResolver == nil {
		authResolver = auth.NewResolver(auth.ModeAnonymous, nil)
	}
	registry := opts.Registry
	if registry == nil {
		registry = agent.NewRegistry()
	}
	return &Server{
		config:      opts.Config,
		logger:      logger,
		metrics:     opts.Metrics,
		resolver:    opts.Resolver,
		providers:   opts.Providers,
		registry:    registry,
		adapter:     sessions.NewPersistenceAdapter(opts.Store, logger),
		store:       opts.Store,
		auth:        authResolver,
		loopConfig:  opts.LoopConfig,
		turnTimeout: opts.Config.Server.TurnTimeout,
		turns:       make(map[string]context.CancelFunc),
	}, nil
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stop", s.handleStop)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	return s.withRequestID(mux)
}

// Start serves HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info(context.Background(), "starting http server", "addr", addr)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.turnsMu.Lock()
	for _, cancel := range s.turns {
		cancel()
	}
	s.turnsMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// registerTurn records the cancel hook for an in-flight turn. The returned
// func removes it.
func (s *Server) registerTurn(sessionID string, cancel context.CancelFunc) func() {
	s.turnsMu.Lock()
	if prev, ok := s.turns[sessionID]; ok {
		// A second submit for the same session supersedes the first.
		prev()
	}
	s.turns[sessionID] = cancel
	s.turnsMu.Unlock()

	return func() {
		s.turnsMu.Lock()
		delete(s.turns, sessionID)
		s.turnsMu.Unlock()
	}
}

func (s *Server) cancelTurn(sessionID string) bool {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	cancel, ok := s.turns[sessionID]
	if ok {
		cancel()
		delete(s.turns, sessionID)
	}
	return ok
}
