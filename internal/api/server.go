// Package api exposes the HTTP surface: streamed chat over SSE and
// WebSocket, health, and usage queries.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lumenchat/relay/internal/config"
	log "github.com/lumenchat/relay/internal/logging"
	"github.com/lumenchat/relay/internal/registry"
	"github.com/lumenchat/relay/internal/router"
	"github.com/lumenchat/relay/internal/usage"
)

// Server wires the router and registry behind gin.
type Server struct {
	cfg      *config.Config
	engine   *gin.Engine
	srv      *http.Server
	router   *router.Router
	registry *registry.Registry
	backend  usage.Backend
	counters *usage.Counters
}

// Options carries the server's collaborators.
type Options struct {
	Config   *config.Config
	Router   *router.Router
	Registry *registry.Registry
	Backend  usage.Backend
	Counters *usage.Counters
}

// NewServer builds the engine and registers routes.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(log.GinLogrusLogger())
	engine.Use(log.GinLogrusRecovery())
	engine.Use(requestIDMiddleware())
	engine.Use(corsMiddleware())

	s := &Server{
		cfg:      opts.Config,
		engine:   engine,
		router:   opts.Router,
		registry: opts.Registry,
		backend:  opts.Backend,
		counters: opts.Counters,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	limited := s.engine.Group("/", rateLimitMiddleware(s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst))
	limited.POST("/v1/chat", s.handleChat)
	limited.GET("/v1/chat/ws", s.handleChatWS)

	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/v1/usage", s.handleUsage)
}

// Start begins serving and blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("api: listening on %s", s.cfg.Addr())
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
