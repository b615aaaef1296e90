// Package server is the gin HTTP adapter over the broker core: client and
// admin routes, bearer auth, per-client rate limiting and the observability
// endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/skillpod/sandbox-broker/pkg/broker"
)

const BrokerHttpServer = "SandboxBrokerHttpServer"

// Server wraps the gin engine serving the broker API.
type Server struct {
	engine    *gin.Engine
	broker    *broker.Broker
	config    Config
	limiter   *clientLimiter
	startTime time.Time
}

type Config struct {
	ListenAddr string `json:"listenAddr"`
	// APIToken guards /v1/*; empty disables auth (local development).
	APIToken string `json:"-"`
	// AdminToken guards /v1/admin/*; empty disables the admin surface.
	AdminToken string `json:"-"`

	AllowedOrigins []string `json:"allowedOrigins"`

	RateLimitRPS   float64 `json:"rateLimitRps"`
	RateLimitBurst int     `json:"rateLimitBurst"`
}

func initConfig(config Config) Config {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = 10
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = 20
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	return config
}

// NewHttpServer builds the engine with the full middleware chain and all
// routes registered.
func NewHttpServer(b *broker.Broker, config Config) *Server {
	config = initConfig(config)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(securityHeadersMiddleware())
	engine.Use(setupCORS(config.AllowedOrigins))

	s := &Server{
		engine:    engine,
		broker:    b,
		config:    config,
		limiter:   newClientLimiter(config.RateLimitRPS, config.RateLimitBurst),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log := klog.FromContext(ctx)
	server := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("broker http server starting", "addr", s.config.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down broker http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
		return err
	}
	log.Info("broker http server stopped")
	return nil
}

func setupCORS(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config)
}
