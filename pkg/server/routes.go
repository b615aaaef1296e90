package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skillpod/sandbox-broker/pkg/broker"
)

func (s *Server) setupRoutes() {
	// observability routes skip auth and rate limiting
	s.engine.GET("/healthz", s.healthzHandler())
	s.engine.GET("/readyz", s.readyzHandler())
	s.engine.GET("/metrics", s.metricsHandler())

	v1 := s.engine.Group("/v1",
		bearerAuthMiddleware(s.config.APIToken),
		rateLimitMiddleware(s.limiter))
	v1.POST("/allocate", s.allocateHandler())
	v1.GET("/sandboxes/:id", s.getSandboxHandler())
	v1.POST("/sandboxes/:id/mark-for-deletion", s.markForDeletionHandler())

	admin := v1.Group("/admin", bearerAuthMiddleware(s.config.AdminToken))
	admin.GET("/sandboxes", s.adminListHandler())
	admin.GET("/stats", s.adminStatsHandler())
	admin.POST("/sync", s.adminSyncHandler())
	admin.POST("/cleanup", s.adminCleanupHandler())
	admin.POST("/bulk-delete", s.adminBulkDeleteHandler())
	admin.POST("/auto-delete-stale", s.adminAutoDeleteStaleHandler())
}

func (s *Server) healthzHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": BrokerHttpServer,
			"uptime":  time.Since(s.startTime).String(),
		})
	}
}

// readyzHandler probes store connectivity with a single-record enumeration.
func (s *Server) readyzHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, _, err := s.broker.Store().Enumerate(c.Request.Context(), "", 1); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable", "reason": "store unreachable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func (s *Server) metricsHandler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(broker.Registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		// pool gauges are refreshed lazily on scrape, behind a short cache
		_ = s.broker.UpdatePoolGauges(c.Request.Context())
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
