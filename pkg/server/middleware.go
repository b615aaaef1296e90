package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/skillpod/sandbox-broker/pkg/broker/logs"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderOwnerID   = "X-Sandbox-Owner-ID"
	HeaderLabTag    = "X-Lab-Tag"
	HeaderIdemKey   = "Idempotency-Key"

	requestIDKey = "requestID"
)

// requestIDMiddleware stamps every request with an id, installs a
// request-scoped logger on the context and logs completion.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(HeaderRequestID, requestID)

		ctx := logs.NewContextWithID(requestID,
			"method", c.Request.Method, "path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		klog.FromContext(ctx).V(3).Info("request completed",
			"status", c.Writer.Status(), "cost", time.Since(start))
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// bearerAuthMiddleware checks the Authorization header against token. An
// empty token disables the check.
func bearerAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":       "Unauthorized",
				"message":    "valid bearer token required",
				"request_id": requestID(c),
			})
			return
		}
		c.Next()
	}
}
