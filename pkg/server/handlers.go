package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skillpod/sandbox-broker/pkg/breaker"
	"github.com/skillpod/sandbox-broker/pkg/broker"
	brokererrors "github.com/skillpod/sandbox-broker/pkg/broker/errors"
	"github.com/skillpod/sandbox-broker/pkg/store"
)

// retryAfterSeconds is the hint returned with pool-exhaustion conflicts;
// allocations free up on loop cadence, not instantly.
const retryAfterSeconds = 30

func (s *Server) allocateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := broker.AllocateRequest{
			Owner:          c.GetHeader(HeaderOwnerID),
			IdempotencyKey: c.GetHeader(HeaderIdemKey),
			LabTag:         c.GetHeader(HeaderLabTag),
			NamePrefix:     c.Query("name_prefix"),
		}
		sb, created, err := s.broker.Allocate(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, gin.H{"sandbox": sb, "created": created})
	}
}

func (s *Server) getSandboxHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sb, err := s.broker.GetSandbox(c.Request.Context(), c.Param("id"), c.GetHeader(HeaderOwnerID))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sandbox": sb})
	}
}

func (s *Server) markForDeletionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader(HeaderOwnerID)
		if owner == "" {
			writeError(c, brokererrors.NewError(brokererrors.ErrorBadRequest, "owner id header is required"))
			return
		}
		sb, err := s.broker.MarkForDeletion(c.Request.Context(), c.Param("id"), owner)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sandbox": sb})
	}
}

func (s *Server) adminListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		page, err := s.broker.ListSandboxes(c.Request.Context(), broker.ListRequest{
			Status: store.Status(c.Query("status")),
			Limit:  limit,
			Cursor: c.Query("cursor"),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		resp := gin.H{"sandboxes": page.Sandboxes, "count": len(page.Sandboxes)}
		if page.Cursor != "" {
			resp["cursor"] = page.Cursor
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) adminStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := s.broker.Stats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total":           stats.Total,
			"by_status":       stats.ByStatus,
			"circuit_breaker": s.broker.Breaker().Snapshot(),
		})
	}
}

func (s *Server) adminSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.broker.RunSync(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) adminCleanupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.broker.RunCleanup(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) adminBulkDeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Status string `json:"status"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Status == "" {
			writeError(c, brokererrors.NewError(brokererrors.ErrorBadRequest, "status is required"))
			return
		}
		result, err := s.broker.BulkDeleteByStatus(c.Request.Context(), store.Status(body.Status))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) adminAutoDeleteStaleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		graceHours, err := strconv.Atoi(c.DefaultQuery("grace_hours", "24"))
		if err != nil || graceHours < 0 {
			writeError(c, brokererrors.NewError(brokererrors.ErrorBadRequest, "grace_hours must be a non-negative integer"))
			return
		}
		result, err := s.broker.AutoDeleteStale(c.Request.Context(), time.Duration(graceHours)*time.Hour)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// writeError maps the semantic error taxonomy onto HTTP statuses at the
// edge. Unknown errors are masked as 500 Internal.
func writeError(c *gin.Context, err error) {
	var open *breaker.ErrOpen
	if errors.As(err, &open) {
		retry := int(open.RetryAfter.Seconds()) + 1
		c.Header("Retry-After", strconv.Itoa(retry))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":        string(brokererrors.ErrorCircuitOpen),
			"message":     err.Error(),
			"request_id":  requestID(c),
			"retry_after": retry,
		})
		return
	}

	code := brokererrors.GetErrCode(err)
	body := gin.H{
		"code":       string(code),
		"message":    err.Error(),
		"request_id": requestID(c),
	}
	switch code {
	case brokererrors.ErrorNoSandboxesAvailable:
		body["retry_after"] = retryAfterSeconds
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		c.JSON(http.StatusConflict, body)
	case brokererrors.ErrorNotOwner, brokererrors.ErrorAllocationExpired:
		c.JSON(http.StatusForbidden, body)
	case brokererrors.ErrorNotFound:
		c.JSON(http.StatusNotFound, body)
	case brokererrors.ErrorBadRequest:
		c.JSON(http.StatusBadRequest, body)
	case brokererrors.ErrorStoreUnavailable, brokererrors.ErrorUpstreamTransient, brokererrors.ErrorCircuitOpen:
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		body["code"] = string(brokererrors.ErrorInternal)
		body["message"] = "internal error"
		c.JSON(http.StatusInternalServerError, body)
	}
}
