// Package api exposes the daemon's status and control operations over HTTP and
// its liveness over the gRPC health protocol.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/audit"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/daemon"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/heartbeat"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/monitor"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	checkTimeout      = 10 * time.Second
)

// Backend is the daemon surface the handlers need.
type Backend interface {
	Status() daemon.Status
	CheckNow(ctx context.Context) error
	Rearm() error
	Audit() *audit.Log
}

// Handler serves the operator routes.
type Handler struct {
	backend Backend
	log     zerolog.Logger
}

func NewHandler(backend Backend, log zerolog.Logger) *Handler {
	return &Handler{backend: backend, log: log}
}

// NewRouter registers every route on a fresh engine.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLog())

	router.GET("/status", h.GetStatus)
	router.GET("/healthz", h.GetHealth)
	router.GET("/positions", h.GetPositions)
	router.GET("/audit", h.GetAudit)
	router.POST("/check", h.PostCheck)
	router.POST("/rearm", h.PostRearm)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return router
}

func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.backend.Status())
}

// GetHealth answers 503 whenever the status is not healthy so probes see stalls.
func (h *Handler) GetHealth(c *gin.Context) {
	st := h.backend.Status()
	body := gin.H{
		"healthy":          st.Healthy,
		"connection_state": st.ConnectionState,
		"heartbeat":        st.Heartbeat,
		"halted":           st.Halted,
		"progress_counter": st.ProgressCounter,
	}
	if !st.Healthy {
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) GetPositions(c *gin.Context) {
	st := h.backend.Status()
	c.JSON(http.StatusOK, gin.H{"positions": st.TrackedPositions, "totals": st.Totals})
}

func (h *Handler) GetAudit(c *gin.Context) {
	q := audit.Query{Category: audit.Category(c.Query("category")), Limit: defaultAuditLimit}
	if raw := c.Query("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a sequence number"})
			return
		}
		q.AfterSeq = after
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if limit > maxAuditLimit {
			limit = maxAuditLimit
		}
		q.Limit = limit
	}
	records := h.backend.Audit().Find(q)
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (h *Handler) PostCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()
	err := h.backend.CheckNow(ctx)
	switch {
	case errors.Is(err, monitor.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "progress_counter": h.backend.Status().ProgressCounter})
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress_counter": h.backend.Status().ProgressCounter})
}

func (h *Handler) PostRearm(c *gin.Context) {
	if err := h.backend.Rearm(); err != nil {
		if errors.Is(err, heartbeat.ErrNotHalted) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.log.Warn().Str("remote", c.ClientIP()).Msg("re-armed via http")
	c.JSON(http.StatusOK, gin.H{"heartbeat": h.backend.Status().Heartbeat})
}
