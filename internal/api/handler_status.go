package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"class-mirror-backend/internal/reconcile"
)

const (
	defaultChangesLimit = 50
	maxChangesLimit     = 500
)

// Health reports liveness. It answers 503 once the loop gave up.
func (h *Handler) Health(c *gin.Context) {
	if h.loop != nil && h.loop.Status().State == reconcile.StateStopped {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(c *gin.Context) {
	if h.loop == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation loop is not running"})
		return
	}
	c.JSON(http.StatusOK, h.loop.Status())
}

// TriggerReconcile handles POST /api/reconcile by starting a cycle out of
// schedule.
func (h *Handler) TriggerReconcile(c *gin.Context) {
	if h.loop == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation loop is not running"})
		return
	}
	switch err := h.loop.Trigger(); {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	case errors.Is(err, reconcile.ErrCycleRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, reconcile.ErrStopped):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// GetChanges handles GET /api/changes?limit=N, newest first.
func (h *Handler) GetChanges(c *gin.Context) {
	limit := defaultChangesLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxChangesLimit)
	}

	records, err := h.store.ListChanges(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve changes"})
		return
	}
	c.JSON(http.StatusOK, records)
}
