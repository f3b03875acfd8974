package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gm-agent-org/gm-warden/pkg/audit"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// StatusHandler serves liveness, status, and audit endpoints.
type StatusHandler struct {
	queue     *queue.Queue
	audit     *audit.Logger
	startedAt time.Time
	maxUptime time.Duration
	ports     map[string]int
}

// NewStatusHandler creates a StatusHandler. maxUptime of zero means no
// uptime limit.
func NewStatusHandler(q *queue.Queue, auditLog *audit.Logger, startedAt time.Time, maxUptime time.Duration, ports map[string]int) *StatusHandler {
	return &StatusHandler{queue: q, audit: auditLog, startedAt: startedAt, maxUptime: maxUptime, ports: ports}
}

// Health is the liveness probe.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports server lifetime and queue load.
func (h *StatusHandler) Status(c *gin.Context) {
	uptime := time.Since(h.startedAt)
	body := gin.H{
		"startedAt": h.startedAt.UnixMilli(),
		"uptime":    uptime.Milliseconds(),
		"pending":   len(h.queue.Pending()),
		"ports":     h.ports,
	}
	if h.maxUptime > 0 {
		body["maxUptimeMs"] = h.maxUptime.Milliseconds()
		remaining := h.maxUptime - uptime
		if remaining < 0 {
			remaining = 0
		}
		body["remainingMs"] = remaining.Milliseconds()
	}
	c.JSON(http.StatusOK, body)
}

// Audit returns recent audit entries, newest first.
func (h *StatusHandler) Audit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries := h.audit.Read(limit)
	if entries == nil {
		entries = []types.AuditEntry{}
	}
	c.JSON(http.StatusOK, entries)
}
