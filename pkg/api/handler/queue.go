// Package handler contains the gin handlers for the control-plane REST
// surface.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gm-agent-org/gm-warden/pkg/api/dto"
	"github.com/gm-agent-org/gm-warden/pkg/api/service"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/syncer"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// QueueHandler serves the permission queue endpoints.
type QueueHandler struct {
	queue    *queue.Queue
	resolver *service.Resolver
	files    *syncer.FileSyncer
}

// NewQueueHandler creates a QueueHandler. files may be nil; diff previews
// are then skipped.
func NewQueueHandler(q *queue.Queue, resolver *service.Resolver, files *syncer.FileSyncer) *QueueHandler {
	return &QueueHandler{queue: q, resolver: resolver, files: files}
}

// List returns pending and recently resolved requests.
func (h *QueueHandler) List(c *gin.Context) {
	pending := h.queue.Pending()
	if pending == nil {
		pending = []*types.PermissionRequest{}
	}
	recent := h.queue.Recent(0)
	if recent == nil {
		recent = []*types.PermissionRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "recent": recent})
}

// Submit registers a new permission request.
func (h *QueueHandler) Submit(c *gin.Context) {
	var body dto.SubmitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if !body.Category.Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unknown category"})
		return
	}

	// Filesystem submissions get a diff preview of what approval would do,
	// so the operator can see the change before deciding.
	if body.Category == types.CategoryFilesystem && body.Metadata != nil && h.files != nil {
		preview := &types.PermissionRequest{Category: body.Category, Metadata: body.Metadata}
		if diff := h.files.DiffPreview(preview); diff != "" {
			body.Metadata["diff"] = diff
		}
	}

	req, _ := h.queue.Request(body.Category, body.Action, body.Description, body.Reason, body.Metadata)
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

// Approve resolves a request as approved, applying filesystem edits and
// sandbox proposals as side effects.
func (h *QueueHandler) Approve(c *gin.Context) {
	var body dto.ResolveRequest
	_ = c.ShouldBindJSON(&body)
	res := h.resolver.Approve(c.Param("id"), resolvedBy(body.ResolvedBy), body.AlwaysAllow)
	c.JSON(res.Code, res.Body)
}

// Deny resolves a request as denied.
func (h *QueueHandler) Deny(c *gin.Context) {
	var body dto.ResolveRequest
	_ = c.ShouldBindJSON(&body)
	res := h.resolver.Deny(c.Param("id"), resolvedBy(body.ResolvedBy), body.AlwaysDeny)
	c.JSON(res.Code, res.Body)
}

// Bulk resolves every pending request of one category.
func (h *QueueHandler) Bulk(c *gin.Context) {
	var body dto.BulkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if body.Status != types.StatusApproved && body.Status != types.StatusDenied {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "status must be approved or denied"})
		return
	}
	count := h.queue.BulkResolve(body.Category, body.Status, resolvedBy(body.ResolvedBy))
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func resolvedBy(by string) string {
	if by == "" {
		return "web"
	}
	return by
}
