package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gm-agent-org/gm-warden/pkg/api/dto"
	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// ConfigHandler serves the sandbox config and rules endpoints.
type ConfigHandler struct {
	store *config.Store
	queue *queue.Queue

	// rulesChanged is called after any rule mutation, for broadcasting.
	rulesChanged func()
}

// NewConfigHandler creates a ConfigHandler. rulesChanged may be nil.
func NewConfigHandler(store *config.Store, q *queue.Queue, rulesChanged func()) *ConfigHandler {
	return &ConfigHandler{store: store, queue: q, rulesChanged: rulesChanged}
}

// Get returns the full sandbox config.
func (h *ConfigHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Get())
}

// Propose queues a sandbox config change for operator approval. The change
// is applied only when the resulting request is approved.
func (h *ConfigHandler) Propose(c *gin.Context) {
	var body dto.ProposeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	req, _ := h.queue.Request(
		types.CategorySandbox,
		fmt.Sprintf("config %s", body.Path),
		fmt.Sprintf("Set %s to %v", body.Path, body.Value),
		body.Reason,
		map[string]any{
			"proposal": map[string]any{
				"path":   body.Path,
				"value":  body.Value,
				"reason": body.Reason,
			},
		},
	)
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

// Rules returns the current rule set.
func (h *ConfigHandler) Rules(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Rules())
}

// AddRule inserts a rule. Unparseable rules and duplicates report
// added=false and change nothing.
func (h *ConfigHandler) AddRule(c *gin.Context) {
	var body dto.RuleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	added := h.store.AddRule(body.Type, body.Rule)
	if added {
		h.persistRules()
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "rules": h.store.Rules()})
}

// DeleteRule removes a rule.
func (h *ConfigHandler) DeleteRule(c *gin.Context) {
	var body dto.RuleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	removed := h.store.RemoveRule(body.Type, body.Rule)
	if removed {
		h.persistRules()
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "rules": h.store.Rules()})
}

func (h *ConfigHandler) persistRules() {
	_ = h.store.Save()
	if h.rulesChanged != nil {
		h.rulesChanged()
	}
}
