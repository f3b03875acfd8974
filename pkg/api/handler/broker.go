package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gm-agent-org/gm-warden/pkg/api/dto"
	"github.com/gm-agent-org/gm-warden/pkg/broker"
)

// BrokerHandler serves the exec and package broker endpoints.
type BrokerHandler struct {
	exec     *broker.ExecBroker
	packages *broker.PackageBroker
}

// NewBrokerHandler creates a BrokerHandler.
func NewBrokerHandler(exec *broker.ExecBroker, packages *broker.PackageBroker) *BrokerHandler {
	return &BrokerHandler{exec: exec, packages: packages}
}

// SubmitExec submits a host command for mediation.
func (h *BrokerHandler) SubmitExec(c *gin.Context) {
	var body dto.ExecSubmit
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	rec := h.exec.Submit(body.Command, body.Cwd, body.Reason, time.Duration(body.Timeout)*time.Millisecond)
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID})
}

// GetExec reports one exec request.
func (h *BrokerHandler) GetExec(c *gin.Context) {
	rec, ok := h.exec.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "exec request not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// SubmitPackages submits a package-manager operation for mediation.
func (h *BrokerHandler) SubmitPackages(c *gin.Context) {
	var body dto.PackageSubmit
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	rec := h.packages.Submit(body.Manager, body.Action, body.Packages, body.Flags,
		body.Reason, body.Cwd, time.Duration(body.Timeout)*time.Millisecond)
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID})
}

// GetPackages reports one package request.
func (h *BrokerHandler) GetPackages(c *gin.Context) {
	rec, ok := h.packages.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "package request not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
