package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gm-agent-org/gm-warden/pkg/api/dto"
	"github.com/gm-agent-org/gm-warden/pkg/syncer"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// SyncHandler serves the file and git sync endpoints.
type SyncHandler struct {
	files *syncer.FileSyncer
	git   *syncer.GitSyncer
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(files *syncer.FileSyncer, git *syncer.GitSyncer) *SyncHandler {
	return &SyncHandler{files: files, git: git}
}

// ListFiles reports workspace files and their mirror status.
func (h *SyncHandler) ListFiles(c *gin.Context) {
	files, err := h.files.ListFiles()
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// SyncFiles requests a per-file sync. With no explicit paths, every file
// that is new or modified relative to the mirror is requested.
func (h *SyncHandler) SyncFiles(c *gin.Context) {
	var body dto.FileSyncRequest
	_ = c.ShouldBindJSON(&body)

	paths := body.Paths
	if len(paths) == 0 {
		files, err := h.files.ListFiles()
		if err != nil {
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
			return
		}
		for _, f := range files {
			if f.Status != types.SyncSynced {
				paths = append(paths, f.Path)
			}
		}
	}

	results := h.files.RequestSync(paths)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// ListBranches reports staging branches and their diff against the real
// remote.
func (h *SyncHandler) ListBranches(c *gin.Context) {
	branches, err := h.git.Branches()
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

// SyncBranch requests a push of one branch to the real remote.
func (h *SyncHandler) SyncBranch(c *gin.Context) {
	var body dto.GitSyncRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	approved, err := h.git.RequestSync(body.Branch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": body.Branch, "approved": approved})
}
