package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

// ListSnapshots lists an instance's snapshots with the quota
func (h *Handler) ListSnapshots(c *gin.Context) {
	list, quota, err := h.snapshots.List(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := &models.SnapshotListResponse{
		Snapshots: make([]*models.SnapshotResponse, 0, len(list)),
		Quota:     quota,
	}
	for _, s := range list {
		resp.Snapshots = append(resp.Snapshots, models.NewSnapshotResponse(s))
	}
	c.JSON(http.StatusOK, resp)
}

// CreateSnapshot takes a snapshot; the body is optional
func (h *Handler) CreateSnapshot(c *gin.Context) {
	var req models.CreateSnapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	snap, err := h.snapshots.Create(c.Request.Context(), currentUser(c), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewSnapshotResponse(snap))
}

// RestoreSnapshot rolls the instance back to a snapshot
func (h *Handler) RestoreSnapshot(c *gin.Context) {
	inst, err := h.snapshots.Restore(c.Request.Context(), currentUser(c), c.Param("id"), c.Param("snapId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewInstanceResponse(inst))
}

// DeleteSnapshot removes a snapshot
func (h *Handler) DeleteSnapshot(c *gin.Context) {
	if err := h.snapshots.Delete(c.Request.Context(), currentUser(c), c.Param("id"), c.Param("snapId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// DownloadSnapshot exports a snapshot: 200 with the artifact, or 202 while the job runs
func (h *Handler) DownloadSnapshot(c *gin.Context) {
	resp, err := h.snapshots.Export(c.Request.Context(), currentUser(c), c.Param("id"), c.Param("snapId"))
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if resp.Status == models.ExportAccepted {
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}
