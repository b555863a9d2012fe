package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

type Handler struct {
	instances InstanceAPI
	snapshots SnapshotAPI
	domains   DomainAPI
	accounts  AccountAPI
	shell     ShellServer
}

func NewHandler(svc Services) *Handler {
	return &Handler{
		instances: svc.Instances,
		snapshots: svc.Snapshots,
		domains:   svc.Domains,
		accounts:  svc.Accounts,
		shell:     svc.Shell,
	}
}

// ==================== Instance Handlers ====================

// ListInstances lists the caller's instances (all of them for an admin)
func (h *Handler) ListInstances(c *gin.Context) {
	list, err := h.instances.List(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]*models.InstanceResponse, 0, len(list))
	for _, inst := range list {
		resp = append(resp, models.NewInstanceResponse(inst))
	}
	c.JSON(http.StatusOK, gin.H{"instances": resp})
}

// CreateInstance starts provisioning a new instance
func (h *Handler) CreateInstance(c *gin.Context) {
	var req models.CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := h.instances.Create(c.Request.Context(), currentUser(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.NewInstanceResponse(inst))
}

// GetInstance returns one instance with its version
func (h *Handler) GetInstance(c *gin.Context) {
	inst, err := h.instances.Get(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewInstanceResponse(inst))
}

// ToggleInstance starts a stopped instance or stops an online one
func (h *Handler) ToggleInstance(c *gin.Context) {
	inst, err := h.instances.Toggle(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewInstanceResponse(inst))
}

// RestartInstance power-cycles an instance
func (h *Handler) RestartInstance(c *gin.Context) {
	inst, err := h.instances.Restart(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewInstanceResponse(inst))
}

// DeleteInstance destroys an instance with its domains and snapshots
func (h *Handler) DeleteInstance(c *gin.Context) {
	if err := h.instances.Delete(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// InstanceStats returns live CPU/RAM/disk/IP/uptime
func (h *Handler) InstanceStats(c *gin.Context) {
	stats, err := h.instances.Stats(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// InstanceLogs returns recent lifecycle actions; ?limit= caps the count
func (h *Handler) InstanceLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := h.instances.Logs(c.Request.Context(), currentUser(c), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]*models.InstanceLogResponse, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, models.NewInstanceLogResponse(l))
	}
	c.JSON(http.StatusOK, gin.H{"logs": resp})
}

// ==================== Account Handlers ====================

// GetAccount returns the caller's balance and daily burn
func (h *Handler) GetAccount(c *gin.Context) {
	resp, err := h.accounts.Account(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ==================== Admin Handlers ====================

// AdjustPoints credits or debits a user's balance
func (h *Handler) AdjustPoints(c *gin.Context) {
	var req models.AdjustPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	u, err := h.accounts.AdjustPoints(c.Request.Context(), currentUser(c), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": u.ID, "points": u.Points})
}

// BanUser suspends a user
func (h *Handler) BanUser(c *gin.Context) {
	var req models.BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.accounts.Ban(c.Request.Context(), currentUser(c), c.Param("id"), &req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "banned"})
}

// UnbanUser lifts a suspension
func (h *Handler) UnbanUser(c *gin.Context) {
	if err := h.accounts.Unban(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned"})
}
