package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
	"github.com/wenwu/saas-platform/compute-service/internal/shell"
)

// ShellSession upgrades to the WebSocket shell of an online instance.
// GET /ws/ssh?vmid=<instance id>&host=<address>
func (h *Handler) ShellSession(c *gin.Context) {
	instanceID := c.Query("vmid")
	if instanceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "vmid required"})
		return
	}

	inst, err := h.instances.Get(c.Request.Context(), currentUser(c), instanceID)
	if err != nil {
		writeError(c, err)
		return
	}
	if inst.Status != models.StatusOnline || inst.Address() == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "instance is not online"})
		return
	}
	// 只连接实例记录的地址
	if host := c.Query("host"); host != "" && host != inst.Address() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host does not match the instance address"})
		return
	}

	h.shell.Serve(c.Writer, c.Request, shell.Target{InstanceID: inst.ID, Address: inst.Address()})
}
