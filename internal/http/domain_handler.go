package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

// ListDomains lists an instance's domains
func (h *Handler) ListDomains(c *gin.Context) {
	list, err := h.domains.List(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]*models.DomainResponse, 0, len(list))
	for _, d := range list {
		resp = append(resp, models.NewDomainResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{"domains": resp})
}

// CreateDomain routes a subdomain to a port of the instance
func (h *Handler) CreateDomain(c *gin.Context) {
	var req models.CreateDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.domains.Create(c.Request.Context(), currentUser(c), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewDomainResponse(d))
}

// DeleteDomain removes a domain and its route
func (h *Handler) DeleteDomain(c *gin.Context) {
	if err := h.domains.Delete(c.Request.Context(), currentUser(c), c.Param("id"), c.Param("domainId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// VerifyDomain checks DNS propagation of a domain
func (h *Handler) VerifyDomain(c *gin.Context) {
	resp, err := h.domains.Verify(c.Request.Context(), currentUser(c), c.Param("id"), c.Param("domainId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
