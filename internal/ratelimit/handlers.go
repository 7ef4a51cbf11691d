package ratelimit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for rate-limit operations.
type Handler struct {
	limiter *Limiter
}

// NewHandler creates a new rate-limit handler.
func NewHandler(limiter *Limiter) *Handler {
	return &Handler{limiter: limiter}
}

// RegisterRoutes sets up rate-limit ops routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/security/rate-limits/stats", h.GetStats)
	r.GET("/security/rate-limits/:id", h.GetStatus)
	r.POST("/security/rate-limits/:id/tier", h.SetTier)
	r.POST("/security/rate-limits/:id/reset", h.ResetSource)
	r.POST("/security/rate-limits/:id/unblock", h.UnblockSource)
}

// GetStatus handles GET /v1/security/rate-limits/:id
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.limiter.Status(c.Param("id"))})
}

// GetStats handles GET /v1/security/rate-limits/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": h.limiter.Stats()})
}

type tierRequest struct {
	Tier string `json:"tier"`
}

// SetTier handles POST /v1/security/rate-limits/:id/tier
func (h *Handler) SetTier(c *gin.Context) {
	var req tierRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Tier == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must include a tier",
		})
		return
	}

	if ok := h.limiter.SetTier(c.Param("id"), Tier(req.Tier)); !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_tier",
			"message": "Unknown tier: " + req.Tier,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": h.limiter.Status(c.Param("id"))})
}

// ResetSource handles POST /v1/security/rate-limits/:id/reset
func (h *Handler) ResetSource(c *gin.Context) {
	h.limiter.Reset(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": h.limiter.Status(c.Param("id"))})
}

// UnblockSource handles POST /v1/security/rate-limits/:id/unblock
func (h *Handler) UnblockSource(c *gin.Context) {
	h.limiter.Unblock(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": h.limiter.Status(c.Param("id"))})
}
