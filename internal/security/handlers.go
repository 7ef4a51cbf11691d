package security

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/mbd888/sentinel/internal/validation"
)

// Handler provides HTTP endpoints for the security ops surface.
type Handler struct {
	detector *Detector
	store    Store
}

// NewHandler creates a new security handler.
func NewHandler(detector *Detector, store Store) *Handler {
	return &Handler{detector: detector, store: store}
}

// RegisterRoutes sets up security ops routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/security/events", h.ListEvents)
	r.GET("/security/events/review-queue", h.ReviewQueue)
	r.POST("/security/events/review-queue/clear", h.ClearReviewQueue)
	r.POST("/security/events/:id/review", h.ReviewEvent)
	r.GET("/security/sources/blocked", h.ListBlocked)
	r.POST("/security/sources/:id/unblock", h.UnblockSource)
	r.GET("/security/sources/:id/risk", h.SourceRisk)
	r.GET("/security/audit-trail", h.AuditTrail)
	r.GET("/security/dashboard", h.Dashboard)
}

// ListEvents handles GET /v1/security/events
func (h *Handler) ListEvents(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 1000)
	filter := EventFilter{
		Source: c.Query("source"),
		Type:   ThreatType(c.Query("type")),
		Limit:  limit + 1,
	}
	if lvl := c.Query("min_level"); lvl != "" {
		filter.MinLevel = ParseThreatLevel(lvl)
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}
	if cursor != nil {
		filter.Before = cursor.CreatedAt
	}

	events, err := h.store.ListEvents(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	events, nextCursor, hasMore := pagination.ComputePage(events, limit, func(e *ThreatEvent) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"events":      events,
		"count":       len(events),
		"next_cursor": nextCursor,
		"has_more":    hasMore,
	})
}

// ReviewQueue handles GET /v1/security/events/review-queue
func (h *Handler) ReviewQueue(c *gin.Context) {
	events, err := h.store.ListEvents(c.Request.Context(), EventFilter{
		PendingReview: true,
		Limit:         parseLimit(c.Query("limit"), 100, 1000),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

type reviewRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

// ReviewEvent handles POST /v1/security/events/:id/review
func (h *Handler) ReviewEvent(c *gin.Context) {
	id := c.Param("id")

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("actor", req.Actor),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	event, err := h.detector.ReviewEvent(c.Request.Context(), id, req.Actor, req.Note)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Threat event not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"event": event})
}

// ClearReviewQueue handles POST /v1/security/events/review-queue/clear
func (h *Handler) ClearReviewQueue(c *gin.Context) {
	var req reviewRequest
	_ = c.ShouldBindJSON(&req)
	if req.Actor == "" {
		req.Actor = "ops"
	}

	n, err := h.detector.ClearReviewQueue(c.Request.Context(), req.Actor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// ListBlocked handles GET /v1/security/sources/blocked
func (h *Handler) ListBlocked(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "true") != "false"

	blocks, err := h.store.ListBlocks(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"blocks": blocks,
		"count":  len(blocks),
	})
}

// UnblockSource handles POST /v1/security/sources/:id/unblock
func (h *Handler) UnblockSource(c *gin.Context) {
	source := c.Param("id")

	var req reviewRequest
	_ = c.ShouldBindJSON(&req)
	if req.Actor == "" {
		req.Actor = "ops"
	}

	block, err := h.detector.Unblock(c.Request.Context(), source, req.Actor)
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No active block for source",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"block": block})
}

// SourceRisk handles GET /v1/security/sources/:id/risk
func (h *Handler) SourceRisk(c *gin.Context) {
	profile, err := h.detector.RiskProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// AuditTrail handles GET /v1/security/audit-trail
func (h *Handler) AuditTrail(c *gin.Context) {
	entries, err := h.store.ListAudit(c.Request.Context(), parseLimit(c.Query("limit"), 100, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// Dashboard handles GET /v1/security/dashboard
func (h *Handler) Dashboard(c *gin.Context) {
	stats, err := h.detector.Dashboard(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dashboard": stats})
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return def
	}
	if parsed > max {
		return max
	}
	return parsed
}
