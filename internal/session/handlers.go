package session

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/validation"
)

// Handler provides HTTP endpoints for session management.
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a new session handler.
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/active", h.ListActive)
	r.GET("/sessions/suspicious", h.ListSuspicious)
	r.GET("/sessions/stats", h.GetStats)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/sessions/:id/risk", h.GetRisk)
	r.GET("/sessions/:id/events", h.ListEvents)
	r.POST("/sessions/:id/terminate", h.TerminateSession)
}

type createRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("user_id", req.UserID),
		validation.MaxLength("user_id", req.UserID, 128),
		validation.MaxLength("device_id", req.DeviceID, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sess, err := h.tracker.Create(c.Request.Context(), req.UserID, req.DeviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.tracker.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// GetRisk handles GET /v1/sessions/:id/risk
func (h *Handler) GetRisk(c *gin.Context) {
	sess, err := h.tracker.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"risk_score": sess.RiskScore,
		"risk_level": sess.RiskLevel,
		"status":     sess.Status,
	})
}

// ListActive handles GET /v1/sessions/active
func (h *Handler) ListActive(c *gin.Context) {
	sessions, err := h.tracker.ListActive(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// ListSuspicious handles GET /v1/sessions/suspicious
func (h *Handler) ListSuspicious(c *gin.Context) {
	minScore := 60.0
	if raw := c.Query("min_score"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 {
			minScore = parsed
		}
	}

	sessions, err := h.tracker.ListSuspicious(c.Request.Context(), minScore, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions":  sessions,
		"count":     len(sessions),
		"min_score": minScore,
	})
}

// ListEvents handles GET /v1/sessions/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.tracker.Events(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
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

type terminateRequest struct {
	Reason string `json:"reason"`
}

// TerminateSession handles POST /v1/sessions/:id/terminate
func (h *Handler) TerminateSession(c *gin.Context) {
	var req terminateRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}

	sess, err := h.tracker.Terminate(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// GetStats handles GET /v1/sessions/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.tracker.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func queryLimit(c *gin.Context) int {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
			if limit > 1000 {
				limit = 1000
			}
		}
	}
	return limit
}
