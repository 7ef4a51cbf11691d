package pipeline

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/policy"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/validation"
)

// Handler exposes the decision pipeline over HTTP.
type Handler struct {
	service    *Service
	engine     *rules.Engine
	combinator *policy.Combinator
}

// NewHandler creates a new pipeline handler.
func NewHandler(service *Service, engine *rules.Engine, combinator *policy.Combinator) *Handler {
	return &Handler{service: service, engine: engine, combinator: combinator}
}

// RegisterRoutes sets up decision and ops routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/decision", h.Decide)
	r.GET("/decision/flags", h.ListFlags)
	r.POST("/rules/denylist", h.AddDenyEntry)
	r.DELETE("/rules/denylist", h.RemoveDenyEntry)
	r.GET("/policy/thresholds", h.GetThresholds)
	r.POST("/policy/thresholds", h.UpdateThreshold)
}

// Decide handles POST /v1/decision
func (h *Handler) Decide(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	resp, err := h.service.Decide(c.Request.Context(), req)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": reqErr.Error(),
				"details": reqErr.Errors,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListFlags handles GET /v1/decision/flags
func (h *Handler) ListFlags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flags": rules.FlagDescriptions()})
}

type denyRequest struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

func (r denyRequest) kind() (rules.DenyKind, bool) {
	switch rules.DenyKind(r.Kind) {
	case rules.DenyUser, rules.DenyDevice, rules.DenyIP, rules.DenyMerchant:
		return rules.DenyKind(r.Kind), true
	}
	return "", false
}

// AddDenyEntry handles POST /v1/rules/denylist
func (h *Handler) AddDenyEntry(c *gin.Context) {
	var req denyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("value", req.Value),
		validation.MaxLength("value", req.Value, 256),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	kind, ok := req.kind()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind must be one of user, device, ip, merchant",
		})
		return
	}

	h.engine.Deny(kind, req.Value)
	c.JSON(http.StatusOK, gin.H{"kind": kind, "value": req.Value, "denied": true})
}

// RemoveDenyEntry handles DELETE /v1/rules/denylist
func (h *Handler) RemoveDenyEntry(c *gin.Context) {
	var req denyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	kind, ok := req.kind()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind must be one of user, device, ip, merchant",
		})
		return
	}

	h.engine.Unban(kind, req.Value)
	c.JSON(http.StatusOK, gin.H{"kind": kind, "value": req.Value, "denied": false})
}

// GetThresholds handles GET /v1/policy/thresholds
func (h *Handler) GetThresholds(c *gin.Context) {
	t := h.combinator.CurrentThresholds()
	c.JSON(http.StatusOK, thresholdsResponse(t))
}

func thresholdsResponse(t policy.Thresholds) gin.H {
	return gin.H{
		"monitor": t[0],
		"step_up": t[1],
		"review":  t[2],
		"block":   t[3],
	}
}

type thresholdRequest struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// UpdateThreshold handles POST /v1/policy/thresholds
func (h *Handler) UpdateThreshold(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.combinator.UpdateThreshold(req.Index, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_threshold",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, thresholdsResponse(h.combinator.CurrentThresholds()))
}
