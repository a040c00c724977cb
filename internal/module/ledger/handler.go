package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/middleware"
)

// Handler exposes the credits HTTP surface.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a credits handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers the credits routes. All require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/debit", h.Debit)
	r.GET("/check", h.Check)
}

// DebitRequest is the body of POST /credits/debit.
type DebitRequest struct {
	Prompt        string `json:"prompt" binding:"required"`
	Style         string `json:"style" binding:"required"`
	IsImprovement bool   `json:"isImprovement"`
}

// Debit charges one credit for a completed generation.
func (h *Handler) Debit(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt and style are required"})
		return
	}

	usageType := model.UsageTypeGeneration
	if req.IsImprovement {
		usageType = model.UsageTypeImprovement
	}

	result, err := h.service.Debit(c.Request.Context(), userID, 1, usageType, req.Prompt, req.Style)
	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":            "Insufficient credits",
				"remaining_tokens": insufficient.Remaining,
				"monthly_limit":    insufficient.Limit,
				"plan_type":        insufficient.PlanType,
			})
			return
		}
		h.logger.Error("debit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"remaining_tokens": result.Remaining,
		"usage_id":         result.UsageID,
	})
}

// Check returns the current entitlement snapshot.
func (h *Handler) Check(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ent, err := h.service.CheckEntitlement(c.Request.Context(), userID, 1)
	if err != nil {
		h.logger.Error("entitlement check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, ent)
}
