package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/middleware"
)

// Handler exposes the user-facing subscription endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates the billing handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the authenticated billing routes on the group.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/subscription", h.GetSubscription)
	router.POST("/cancel", h.Cancel)
	router.POST("/reactivate", h.Reactivate)
}

type subscriptionResponse struct {
	PlanType          string    `json:"plan_type"`
	Status            string    `json:"status"`
	PeriodStart       time.Time `json:"current_period_start"`
	PeriodEnd         time.Time `json:"current_period_end"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	MonthlyTokenLimit int64     `json:"monthly_token_limit"`
}

func toResponse(sub *model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		PlanType:          sub.PlanType,
		Status:            string(sub.Status),
		PeriodStart:       sub.PeriodStart,
		PeriodEnd:         sub.PeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		MonthlyTokenLimit: sub.MonthlyTokenLimit,
	}
}

// GetSubscription returns the caller's subscription record.
func (h *Handler) GetSubscription(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	sub, err := h.service.Subscription(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no subscription"})
			return
		}
		h.logger.Error("failed to load subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, toResponse(sub))
}

// Cancel schedules cancellation at the end of the current period. Access
// continues until the period closes.
func (h *Handler) Cancel(c *gin.Context) {
	h.setCancelFlag(c, true)
}

// Reactivate withdraws a scheduled cancellation.
func (h *Handler) Reactivate(c *gin.Context) {
	h.setCancelFlag(c, false)
}

func (h *Handler) setCancelFlag(c *gin.Context, cancel bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var (
		sub *model.Subscription
		err error
	)
	if cancel {
		sub, err = h.service.CancelAtPeriodEnd(c.Request.Context(), userID)
	} else {
		sub, err = h.service.Reactivate(c.Request.Context(), userID)
	}
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active subscription"})
			return
		}
		h.logger.Error("failed to update cancel flag",
			zap.String("user_id", userID.String()),
			zap.Bool("cancel", cancel),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment processor unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": toResponse(sub)})
}
