package gate

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/module/ledger"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/middleware"
)

// EntitlementChecker is the advisory credit snapshot. The check here only
// rejects obviously broke callers early; the ledger's atomic debit is the
// authoritative guard.
type EntitlementChecker interface {
	CheckEntitlement(ctx context.Context, userID uuid.UUID, needed int64) (*ledger.Entitlement, error)
}

// Middleware gates the generation route: rate limit first, then the
// advisory credit check. Neither touches the orchestrator.
func Middleware(limiter Limiter, entitlements EntitlementChecker, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		allowed, err := limiter.Allow(c.Request.Context(), userID.String())
		if err != nil {
			// Both counters failing means we cannot say no with
			// confidence; let the request through.
			logger.Error("rate limit check failed", zap.Error(err))
		} else if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests, please slow down",
			})
			return
		}

		ent, err := entitlements.CheckEntitlement(c.Request.Context(), userID, 1)
		if err != nil {
			logger.Error("entitlement check failed", zap.Error(err))
			c.Next()
			return
		}
		if !ent.Allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":            "Insufficient credits",
				"remaining_tokens": ent.Remaining,
				"monthly_limit":    ent.Limit,
				"plan_type":        ent.PlanType,
			})
			return
		}

		c.Next()
	}
}
