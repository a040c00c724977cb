package billing

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/metrics"
)

const maxWebhookBody = 1 << 16

// WebhookHandler receives processor notifications. Signature failures are
// rejected with 400 so the processor retries; everything after a verified
// signature answers 200, failures included, because redelivery of a known
// event cannot change the outcome.
type WebhookHandler struct {
	service   *Service
	processor ProcessorClient
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(service *Service, processor ProcessorClient, logger *zap.Logger, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{service: service, processor: processor, logger: logger, metrics: m}
}

// RegisterRoutes mounts the webhook endpoint. The route is unauthenticated;
// the signature header is the credential.
func (h *WebhookHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/billing/webhook", h.HandleWebhook)
}

// HandleWebhook verifies, parses and applies one notification.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := h.processor.ConstructWebhookEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		h.metrics.WebhookEventsTotal.WithLabelValues("unverified", "rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	eventType := string(event.Type)

	parsed, err := ParseEvent(event)
	if err != nil {
		h.logger.Error("malformed webhook payload",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		h.metrics.WebhookEventsTotal.WithLabelValues(eventType, "malformed").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if parsed.Kind == EventUnknown {
		h.metrics.WebhookEventsTotal.WithLabelValues(eventType, "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := h.service.Apply(c.Request.Context(), parsed); err != nil {
		h.logger.Error("failed to apply webhook event",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		h.metrics.WebhookEventsTotal.WithLabelValues(eventType, "failed").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	h.metrics.WebhookEventsTotal.WithLabelValues(eventType, "applied").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}
