package generation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/middleware"
)

// Handler exposes the streaming generation endpoint.
type Handler struct {
	orchestrator *Orchestrator
	logger       *zap.Logger
}

// NewHandler creates the generation handler.
func NewHandler(orchestrator *Orchestrator, logger *zap.Logger) *Handler {
	return &Handler{orchestrator: orchestrator, logger: logger}
}

// RegisterRoutes mounts the generation routes on the group.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/stream", h.GenerateStream)
}

type generateRequest struct {
	Prompt                 string `json:"prompt"`
	Style                  string `json:"style"`
	Count                  int    `json:"count"`
	IsImprovement          bool   `json:"isImprovement"`
	BasePrompt             string `json:"basePrompt"`
	ImprovementInstruction string `json:"improvementInstruction"`
}

// GenerateStream runs one generation job over an SSE response.
func (h *Handler) GenerateStream(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	job := &Job{
		Prompt:                 req.Prompt,
		Style:                  req.Style,
		Count:                  req.Count,
		IsImprovement:          req.IsImprovement,
		BasePrompt:             req.BasePrompt,
		ImprovementInstruction: req.ImprovementInstruction,
	}
	if err := job.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	stream := NewStream(c.Writer)
	done := make(chan struct{})
	go func() {
		select {
		case <-c.Request.Context().Done():
			stream.Close()
		case <-done:
		}
	}()

	h.orchestrator.Run(c.Request.Context(), userID, job, stream)
	close(done)
	stream.Close()
}
