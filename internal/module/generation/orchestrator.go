package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	apperrors "github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/errors"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/metrics"
)

// artifactStore uploads finished artifacts. Upload failures never fail
// the job; the artifact falls back to an inline data URI.
type artifactStore interface {
	PutIcon(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// usageRecorder appends zero-token failure records to the usage ledger.
type usageRecorder interface {
	RecordFailure(ctx context.Context, userID uuid.UUID, usageType model.UsageType, prompt, style string) error
}

// Orchestrator drives one generation job: narration first, then strictly
// sequential image variations, then the terminal event.
type Orchestrator struct {
	narrator TextProvider
	images   ImageProvider
	store    artifactStore
	usage    usageRecorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewOrchestrator creates the orchestrator. store may be nil when object
// storage is not configured.
func NewOrchestrator(narrator TextProvider, images ImageProvider, store artifactStore, usage usageRecorder, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		narrator: narrator,
		images:   images,
		store:    store,
		usage:    usage,
		logger:   logger,
		metrics:  m,
	}
}

// Run executes the job and writes events to the stream. It returns when
// the terminal event has been emitted or the context is done.
func (o *Orchestrator) Run(ctx context.Context, userID uuid.UUID, job *Job, stream *Stream) {
	narrated := false
	err := o.narrator.StreamNarration(ctx, job.NarrationPrompt(), func(fragment string) {
		narrated = true
		stream.Thought(fragment)
	})
	if err != nil && !narrated {
		// Nothing has reached the client yet; this is the only point
		// where a provider failure surfaces as a hard error.
		o.logger.Error("narration failed before first fragment",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		o.metrics.GenerationsTotal.WithLabelValues("error").Inc()
		o.recordFailure(ctx, userID, job)
		stream.Error("icon generation failed to start")
		return
	}
	if err != nil {
		o.logger.Warn("narration ended early", zap.Error(err))
	}

	attempts := job.Variations()
	imagePrompt := job.ImagePrompt()

	var icons []string
	aborted := false
	for i := 0; i < attempts && !aborted; i++ {
		if ctx.Err() != nil {
			break
		}

		img, genErr := o.images.Generate(ctx, imagePrompt)
		if genErr != nil {
			o.metrics.GenerationVariation.WithLabelValues("failure").Inc()
			if errors.Is(genErr, apperrors.ErrProviderBillingLimit) {
				// Further calls can only fail the same way.
				o.logger.Error("provider billing limit reached, aborting job",
					zap.Int("variation", i+1),
					zap.Error(genErr),
				)
				aborted = true
				continue
			}
			o.logger.Warn("variation failed",
				zap.Int("variation", i+1),
				zap.Error(genErr),
			)
			stream.Thought(fmt.Sprintf("Variation %d didn't come out right, trying the next one.", i+1))
			continue
		}

		o.metrics.GenerationVariation.WithLabelValues("success").Inc()
		icons = append(icons, o.artifactURL(ctx, userID, img))
	}

	if ctx.Err() != nil {
		o.logger.Info("generation cancelled by client",
			zap.String("user_id", userID.String()),
			zap.Int("icons_completed", len(icons)),
		)
		o.metrics.GenerationsTotal.WithLabelValues("cancelled").Inc()
		return
	}

	if len(icons) == 0 {
		for i := 0; i < attempts; i++ {
			icons = append(icons, FallbackIcon(job.Prompt, i))
		}
		reason := "image providers were unavailable, returning placeholder icons"
		if aborted {
			reason = "image provider billing limit reached, returning placeholder icons"
		}
		o.recordFailure(ctx, userID, job)
		o.metrics.GenerationsTotal.WithLabelValues("degraded").Inc()
		stream.Complete(true, icons, reason)
		return
	}

	o.metrics.GenerationsTotal.WithLabelValues("success").Inc()
	stream.Complete(true, icons, "")
}

// artifactURL uploads the artifact when storage is configured, otherwise
// inlines it as a data URI.
func (o *Orchestrator) artifactURL(ctx context.Context, userID uuid.UUID, img *Image) string {
	inline := fmt.Sprintf("data:%s;base64,%s", img.ContentType, base64.StdEncoding.EncodeToString(img.Data))
	if o.store == nil {
		return inline
	}

	key := fmt.Sprintf("icons/%s/%s.png", userID, uuid.New())
	url, err := o.store.PutIcon(ctx, key, img.Data, img.ContentType)
	if err != nil {
		o.logger.Warn("artifact upload failed, inlining image",
			zap.String("key", key),
			zap.Error(err),
		)
		return inline
	}
	return url
}

func (o *Orchestrator) recordFailure(ctx context.Context, userID uuid.UUID, job *Job) {
	usageType := model.UsageTypeGeneration
	if job.IsImprovement {
		usageType = model.UsageTypeImprovement
	}
	if err := o.usage.RecordFailure(ctx, userID, usageType, job.Prompt, job.Style); err != nil {
		o.logger.Warn("failed to record generation failure", zap.Error(err))
	}
}
