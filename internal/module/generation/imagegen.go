package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/config"
	apperrors "github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/errors"
)

// Image is one generated artifact.
type Image struct {
	Data        []byte
	ContentType string
}

// ImageProvider produces a single image per call.
type ImageProvider interface {
	Generate(ctx context.Context, prompt string) (*Image, error)
}

// openAIImages talks to an OpenAI-compatible image generations endpoint.
type openAIImages struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewImageProvider creates the image generations client.
func NewImageProvider(cfg *config.AIConfig) ImageProvider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openAIImages{
		baseURL: cfg.ImageBaseURL,
		apiKey:  cfg.ImageAPIKey,
		model:   cfg.ImageModel,
		client:  &http.Client{Timeout: timeout},
	}
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (p *openAIImages) Generate(ctx context.Context, prompt string) (*Image, error) {
	body := map[string]any{
		"model":           p.model,
		"prompt":          prompt,
		"n":               1,
		"size":            "1024x1024",
		"response_format": "b64_json",
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/generations", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyProviderError(resp.StatusCode, respBody)
	}

	var parsed imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("%w: empty image response", apperrors.ErrProviderTransient)
	}

	data, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	return &Image{Data: data, ContentType: "image/png"}, nil
}

// classifyProviderError maps provider HTTP failures onto the closed error
// kinds the orchestrator dispatches on. Billing hard limits abort the
// whole job; everything else costs one variation.
func classifyProviderError(status int, body []byte) error {
	text := strings.ToLower(string(body))

	switch {
	case status == http.StatusPaymentRequired,
		strings.Contains(text, "billing_hard_limit"),
		strings.Contains(text, "billing hard limit"):
		return fmt.Errorf("%w (status %d)", apperrors.ErrProviderBillingLimit, status)
	case status == http.StatusTooManyRequests,
		strings.Contains(text, "insufficient_quota"):
		return fmt.Errorf("%w (status %d)", apperrors.ErrProviderQuotaExceeded, status)
	case strings.Contains(text, "content_policy"),
		strings.Contains(text, "safety system"):
		return fmt.Errorf("%w (status %d)", apperrors.ErrProviderContentPolicy, status)
	default:
		return fmt.Errorf("%w (status %d)", apperrors.ErrProviderTransient, status)
	}
}

// breakerProvider wraps an ImageProvider in a circuit breaker. An open
// breaker reads as a transient variation failure, not a hard abort.
type breakerProvider struct {
	inner ImageProvider
	cb    *gobreaker.CircuitBreaker[*Image]
}

// NewBreakerProvider wraps the provider with a circuit breaker.
func NewBreakerProvider(inner ImageProvider) ImageProvider {
	settings := gobreaker.Settings{
		Name:    "image-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &breakerProvider{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[*Image](settings),
	}
}

func (b *breakerProvider) Generate(ctx context.Context, prompt string) (*Image, error) {
	img, err := b.cb.Execute(func() (*Image, error) {
		return b.inner.Generate(ctx, prompt)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open", apperrors.ErrProviderTransient)
		}
		return nil, err
	}
	return img, nil
}
