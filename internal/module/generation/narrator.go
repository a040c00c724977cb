package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/config"
)

// TextProvider streams narration text for a job. Fragments are delivered
// in arrival order through the callback.
type TextProvider interface {
	StreamNarration(ctx context.Context, prompt string, onFragment func(string)) error
}

// openAIText talks to an OpenAI-compatible chat completions endpoint.
type openAIText struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewTextProvider creates the chat-completions narrator.
func NewTextProvider(cfg *config.AIConfig) TextProvider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openAIText{
		baseURL: cfg.TextBaseURL,
		apiKey:  cfg.TextAPIKey,
		model:   cfg.TextModel,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

func (p *openAIText) StreamNarration(ctx context.Context, prompt string, onFragment func(string)) error {
	body := map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"stream":     true,
		"max_tokens": 300,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("narration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyProviderError(resp.StatusCode, respBody)
	}

	parser := newSSEParser(resp.Body)
	for {
		event, err := parser.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read narration stream: %w", err)
		}

		if event.Data == "[DONE]" {
			return nil
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			onFragment(content)
		}
		if chunk.Choices[0].FinishReason != "" {
			return nil
		}
	}
}
