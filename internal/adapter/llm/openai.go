// Package llm provides model-invocation clients for the engine. The
// OpenAI-compatible client covers any provider speaking the chat
// completions wire format.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"forge-ai/internal/infra/tracer"
)

// ClientConfig holds connection settings for an OpenAI-compatible API.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client implements domain.ModelInvoker and domain.StreamingInvoker over
// the chat completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client with configured timeouts.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Invoke sends one prompt and returns the completion text.
func (c *Client) Invoke(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.invoke",
		trace.WithAttributes(tracer.StringAttr("llm.model", model)),
	)
	defer span.End()

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, c.http, c.baseURL+"/chat/completions", body, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("empty choices in completion")
		tracer.RecordError(span, err)
		return "", err
	}

	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", resp.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	c.logger.Debug("llm invoke completed",
		"model", model,
		"tokens", resp.Usage.TotalTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

// InvokeStream sends one prompt and returns the completion incrementally.
// The channel closes when the stream ends or ctx is cancelled.
func (c *Client) InvokeStream(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (<-chan string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doStreamRequest(ctx, c.http, c.baseURL+"/chat/completions", body, c.headers())
	if err != nil {
		return nil, err
	}

	return parseSSEStream(ctx, resp.Body, func(data []byte) (string, bool) {
		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil || len(chunk.Choices) == 0 {
			return "", false
		}
		return chunk.Choices[0].Delta.Content, true
	}), nil
}

func (c *Client) headers() map[string]string {
	h := map[string]string{}
	if c.apiKey != "" {
		h["Authorization"] = "Bearer " + c.apiKey
	}
	return h
}

// --- chat completions wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}
