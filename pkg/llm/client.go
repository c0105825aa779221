// Package llm talks to an OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shopquery/shopquery/pkg/config"
	"github.com/shopquery/shopquery/pkg/models"
)

// ErrNoChoices is returned when the provider answers without a completion.
var ErrNoChoices = errors.New("llm returned no choices")

// Client sends chat completion requests.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a Client from cfg.
func New(cfg config.LLMConfig, logger *zap.Logger) (*Client, error) {
	if _, err := url.Parse(cfg.URL); err != nil || cfg.URL == "" {
		return nil, fmt.Errorf("invalid llm url %q", cfg.URL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("llm"),
	}, nil
}

// Complete sends messages and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, messages []models.ChatMessage) (string, error) {
	temp := 0.0
	body, err := json.Marshal(models.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: &temp,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var chat models.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", ErrNoChoices
	}

	fields := []zap.Field{zap.String("model", chat.Model), zap.Duration("latency", time.Since(start))}
	if chat.Usage != nil {
		fields = append(fields, zap.Int("total_tokens", chat.Usage.TotalTokens))
	}
	c.logger.Debug("completion received", fields...)
	return strings.TrimSpace(chat.Choices[0].Message.Content), nil
}

// Ping checks that the provider answers a trivial completion.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Complete(ctx, []models.ChatMessage{{Role: "user", Content: "ping"}})
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
