// Package ollama runs the optional LLM enhancement stage against an Ollama server.
package ollama

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/castscribe/internal/config"
	"github.com/castscribe/pkg/logger"
)

// Client wraps the Ollama generate API.
type Client struct {
	cfg     config.EnhanceConfig
	client  *resty.Client
	limiter *rate.Limiter
}

// NewClient creates a new Ollama client.
func NewClient(cfg config.EnhanceConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	c := &Client{cfg: cfg, client: client}
	if cfg.RateLimitRPM > 0 {
		rps := float64(cfg.RateLimitRPM) / 60.0
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		logger.Infof("🚦 Enhancer rate limit: %d RPM", cfg.RateLimitRPM)
	}
	return c
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Generate sends one non-streaming prompt and returns the completion.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}

	var out generateResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(generateRequest{Model: c.cfg.Model, Prompt: prompt}).
		SetResult(&out).
		SetError(&out).
		Post("/api/generate")
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	if resp.IsError() {
		msg := out.Error
		if msg == "" {
			msg = resp.String()
		}
		return "", fmt.Errorf("ollama error (%d): %s", resp.StatusCode(), msg)
	}
	return out.Response, nil
}
