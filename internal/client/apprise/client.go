package apprise

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/castscribe/internal/config"
	"github.com/castscribe/pkg/logger"
)

// Notification types understood by the Apprise API.
const (
	TypeInfo    = "info"
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeFailure = "failure"
)

// Client wraps the Apprise API. A disabled client accepts and drops everything.
type Client struct {
	cfg    config.AppriseConfig
	client *resty.Client
}

// NewClient creates a new Apprise client.
func NewClient(cfg config.AppriseConfig) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &Client{
		cfg:    cfg,
		client: client,
	}
}

// NotifyRequest is the request body for Apprise.
type NotifyRequest struct {
	Body  string `json:"body"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Notify sends a notification to the configured key.
func (c *Client) Notify(ctx context.Context, title, body, notifyType string) error {
	if !c.cfg.Enabled {
		return nil
	}

	tag := c.cfg.Tag
	if tag == "" {
		tag = "all"
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(NotifyRequest{
			Title: title,
			Body:  body,
			Type:  notifyType,
			Tag:   tag,
		}).
		SetPathParam("key", c.cfg.Key).
		Post("/notify/{key}")
	if err != nil {
		return fmt.Errorf("apprise request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("apprise error (%d): %s", resp.StatusCode(), resp.String())
	}

	logger.Debugf("🔔 Notification sent: %s", title)
	return nil
}

func (c *Client) NotifySuccess(ctx context.Context, title, body string) error {
	return c.Notify(ctx, title, body, TypeSuccess)
}

func (c *Client) NotifyError(ctx context.Context, title, body string) error {
	return c.Notify(ctx, title, body, TypeFailure)
}

func (c *Client) NotifyInfo(ctx context.Context, title, body string) error {
	return c.Notify(ctx, title, body, TypeInfo)
}
