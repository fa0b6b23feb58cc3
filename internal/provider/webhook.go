package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
)

// Webhook delivers the webhook channel by POSTing the notification as JSON to
// the recipient's configured URL. A 2xx response counts as delivered; webhooks
// have no separate confirmation step.
type Webhook struct {
	client *http.Client
	logger *zap.Logger
}

// WebhookConfig holds webhook settings.
type WebhookConfig struct {
	Timeout time.Duration
}

// NewWebhook creates the webhook provider.
func NewWebhook(cfg WebhookConfig, logger *zap.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (w *Webhook) Name() string       { return "webhook" }
func (w *Webhook) Channel() string    { return db.ChannelWebhook }
func (w *Webhook) MaxBodyLength() int { return 0 }

func (w *Webhook) Send(ctx context.Context, recipientAddress string, content Content) (*Result, error) {
	target, err := url.Parse(recipientAddress)
	if err != nil || target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: webhook address must be an http(s) URL", ErrInvalidAddress)
	}

	body, err := json.Marshal(map[string]interface{}{
		"notification_id": content.NotificationID,
		"title":           content.Title,
		"body":            content.Body,
		"action_url":      content.ActionURL,
		"priority":        content.Priority,
		"data":            content.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipientAddress, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0")
	req.Header.Set("X-Herald-Notification-ID", content.NotificationID.String())
	req.Header.Set("X-Herald-Organization-ID", content.OrganizationID.String())

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(preview))
	}

	w.logger.Info("webhook delivered",
		zap.String("notification_id", content.NotificationID.String()),
		zap.String("url", target.Host),
		zap.Int("status_code", resp.StatusCode),
	)

	return &Result{
		ProviderMessageID: content.NotificationID.String(),
		Delivered:         true,
	}, nil
}
