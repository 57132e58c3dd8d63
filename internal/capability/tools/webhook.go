package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
)

// WebhookName is the capability name of the webhook tool.
const WebhookName = "webhook"

const webhookOutputSchema = `{"type":"object","required":["status_code"],"properties":{"status_code":{"type":"integer"}}}`

// WebhookConfig is the fixed target of the webhook tool.
type WebhookConfig struct {
	URL     string
	Method  string
	Headers map[string]string
}

// Webhook posts its stage input as JSON to a configured URL.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook creates a Webhook. Method defaults to POST.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *Webhook) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "capability.webhook")
	defer span.End()

	span.SetAttributes(
		attribute.String("webhook.url", h.cfg.URL),
		attribute.String("webhook.method", h.cfg.Method),
	)

	req, err := http.NewRequestWithContext(ctx, h.cfg.Method, h.cfg.URL, bytes.NewReader(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, capability.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("webhook call to %s: %w", h.cfg.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d", h.cfg.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		// 4xx will not change on retry; 429 and 5xx might.
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, capability.Permanent(err)
		}
		return nil, err
	}
	return json.Marshal(map[string]int{"status_code": resp.StatusCode})
}
