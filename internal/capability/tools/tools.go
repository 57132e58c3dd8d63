// Package tools provides non-LLM capabilities that deliver the work of
// earlier stages to external systems. Both accept capability.StageInput, so
// they can be named as the final stage of a crew.
package tools

import (
	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
)

// Config enables tools. A tool whose target is empty is not registered.
type Config struct {
	Webhook WebhookConfig
	Email   EmailConfig
}

// Register adds every configured tool to reg.
func Register(reg *capability.Registry, cfg Config) error {
	if cfg.Webhook.URL != "" {
		if err := reg.Register(WebhookName, NewWebhook(cfg.Webhook), []byte(capability.StageInputSchema), []byte(webhookOutputSchema)); err != nil {
			return err
		}
	}
	if cfg.Email.Host != "" && cfg.Email.To != "" {
		if err := reg.Register(EmailName, NewEmail(cfg.Email), []byte(capability.StageInputSchema), []byte(emailOutputSchema)); err != nil {
			return err
		}
	}
	return nil
}
