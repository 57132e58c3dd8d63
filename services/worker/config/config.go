package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability/tools"
	"github.com/ramiqadoumi/go-agent-flow/internal/cli"
	"github.com/ramiqadoumi/go-agent-flow/internal/llm"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel     string
	Backend      backend.Config
	Capabilities []string
	Concurrency  int
	StepTimeout  time.Duration
	CatalogFile  string
	LLM          llm.Config
	Tools        tools.Config
	AuditLog     bool
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper, consumerID string) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		Backend:      cli.LoadBackend(v, "worker-group", consumerID),
		Capabilities: v.GetStringSlice("capabilities"),
		Concurrency:  v.GetInt("concurrency"),
		StepTimeout:  v.GetDuration("step_timeout"),
		CatalogFile:  v.GetString("catalog_file"),
		LLM: llm.Config{
			Provider:   v.GetString("llm_provider"),
			Model:      v.GetString("llm_model"),
			APIKey:     v.GetString("llm_api_key"),
			BaseURL:    v.GetString("llm_base_url"),
			UseBedrock: v.GetBool("anthropic_bedrock"),
			AWSRegion:  v.GetString("aws_region"),
		},
		Tools: tools.Config{
			Webhook: tools.WebhookConfig{
				URL:    v.GetString("webhook_url"),
				Method: v.GetString("webhook_method"),
			},
			Email: tools.EmailConfig{
				Host:     v.GetString("smtp_host"),
				Port:     v.GetInt("smtp_port"),
				From:     v.GetString("smtp_from"),
				To:       v.GetString("email_to"),
				Username: v.GetString("smtp_username"),
				Password: v.GetString("smtp_password"),
			},
		},
		AuditLog:     v.GetBool("audit_log"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
