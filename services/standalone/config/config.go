package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability/tools"
	"github.com/ramiqadoumi/go-agent-flow/internal/cli"
	"github.com/ramiqadoumi/go-agent-flow/internal/llm"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/policy"
)

// Config holds typed configuration for the single-process engine.
type Config struct {
	LogLevel      string
	Backend       backend.Config
	HTTPPort      string
	APIKey        string
	Concurrency   int
	StepTimeout   time.Duration
	MaxSteps      int
	Policy        policy.Config
	SweepSchedule string
	StaleAfter    time.Duration
	CatalogFile   string
	LLM           llm.Config
	Tools         tools.Config
	MetricsAddr   string
	OTelEndpoint  string
}

// Load reads all values from the given viper instance. The queue is always
// in memory.
func Load(v *viper.Viper) Config {
	b := cli.LoadBackend(v, "agentflow", "agentflow")
	b.QueueBackend = backend.Memory
	return Config{
		LogLevel:    v.GetString("log_level"),
		Backend:     b,
		HTTPPort:    v.GetString("http_port"),
		APIKey:      v.GetString("api_key"),
		Concurrency: v.GetInt("concurrency"),
		StepTimeout: v.GetDuration("step_timeout"),
		MaxSteps:    v.GetInt("max_steps"),
		Policy: policy.Config{
			Stages:     policy.ParseStages(v.GetStringSlice("stages")),
			MaxRetries: v.GetInt("max_retries"),
			Fallbacks:  v.GetStringMapString("fallbacks"),
		},
		SweepSchedule: v.GetString("sweep_schedule"),
		StaleAfter:    v.GetDuration("stale_after"),
		CatalogFile:   v.GetString("catalog_file"),
		LLM: llm.Config{
			Provider:   v.GetString("llm_provider"),
			Model:      v.GetString("llm_model"),
			APIKey:     v.GetString("llm_api_key"),
			BaseURL:    v.GetString("llm_base_url"),
			UseBedrock: v.GetBool("anthropic_bedrock"),
			AWSRegion:  v.GetString("aws_region"),
		},
		Tools: tools.Config{
			Webhook: tools.WebhookConfig{URL: v.GetString("webhook_url")},
			Email: tools.EmailConfig{
				Host: v.GetString("smtp_host"),
				Port: v.GetInt("smtp_port"),
				From: v.GetString("smtp_from"),
				To:   v.GetString("email_to"),
			},
		},
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
