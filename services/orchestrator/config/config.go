package config

import (
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	"github.com/ramiqadoumi/go-agent-flow/internal/cli"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/policy"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel      string
	Backend       backend.Config
	Concurrency   int
	MaxSteps      int
	MaxRetries    int
	Stages        [][]string
	Fallbacks     map[string]string
	CatalogFile   string
	WebhookURL    string
	SMTPHost      string
	EmailTo       string
	ArchiveBucket string
	AWSRegion     string
	MetricsAddr   string
	OTelEndpoint  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper, consumerID string) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		Backend:       cli.LoadBackend(v, "orchestrator-group", consumerID),
		Concurrency:   v.GetInt("concurrency"),
		MaxSteps:      v.GetInt("max_steps"),
		MaxRetries:    v.GetInt("max_retries"),
		Stages:        policy.ParseStages(v.GetStringSlice("stages")),
		Fallbacks:     v.GetStringMapString("fallbacks"),
		CatalogFile:   v.GetString("catalog_file"),
		WebhookURL:    v.GetString("webhook_url"),
		SMTPHost:      v.GetString("smtp_host"),
		EmailTo:       v.GetString("email_to"),
		ArchiveBucket: v.GetString("archive_bucket"),
		AWSRegion:     v.GetString("aws_region"),
		MetricsAddr:   v.GetString("metrics_addr"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}

// Policy returns the policy configuration.
func (c Config) Policy() policy.Config {
	return policy.Config{Stages: c.Stages, MaxRetries: c.MaxRetries, Fallbacks: c.Fallbacks}
}
