package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	"github.com/ramiqadoumi/go-agent-flow/internal/cli"
)

// Config holds typed configuration for the dispatcher service.
type Config struct {
	LogLevel    string
	Backend     backend.Config
	Concurrency int
	// RateLimit caps the steps routed per capability per RateWindow; 0 disables it.
	RateLimit    int
	RateWindow   time.Duration
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper, consumerID string) Config {
	cfg := Config{
		LogLevel:     v.GetString("log_level"),
		Backend:      cli.LoadBackend(v, "dispatcher-group", consumerID),
		Concurrency:  v.GetInt("concurrency"),
		RateLimit:    v.GetInt("rate_limit"),
		RateWindow:   v.GetDuration("rate_window"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	// The dispatcher never reads tasks.
	cfg.Backend.StoreBackend = backend.Memory
	return cfg
}
