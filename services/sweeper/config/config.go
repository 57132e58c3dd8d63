package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	"github.com/ramiqadoumi/go-agent-flow/internal/cli"
)

// Config holds typed configuration for the sweeper service.
type Config struct {
	LogLevel      string
	Backend       backend.Config
	SweepSchedule string
	StaleAfter    time.Duration
	LeaderTTL     time.Duration
	MetricsAddr   string
	OTelEndpoint  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper, consumerID string) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		Backend:       cli.LoadBackend(v, "sweeper-group", consumerID),
		SweepSchedule: v.GetString("sweep_schedule"),
		StaleAfter:    v.GetDuration("stale_after"),
		LeaderTTL:     v.GetDuration("leader_ttl"),
		MetricsAddr:   v.GetString("metrics_addr"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}
