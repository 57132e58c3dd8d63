package config

import (
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	"github.com/ramiqadoumi/go-agent-flow/internal/cli"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel      string
	Backend       backend.Config
	HTTPPort      string
	APIKey        string
	RateLimit     int
	MaxBodyBytes  int64
	CatalogFile   string
	ArchiveBucket string
	AWSRegion     string
	MetricsAddr   string
	OTelEndpoint  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper, consumerID string) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		Backend:       cli.LoadBackend(v, "api-gateway-group", consumerID),
		HTTPPort:      v.GetString("http_port"),
		APIKey:        v.GetString("api_key"),
		RateLimit:     v.GetInt("rate_limit"),
		MaxBodyBytes:  v.GetInt64("max_body_bytes"),
		CatalogFile:   v.GetString("catalog_file"),
		ArchiveBucket: v.GetString("archive_bucket"),
		AWSRegion:     v.GetString("aws_region"),
		MetricsAddr:   v.GetString("metrics_addr"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}
