package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	sharedcli "github.com/ramiqadoumi/go-agent-flow/internal/cli"
	redisstore "github.com/ramiqadoumi/go-agent-flow/internal/redis"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-agent-flow/services/dispatcher"
	"github.com/ramiqadoumi/go-agent-flow/services/dispatcher/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher",
	RunE:  runServe,
}

func init() {
	fs := serveCmd.Flags()
	sharedcli.AddBackendFlags(fs, backend.Memory, backend.Kafka)
	sharedcli.AddTelemetryFlags(fs, ":9094")
	fs.Int("concurrency", 4, "steps routed in parallel")
	fs.Int("rate-limit", 20, "max steps per window per capability (0 = disabled)")
	fs.Duration("rate-window", time.Second, "rate limit window")

	sharedcli.BindFlag("concurrency", fs, "concurrency")
	sharedcli.BindFlag("rate_limit", fs, "rate-limit")
	sharedcli.BindFlag("rate_window", fs, "rate-window")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper(), "dispatcher-"+uuid.New().String()[:8])
	logger := sharedcli.BuildLogger(sharedcli.ParseLevel(cfg.LogLevel), "dispatcher")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "dispatcher", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	b, err := backend.Open(initCtx, cfg.Backend, backend.Options{NeedRedis: cfg.RateLimit > 0}, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	var limiter redisstore.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = redisstore.NewRateLimiter(b.Redis, "capability", cfg.RateLimit, cfg.RateWindow)
		logger.Info("rate limiter enabled",
			slog.Int("limit", cfg.RateLimit),
			slog.Duration("window", cfg.RateWindow),
		)
	}

	d := dispatcher.NewDispatcher(b.Queue, limiter, logger)

	ctx, stop := sharedcli.SignalContext(logger)
	defer stop()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, b.Ready)

	logger.Info("dispatcher starting", slog.Int("concurrency", cfg.Concurrency))
	if err := d.Run(ctx, cfg.Concurrency); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	logger.Info("stopped")
	return nil
}
