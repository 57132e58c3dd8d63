package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/archive"
	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	sharedcli "github.com/ramiqadoumi/go-agent-flow/internal/cli"
	redisstore "github.com/ramiqadoumi/go-agent-flow/internal/redis"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-agent-flow/services/api-gateway/config"
	"github.com/ramiqadoumi/go-agent-flow/services/api-gateway/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	fs := serveCmd.Flags()
	sharedcli.AddBackendFlags(fs, backend.Redis, backend.Kafka)
	sharedcli.AddTelemetryFlags(fs, ":9095")
	fs.String("http-port", "8080", "HTTP server port")
	fs.String("api-key", "", "shared key clients send in X-API-Key; empty disables auth")
	fs.Int("rate-limit", 60, "requests per minute per client (0 = disabled)")
	fs.Int64("max-body-bytes", 1<<20, "maximum request body size")
	fs.String("catalog-file", "", "capability catalog YAML reported by /health (default: built-in crew)")
	fs.String("archive-bucket", "", "S3 bucket holding execution logs; empty disables the fallback")
	fs.String("aws-region", "", "AWS region for the archive bucket")

	sharedcli.BindFlag("http_port", fs, "http-port")
	sharedcli.BindFlag("api_key", fs, "api-key")
	sharedcli.BindFlag("rate_limit", fs, "rate-limit")
	sharedcli.BindFlag("max_body_bytes", fs, "max-body-bytes")
	sharedcli.BindFlag("catalog_file", fs, "catalog-file")
	sharedcli.BindFlag("archive_bucket", fs, "archive-bucket")
	sharedcli.BindFlag("aws_region", fs, "aws-region")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper(), "api-gateway-"+uuid.New().String()[:8])
	logger := sharedcli.BuildLogger(sharedcli.ParseLevel(cfg.LogLevel), "api-gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api-gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	catalog, err := capability.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := backend.Open(initCtx, cfg.Backend, backend.Options{NeedRedis: cfg.RateLimit > 0}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	var arch archive.Archiver = archive.Nop{}
	if cfg.ArchiveBucket != "" {
		s3, err := archive.NewS3(initCtx, cfg.ArchiveBucket, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		arch = s3
	}

	routerCfg := handler.RouterConfig{APIKey: cfg.APIKey, MaxBodyBytes: cfg.MaxBodyBytes}
	if cfg.RateLimit > 0 {
		routerCfg.Limiter = redisstore.NewRateLimiter(b.Redis, "client", cfg.RateLimit, time.Minute)
	}
	rest := handler.NewREST(b.Store, b.Queue, arch, catalog.Names(), logger)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(rest, routerCfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := sharedcli.SignalContext(logger)
	defer stop()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, b.Ready)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api-gateway HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.Bool("auth", cfg.APIKey != ""),
			slog.Int("rate_limit_per_minute", cfg.RateLimit),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
