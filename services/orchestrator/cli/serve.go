package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/archive"
	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability/tools"
	sharedcli "github.com/ramiqadoumi/go-agent-flow/internal/cli"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/config"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/policy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	RunE:  runServe,
}

func init() {
	fs := serveCmd.Flags()
	sharedcli.AddBackendFlags(fs, backend.Redis, backend.Kafka)
	sharedcli.AddTelemetryFlags(fs, ":9096")
	fs.Int("concurrency", 4, "events handled in parallel per topic")
	fs.Int("max-steps", orchestrator.DefaultMaxSteps, "maximum steps per task")
	fs.Int("max-retries", 1, "retries of a retryable step failure before fallback")
	fs.StringSlice("stages", nil, `default stages, e.g. "manager,developer+tester"`)
	fs.String("catalog-file", "", "capability catalog YAML (default: built-in crew)")
	fs.String("archive-bucket", "", "S3 bucket for execution logs; empty disables archiving")
	fs.String("aws-region", "", "AWS region for the archive bucket")

	sharedcli.BindFlag("concurrency", fs, "concurrency")
	sharedcli.BindFlag("max_steps", fs, "max-steps")
	sharedcli.BindFlag("max_retries", fs, "max-retries")
	sharedcli.BindFlag("stages", fs, "stages")
	sharedcli.BindFlag("catalog_file", fs, "catalog-file")
	sharedcli.BindFlag("archive_bucket", fs, "archive-bucket")
	sharedcli.BindFlag("aws_region", fs, "aws-region")
}

func runServe(_ *cobra.Command, _ []string) error {
	instanceID := "orchestrator-" + uuid.New().String()[:8]
	cfg := config.Load(viper.GetViper(), instanceID)

	var level slog.LevelVar
	level.Set(sharedcli.ParseLevel(cfg.LogLevel))
	logger := sharedcli.BuildLogger(&level, "orchestrator").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "orchestrator", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	b, err := backend.Open(initCtx, cfg.Backend, backend.Options{}, logger)
	if err != nil {
		cancel()
		return err
	}
	defer func() { _ = b.Close() }()

	var arch archive.Archiver = archive.Nop{}
	if cfg.ArchiveBucket != "" {
		s3, err := archive.NewS3(initCtx, cfg.ArchiveBucket, cfg.AWSRegion)
		if err != nil {
			cancel()
			return fmt.Errorf("archive: %w", err)
		}
		arch = s3
		logger.Info("execution log archive enabled", slog.String("bucket", cfg.ArchiveBucket))
	}
	cancel()

	o := orchestrator.New(b.Store, b.Queue, registry, policy.NewStaged(cfg.Policy()),
		orchestrator.WithLogger(logger),
		orchestrator.WithMaxSteps(cfg.MaxSteps),
		orchestrator.WithArchiver(arch),
	)

	// Hot reload of the tunables that are safe to change under load.
	viper.OnConfigChange(func(e fsnotify.Event) {
		level.Set(sharedcli.ParseLevel(viper.GetString("log_level")))
		o.SetMaxSteps(viper.GetInt("max_steps"))
		logger.Info("config reloaded",
			slog.String("file", e.Name),
			slog.String("log_level", level.Level().String()),
			slog.Int("max_steps", o.MaxSteps()),
		)
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}

	ctx, stop := sharedcli.SignalContext(logger)
	defer stop()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, b.Ready)

	logger.Info("orchestrator starting",
		slog.Any("capabilities", registry.Names()),
		slog.Int("max_steps", o.MaxSteps()),
		slog.Int("concurrency", cfg.Concurrency),
	)
	if err := o.Run(ctx, cfg.Concurrency); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// buildRegistry registers schemas only: the orchestrator validates actions
// but never executes them.
func buildRegistry(cfg config.Config) (*capability.Registry, error) {
	catalog, err := capability.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}
	reg := capability.NewRegistry()
	if err := catalog.Register(reg, nil); err != nil {
		return nil, err
	}
	if err := tools.Register(reg, tools.Config{
		Webhook: tools.WebhookConfig{URL: cfg.WebhookURL},
		Email:   tools.EmailConfig{Host: cfg.SMTPHost, To: cfg.EmailTo},
	}); err != nil {
		return nil, err
	}
	return reg, nil
}
