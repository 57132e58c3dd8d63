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
	"github.com/ramiqadoumi/go-agent-flow/internal/llm"
	"github.com/ramiqadoumi/go-agent-flow/internal/postgres"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-agent-flow/services/worker"
	"github.com/ramiqadoumi/go-agent-flow/services/worker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker",
	RunE:  runServe,
}

func init() {
	fs := serveCmd.Flags()
	sharedcli.AddBackendFlags(fs, backend.Redis, backend.Kafka)
	// Steps may run for step-timeout; the redelivery window must outlast them.
	sharedcli.SetFlagDefault(fs, "visibility", "2m")
	sharedcli.AddTelemetryFlags(fs, ":9091")
	fs.StringSlice("capabilities", nil, "capabilities to consume (default: all registered)")
	fs.Int("concurrency", 4, "steps executed in parallel per capability")
	fs.Duration("step-timeout", 60*time.Second, "per-step execution timeout")
	fs.Bool("audit-log", false, "record every execution in the PostgreSQL step_executions table")
	fs.String("catalog-file", "", "capability catalog YAML (default: built-in crew)")
	fs.String("llm-provider", llm.ProviderEcho, "language model provider: openai | anthropic | ollama | echo")
	fs.String("llm-model", "", "model name (provider default when empty)")
	fs.String("llm-base-url", "", "provider endpoint override")
	fs.Bool("anthropic-bedrock", false, "reach Anthropic models through AWS Bedrock")
	fs.String("aws-region", "", "AWS region for Bedrock")
	fs.String("webhook-url", "", "enables the webhook capability")
	fs.String("smtp-host", "", "SMTP server host; with --email-to enables the email capability")
	fs.Int("smtp-port", 1025, "SMTP server port")
	fs.String("smtp-from", "noreply@agentflow.dev", "SMTP sender address")
	fs.String("email-to", "", "recipient of the email capability")

	sharedcli.BindFlag("capabilities", fs, "capabilities")
	sharedcli.BindFlag("concurrency", fs, "concurrency")
	sharedcli.BindFlag("step_timeout", fs, "step-timeout")
	sharedcli.BindFlag("audit_log", fs, "audit-log")
	sharedcli.BindFlag("catalog_file", fs, "catalog-file")
	sharedcli.BindFlag("llm_provider", fs, "llm-provider")
	sharedcli.BindFlag("llm_model", fs, "llm-model")
	sharedcli.BindFlag("llm_base_url", fs, "llm-base-url")
	sharedcli.BindFlag("anthropic_bedrock", fs, "anthropic-bedrock")
	sharedcli.BindFlag("aws_region", fs, "aws-region")
	sharedcli.BindFlag("webhook_url", fs, "webhook-url")
	sharedcli.BindFlag("smtp_host", fs, "smtp-host")
	sharedcli.BindFlag("smtp_port", fs, "smtp-port")
	sharedcli.BindFlag("smtp_from", fs, "smtp-from")
	sharedcli.BindFlag("email_to", fs, "email-to")
}

func runServe(_ *cobra.Command, _ []string) error {
	workerID := "worker-" + uuid.New().String()[:8]
	cfg := config.Load(viper.GetViper(), workerID)

	logger := sharedcli.BuildLogger(sharedcli.ParseLevel(cfg.LogLevel), "worker").
		With(slog.String("worker_id", workerID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "worker", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	if err := cfg.Backend.CheckVisibility(cfg.StepTimeout); err != nil {
		return err
	}

	tracker := &llm.TokenTracker{}
	registry, err := worker.BuildRegistry(cfg.CatalogFile, cfg.LLM, cfg.Tools, tracker)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	b, err := backend.Open(initCtx, cfg.Backend, backend.Options{NeedPostgres: cfg.AuditLog}, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithTimeout(cfg.StepTimeout),
		worker.WithCapabilities(cfg.Capabilities...),
	}
	if cfg.AuditLog {
		opts = append(opts, worker.WithRecorder(postgres.NewExecutionLog(b.Pool)))
	}
	w := worker.NewWorker(workerID, b.Store, b.Queue, registry, opts...)

	ctx, stop := sharedcli.SignalContext(logger)
	defer stop()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, b.Ready)

	logger.Info("worker starting",
		slog.Any("capabilities", w.Capabilities()),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Duration("step_timeout", cfg.StepTimeout),
	)

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	w.Wait()
	in, out, calls := tracker.Totals()
	logger.Info("stopped cleanly",
		slog.Int("llm_calls", calls),
		slog.Int64("llm_input_tokens", in),
		slog.Int64("llm_output_tokens", out),
	)
	return nil
}
