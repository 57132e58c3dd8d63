package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-agent-flow/internal/backend"
	sharedcli "github.com/ramiqadoumi/go-agent-flow/internal/cli"
	"github.com/ramiqadoumi/go-agent-flow/internal/llm"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-agent-flow/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator"
	"github.com/ramiqadoumi/go-agent-flow/services/standalone"
	"github.com/ramiqadoumi/go-agent-flow/services/standalone/config"
	"github.com/ramiqadoumi/go-agent-flow/services/sweeper"
	"github.com/ramiqadoumi/go-agent-flow/services/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API and every engine component in this process",
	RunE:  runServe,
}

func init() {
	fs := serveCmd.Flags()
	sharedcli.AddTelemetryFlags(fs, ":9090")
	fs.String("store-backend", backend.SQLite, "task store: memory | sqlite")
	fs.String("sqlite-path", "agentflow.db", "SQLite database file")
	fs.Duration("visibility", 2*time.Minute, "redelivery window for unacked messages")
	fs.String("http-port", "8080", "HTTP server port")
	fs.String("api-key", "", "shared key clients send in X-API-Key; empty disables auth")
	fs.Int("concurrency", 4, "parallel consumers per topic")
	fs.Duration("step-timeout", 60*time.Second, "per-step execution timeout")
	fs.Int("max-steps", orchestrator.DefaultMaxSteps, "maximum steps per task")
	fs.Int("max-retries", 1, "retries of a retryable step failure before fallback")
	fs.StringSlice("stages", nil, `default stages, e.g. "manager,developer+tester"`)
	fs.String("sweep-schedule", sweeper.DefaultSchedule, "cron spec of the recovery sweep")
	fs.Duration("stale-after", sweeper.DefaultStaleAfter, "age after which a quiet task is recovered")
	fs.String("catalog-file", "", "capability catalog YAML (default: built-in crew)")
	fs.String("llm-provider", llm.ProviderEcho, "language model provider: openai | anthropic | ollama | echo")
	fs.String("llm-model", "", "model name (provider default when empty)")
	fs.String("llm-base-url", "", "provider endpoint override")
	fs.String("webhook-url", "", "enables the webhook capability")

	for key, flag := range map[string]string{
		"store_backend":  "store-backend",
		"sqlite_path":    "sqlite-path",
		"visibility":     "visibility",
		"http_port":      "http-port",
		"api_key":        "api-key",
		"concurrency":    "concurrency",
		"step_timeout":   "step-timeout",
		"max_steps":      "max-steps",
		"max_retries":    "max-retries",
		"stages":         "stages",
		"sweep_schedule": "sweep-schedule",
		"stale_after":    "stale-after",
		"catalog_file":   "catalog-file",
		"llm_provider":   "llm-provider",
		"llm_model":      "llm-model",
		"llm_base_url":   "llm-base-url",
		"webhook_url":    "webhook-url",
	} {
		sharedcli.BindFlag(key, fs, flag)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())

	var level slog.LevelVar
	level.Set(sharedcli.ParseLevel(cfg.LogLevel))
	logger := sharedcli.BuildLogger(&level, "agentflow")

	switch strings.ToLower(cfg.Backend.StoreBackend) {
	case backend.Memory, backend.SQLite:
	default:
		return fmt.Errorf("store backend %q is not supported in single-process mode (memory | sqlite)", cfg.Backend.StoreBackend)
	}
	if err := cfg.Backend.CheckVisibility(cfg.StepTimeout); err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "agentflow", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	tracker := &llm.TokenTracker{}
	registry, err := worker.BuildRegistry(cfg.CatalogFile, cfg.LLM, cfg.Tools, tracker)
	if err != nil {
		return err
	}

	b, err := backend.Open(context.Background(), cfg.Backend, backend.Options{}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	engine := standalone.New(b.Store, b.Queue, registry, standalone.Options{
		Concurrency:   cfg.Concurrency,
		StepTimeout:   cfg.StepTimeout,
		MaxSteps:      cfg.MaxSteps,
		Policy:        cfg.Policy,
		SweepSchedule: cfg.SweepSchedule,
		StaleAfter:    cfg.StaleAfter,
		Router:        handler.RouterConfig{APIKey: cfg.APIKey},
	}, logger)

	viper.OnConfigChange(func(e fsnotify.Event) {
		level.Set(sharedcli.ParseLevel(viper.GetString("log_level")))
		engine.Orchestrator().SetMaxSteps(viper.GetInt("max_steps"))
		logger.Info("config reloaded", slog.String("file", e.Name))
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}

	ctx, stop := sharedcli.SignalContext(logger)
	defer stop()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, b.Ready)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("agentflow starting",
		slog.String("addr", httpSrv.Addr),
		slog.String("store", cfg.Backend.StoreBackend),
		slog.Any("capabilities", registry.Names()),
		slog.String("llm_provider", cfg.LLM.Provider),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	err = g.Wait()
	in, out, calls := tracker.Totals()
	logger.Info("stopped",
		slog.Int("llm_calls", calls),
		slog.Int64("llm_input_tokens", in),
		slog.Int64("llm_output_tokens", out),
	)
	return err
}
