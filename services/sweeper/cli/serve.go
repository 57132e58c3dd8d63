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
	"github.com/ramiqadoumi/go-agent-flow/services/sweeper"
	"github.com/ramiqadoumi/go-agent-flow/services/sweeper/config"
)

const leaderKey = "sweeper:leader"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sweeper",
	RunE:  runServe,
}

func init() {
	fs := serveCmd.Flags()
	sharedcli.AddBackendFlags(fs, backend.Redis, backend.Kafka)
	sharedcli.AddTelemetryFlags(fs, ":9095")
	fs.String("sweep-schedule", sweeper.DefaultSchedule, "cron spec for sweeps")
	fs.Duration("stale-after", sweeper.DefaultStaleAfter, "age after which a message is presumed lost")
	fs.Duration("leader-ttl", 60*time.Second, "leader lock lease")

	sharedcli.BindFlag("sweep_schedule", fs, "sweep-schedule")
	sharedcli.BindFlag("stale_after", fs, "stale-after")
	sharedcli.BindFlag("leader_ttl", fs, "leader-ttl")
}

func runServe(_ *cobra.Command, _ []string) error {
	instanceID := "sweeper-" + uuid.New().String()[:8]
	cfg := config.Load(viper.GetViper(), instanceID)
	logger := sharedcli.BuildLogger(sharedcli.ParseLevel(cfg.LogLevel), "sweeper").
		With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "sweeper", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	b, err := backend.Open(initCtx, cfg.Backend, backend.Options{NeedRedis: true}, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	leader := redisstore.NewLeaderLock(b.Redis, leaderKey, instanceID, cfg.LeaderTTL)
	s := sweeper.NewSweeper(b.Store, b.Queue, leader,
		sweeper.WithLogger(logger),
		sweeper.WithSchedule(cfg.SweepSchedule),
		sweeper.WithStaleAfter(cfg.StaleAfter),
	)

	ctx, stop := sharedcli.SignalContext(logger)
	defer stop()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, b.Ready)

	logger.Info("sweeper starting",
		slog.String("schedule", cfg.SweepSchedule),
		slog.Duration("stale_after", cfg.StaleAfter),
	)
	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	logger.Info("stopped")
	return nil
}
