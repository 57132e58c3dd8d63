package cli

import (
	"github.com/spf13/cobra"

	sharedcli "github.com/ramiqadoumi/go-agent-flow/internal/cli"
)

const defaultDispatcherYAML = `# AgentFlow Dispatcher config
# Priority: CLI flag > env > this file > default.

log_level:     "info"
queue_backend: "kafka"          # kafka | redis
kafka_brokers: "localhost:9092"
redis_addr:    "localhost:6379"
concurrency:   4
rate_limit:    20               # max steps per window per capability (0 = disabled)
rate_window:   "1s"
metrics_addr:  ":9094"

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
`

var rootCmd = &cobra.Command{
	Use:          "dispatcher",
	Short:        "AgentFlow Dispatcher: routes dispatched steps to capability worker topics",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/dispatcher/main.go.
func Execute() { sharedcli.Execute(rootCmd) }

func init() {
	sharedcli.Root(rootCmd, "dispatcher", defaultDispatcherYAML)
	rootCmd.AddCommand(serveCmd)
}
