package cli

import (
	"github.com/spf13/cobra"

	sharedcli "github.com/ramiqadoumi/go-agent-flow/internal/cli"
)

const defaultAgentflowYAML = `# AgentFlow single-process config
# Priority: CLI flag > env > this file > default.

log_level:     "info"
http_port:     "8080"
store_backend: "sqlite"           # memory | sqlite
sqlite_path:   "agentflow.db"

concurrency:  4
step_timeout: "60s"
max_steps:    12
max_retries:  1
# stages: ["manager", "developer", "tester"]

sweep_schedule: "@every 30s"
stale_after:    "2m"

llm_provider: "echo"              # openai | anthropic | ollama | echo
# llm_model: ""
# llm_api_key: ""                 # or OPENAI_API_KEY / ANTHROPIC_API_KEY
# api_key: ""                     # when set, clients must send X-API-Key

metrics_addr: ":9090"
`

var rootCmd = &cobra.Command{
	Use:          "agentflow",
	Short:        "AgentFlow: the whole engine in one process",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/agentflow/main.go.
func Execute() { sharedcli.Execute(rootCmd) }

func init() {
	sharedcli.Root(rootCmd, "agentflow", defaultAgentflowYAML)
	rootCmd.AddCommand(serveCmd)
}
