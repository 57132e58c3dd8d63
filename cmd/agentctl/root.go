package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	sharedcli "github.com/ramiqadoumi/go-agent-flow/internal/cli"
	"github.com/ramiqadoumi/go-agent-flow/internal/client"
)

var rootCmd = &cobra.Command{
	Use:          "agentctl",
	Short:        "Submit and inspect AgentFlow tasks",
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("agentflow")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
	})

	pf := rootCmd.PersistentFlags()
	pf.String("server", "http://localhost:8080", "gateway base URL (env AGENTFLOW_SERVER)")
	pf.String("api-key", "", "value sent as X-API-Key (env AGENTFLOW_API_KEY)")
	pf.Duration("timeout", 30*time.Second, "per-request timeout")
	sharedcli.BindFlag("server", pf, "server")
	sharedcli.BindFlag("api_key", pf, "api-key")
	sharedcli.BindFlag("timeout", pf, "timeout")

	rootCmd.AddCommand(submitCmd, statusCmd, cancelCmd, healthCmd, sharedcli.NewVersionCmd("agentctl"))
}

func newClient() *client.Client {
	return client.New(viper.GetString("server"), client.WithAPIKey(viper.GetString("api_key")))
}
