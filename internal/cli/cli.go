// Package cli holds the cobra/viper plumbing shared by every service binary:
// config discovery, flag binding, logger construction and the init and
// version subcommands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/version"
)

// ConfigDir is the per-user config directory name under $HOME.
const ConfigDir = ".agentflow"

// Root wires the flags and subcommands every service shares onto root.
// defaultYAML is what `init` writes.
func Root(root *cobra.Command, service, defaultYAML string) {
	var cfgFile string

	cobra.OnInitialize(func() { InitConfig(viper.GetViper(), cfgFile, service) })

	root.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file path (default: ./%s.yaml)", service))
	root.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	BindFlag("log_level", root.PersistentFlags(), "log-level")

	root.AddCommand(NewInitCmd(service, defaultYAML, &cfgFile))
	root.AddCommand(NewVersionCmd(service))
}

// Execute runs root and exits non-zero on error.
func Execute(root *cobra.Command) {
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// InitConfig points v at the config file (explicit path, or <service>.yaml in
// ., ~/.agentflow, /etc/agentflow) and enables environment overrides.
func InitConfig(v *viper.Viper, cfgFile, service string) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		v.SetConfigName(service)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(home, ConfigDir))
		v.AddConfigPath("/etc/agentflow")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", v.ConfigFileUsed())
	}
}

// ParseLevel maps a log_level string to a slog level; unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BuildLogger returns a JSON logger on stdout tagged with the service name.
// lvl may be a *slog.LevelVar to allow changing the level at runtime.
func BuildLogger(lvl slog.Leveler, service string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

// BindFlag binds a viper key to a flag and panics on a programming error
// such as a misspelt flag name.
func BindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-quit:
			logger.Info("shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(quit)
	}()
	return ctx, cancel
}

// NewInitCmd returns an "init" subcommand that writes a default config file.
// cfgFile points at the --config flag value.
func NewInitCmd(service, defaultYAML string, cfgFile *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/%s/%s.yaml.
Fails if the file already exists unless --force is passed.`, service, ConfigDir, service),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := *cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ConfigDir, service+".yaml")
			}
			if err := WriteDefaultConfig(dest, defaultYAML, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}

// WriteDefaultConfig writes content to dest, refusing to overwrite unless force.
func WriteDefaultConfig(dest, content string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dest, err)
		}
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// NewVersionCmd prints build information, as JSON with --json.
func NewVersionCmd(service string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Service string `json:"service"`
					version.Info
				}{service, info})
			}
			fmt.Fprintf(out, "%s %s\n", service, info.Version)
			fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
			fmt.Fprintf(out, "  go version: %s\n", info.GoVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
