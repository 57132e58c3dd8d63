package cli_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/cli"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, cli.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, cli.ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, cli.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, cli.ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, cli.ParseLevel("verbose"))
}

func TestWriteDefaultConfig(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "worker.yaml")

	require.NoError(t, cli.WriteDefaultConfig(dest, "a: 1\n", false))
	err := cli.WriteDefaultConfig(dest, "a: 2\n", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, cli.WriteDefaultConfig(dest, "a: 2\n", true))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a: 2\n", string(got))
}

func TestInitConfig_ReadsExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_steps: 7\n"), 0o644))

	v := viper.New()
	cli.InitConfig(v, path, "orchestrator")
	assert.Equal(t, 7, v.GetInt("max_steps"))
}

func TestVersionCmd(t *testing.T) {
	cmd := cli.NewVersionCmd("worker")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "worker dev")
	assert.Contains(t, out.String(), "go version:")
}

func TestVersionCmd_JSON(t *testing.T) {
	cmd := cli.NewVersionCmd("sweeper")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.Execute())

	var got map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "sweeper", got["service"])
	assert.Equal(t, "dev", got["version"])
	assert.NotEmpty(t, got["go_version"])
}

func TestInitCmd_WritesToConfigFlag(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "sweeper.yaml")
	cmd := cli.NewInitCmd("sweeper", "sweep_schedule: \"@every 30s\"\n", &dest)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.FileExists(t, dest)
	assert.Contains(t, out.String(), dest)
}

func TestSetFlagDefault_KeepsFlagUnset(t *testing.T) {
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	cli.AddBackendFlags(fs, "redis", "kafka")
	cli.SetFlagDefault(fs, "visibility", "2m")

	v := viper.New()
	require.NoError(t, v.BindPFlag("visibility", fs.Lookup("visibility")))
	assert.Equal(t, 2*time.Minute, v.GetDuration("visibility"))
	assert.False(t, fs.Changed("visibility"))

	v.Set("visibility", "5m")
	assert.Equal(t, 5*time.Minute, v.GetDuration("visibility"), "explicit config still wins")
}
