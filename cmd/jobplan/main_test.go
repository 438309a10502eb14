package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHandlersCommand(t *testing.T) {
	out, err := execute(t, "handlers")
	require.NoError(t, err)
	assert.Equal(t, "log\nsleep\nsystemd\n", out)
}

func TestValidateCommand(t *testing.T) {
	p := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
enabled: true
maxExecutionDuration: PT10S
groups:
  ops:
    jobs:
      hello:
        jobClass: log
        triggers:
          noon: { schedule: { type: CRON, expression: "0 12 * * *", timezone: UTC } }
`), 0o600))

	out, err := execute(t, "validate", "--config", p, "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "maxWaitDuration=11s")
	assert.Contains(t, out, "ops.hello")
	assert.Contains(t, out, "ops.noon")
	assert.Contains(t, out, "T12:00:00Z, ")
	assert.Contains(t, out, "1 jobs, 1 triggers, 0 failures")
}

func TestValidateReportsFailures(t *testing.T) {
	p := filepath.Join(t.TempDir(), "s.json")
	require.NoError(t, os.WriteFile(p, []byte(`{
  "enabled": true,
  "maxExecutionDuration": "PT1S",
  "groups": {"g": {"jobs": {"j": {"jobClass": "log",
    "triggers": {"t": {"schedule": {"type": "CRON", "expression": "bogus"}}}}}}}
}`), 0o600))

	out, err := execute(t, "validate", "--config", p)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL g.j (triggers)")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRunFlagsToOptions(t *testing.T) {
	var f runFlags
	cmd := &cobra.Command{Use: "run"}
	f.bind(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--metrics-addr", "0.0.0.0:9464",
		"--allow-insecure",
		"--history-driver", "sqlite",
		"--history-path", "/tmp/runs.db",
		"--workers", "3",
	}))

	opts := f.options(&rootFlags{config: "s.yaml", logLevel: "debug"})
	assert.Equal(t, "s.yaml", opts.ConfigPath)
	assert.Equal(t, "0.0.0.0:9464", opts.HTTP.Addr)
	assert.True(t, opts.HTTP.AllowInsecure)
	assert.Empty(t, opts.HTTP.Token)
	assert.Equal(t, "sqlite", opts.History.Driver)
	assert.Equal(t, 3, opts.Workers)
	assert.False(t, opts.Log.File.Enabled)
}
