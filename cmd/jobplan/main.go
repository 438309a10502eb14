package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"jobplan/internal/job"
	"jobplan/internal/job/builtin"
)

// Version information (injected via ldflags at build time)
var version = "dev"

type rootFlags struct {
	config   string
	logLevel string
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var rf rootFlags
	cmd := &cobra.Command{
		Use:   "jobplan",
		Short: "Declarative cron scheduler",
		Long: `jobplan loads a scheduling document (JSON or YAML) describing job groups,
jobs and cron triggers, registers them with an in-process engine and runs
them until stopped.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&rf.config, "config", "c", envOr("JOBPLAN_CONFIG", "./scheduler.yaml"), "scheduling document (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&rf.logLevel, "log-level", envOr("JOBPLAN_LOG_LEVEL", "info"), "trace|debug|info|warn|error")

	cmd.AddCommand(
		newRunCommand(&rf),
		newValidateCommand(&rf),
		newHandlersCommand(),
		newHistoryCommand(),
	)
	return cmd
}

// handlerRegistry is the set of job handlers this binary ships with.
func handlerRegistry() *job.Registry {
	r := job.NewRegistry()
	builtin.Register(r)
	return r
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
