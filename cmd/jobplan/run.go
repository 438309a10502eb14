package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobplan/internal/app"
	"jobplan/internal/observability/server"
	"jobplan/internal/storage"
	logx "jobplan/pkg/logx"
)

type runFlags struct {
	logFile       string
	historyDriver string
	historyPath   string
	retention     time.Duration
	metricsAddr   string
	metricsToken  string
	allowInsecure bool
	pprof         bool
	watch         bool
	workers       int
	queueSize     int
	misfire       time.Duration
}

func newRunCommand(rf *rootFlags) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduler(cmd.Context(), rf, &f)
		},
	}
	f.bind(cmd)
	return cmd
}

func (f *runFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.logFile, "log-file", envOr("JOBPLAN_LOG_FILE", ""), "also write JSON logs to this rotating file")
	fl.StringVar(&f.historyDriver, "history-driver", envOr("JOBPLAN_HISTORY_DRIVER", "none"), "run history store: none|file|sqlite")
	fl.StringVar(&f.historyPath, "history-path", envOr("JOBPLAN_HISTORY_PATH", ""), "run history file")
	fl.DurationVar(&f.retention, "history-retention", 0, "drop sqlite history older than this (0 keeps everything)")
	fl.StringVar(&f.metricsAddr, "metrics-addr", envOr("JOBPLAN_METRICS_ADDR", ""), "serve /metrics, /status and /healthz on this address")
	fl.StringVar(&f.metricsToken, "metrics-token", envOr("JOBPLAN_METRICS_TOKEN", ""), "bearer token for the HTTP endpoints")
	fl.BoolVar(&f.allowInsecure, "allow-insecure", envBool("JOBPLAN_HTTP_ALLOW_INSECURE"), "serve a non-loopback --metrics-addr without a token")
	fl.BoolVar(&f.pprof, "pprof", envBool("JOBPLAN_PPROF"), "mount /debug/pprof on the HTTP server")
	fl.BoolVar(&f.watch, "watch", envBool("JOBPLAN_WATCH"), "warn when the scheduling document changes on disk")
	fl.IntVar(&f.workers, "workers", 0, "execution workers (0 = default)")
	fl.IntVar(&f.queueSize, "queue-size", 0, "fire queue capacity (0 = default)")
	fl.DurationVar(&f.misfire, "misfire-threshold", 0, "lateness after which a fire counts as misfired (0 = default)")
}

func runScheduler(ctx context.Context, rf *rootFlags, f *runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(f.options(rf), handlerRegistry())
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if _, err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.ReasonFromSignal(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}

	// A second signal abandons the drain.
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "forced exit")
		os.Exit(130)
	}()

	if err := a.Stop(context.Background(), reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func (f *runFlags) options(rf *rootFlags) app.Options {
	return app.Options{
		ConfigPath: rf.config,
		Log: logx.Config{
			Level:   rf.logLevel,
			Console: true,
			File:    logx.FileConfig{Enabled: strings.TrimSpace(f.logFile) != "", Path: f.logFile},
		},
		History: storage.Config{
			Driver:    f.historyDriver,
			Path:      f.historyPath,
			Retention: f.retention,
		},
		HTTP: server.Config{
			Addr:          f.metricsAddr,
			Token:         f.metricsToken,
			AllowInsecure: f.allowInsecure,
			Pprof:         f.pprof,
		},
		Workers:          f.workers,
		QueueSize:        f.queueSize,
		MisfireThreshold: f.misfire,
		Watch:            f.watch,
	}
}
