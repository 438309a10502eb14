package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobplan/internal/config"
	"jobplan/internal/eventbus"
	"jobplan/internal/job"
	"jobplan/internal/observability/metrics"
	"jobplan/internal/observability/server"
	rtsup "jobplan/internal/runtime/supervisor"
	"jobplan/internal/storage"
	"jobplan/internal/task/engine"
	"jobplan/internal/task/scheduler"
	logx "jobplan/pkg/logx"
	"jobplan/pkg/systemd"
)

// Options are the host settings that live outside the scheduling document.
type Options struct {
	ConfigPath string
	Log        logx.Config
	History    storage.Config

	// HTTP is served when HTTP.Addr is set.
	HTTP server.Config

	Workers          int
	QueueSize        int
	MisfireThreshold time.Duration

	// Watch logs a warning when the configuration file changes.
	Watch bool
}

type App struct {
	opts Options
	cfg  *config.SchedulerConfig

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	metrics *metrics.Metrics
	http    *server.Service

	engine *engine.Service
	ctrl   *scheduler.Controller

	sup *rtsup.Supervisor
}

// New loads the configuration and wires every component. Nothing runs
// until Start.
func New(opts Options, handlers *job.Registry) (*App, error) {
	logSvc, root := logx.New(opts.Log)
	log := root.With(logx.String("comp", "app"))

	cfg, err := config.Load(opts.ConfigPath, handlers)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	store, err := storage.Open(opts.History, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	if store != nil {
		log.Info("run history enabled", logx.String("driver", opts.History.Driver), logx.String("path", opts.History.Path))
	}

	eng := engine.New(engine.Config{
		Workers:          opts.Workers,
		QueueSize:        opts.QueueSize,
		MisfireThreshold: opts.MisfireThreshold,
		MaxRunTime:       cfg.MaxExecution(),
	}, handlers, root.With(logx.String("comp", "engine")), bus)

	ctrl := scheduler.New(cfg, eng, root.With(logx.String("comp", "scheduler")))

	a := &App{
		opts:   opts,
		cfg:    cfg,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		engine: eng,
		ctrl:   ctrl,
	}
	a.metrics = metrics.New(metrics.Sources{Running: eng.RunningJobCount, BusDropped: bus.Dropped})
	if strings.TrimSpace(opts.HTTP.Addr) != "" {
		a.http = server.New(opts.HTTP, server.Handlers{
			Metrics: a.metrics.Handler(),
			Status:  func() any { return a.Status() },
			Jobs:    eng,
		}, root.With(logx.String("comp", "http")))
	}
	return a, nil
}

// Status is the /status payload.
type Status struct {
	Controller scheduler.State `json:"controller"`
	Engine     engine.Snapshot `json:"engine"`
	BusDropped uint64          `json:"bus_dropped"`
	// Routines covers listeners, watchers and the watchdog.
	Routines rtsup.Counters `json:"routines"`
}

func (a *App) Status() Status {
	return Status{
		Controller: a.ctrl.State(),
		Engine:     a.engine.Snapshot(),
		BusDropped: a.bus.Dropped(),
		Routines:   a.sup.Counters(),
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs listeners first so no event from the first fires is missed,
// then reconciles and starts the engine.
func (a *App) Start(ctx context.Context) (scheduler.Report, error) {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.startListeners()
	if a.opts.Watch {
		a.sup.Go("config.watch", func(c context.Context) error {
			// watching is advisory; a broken watcher must not stop the scheduler
			if err := config.Watch(c, a.opts.ConfigPath, a.log.With(logx.String("comp", "config"))); err != nil {
				a.log.Warn("config watch stopped", logx.Err(err))
			}
			return nil
		})
	}
	if a.http != nil {
		a.http.Start(a.sup.Context())
	}

	rep, err := a.ctrl.Start(ctx)
	if err != nil {
		return rep, err
	}
	for _, f := range rep.Failures {
		a.log.Warn("job not scheduled", logx.String("group", f.Group), logx.String("job", f.Job), logx.Err(f.Err))
	}

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return !a.engine.IsShutdown() })
		})
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	_, _ = systemd.Status(fmt.Sprintf("%s: %d jobs, %d triggers", a.ctrl.State(), rep.Jobs, rep.Triggers))

	a.log.Info("started",
		logx.Bool("enabled", !rep.Disabled),
		logx.Int("jobs", rep.Jobs),
		logx.Int("triggers", rep.Triggers),
		logx.Int("failures", len(rep.Failures)),
	)
	return rep, nil
}

// Stop drains the scheduler for at most maxWaitDuration, then tears down
// the rest. Jobs still running after that are reported and left behind.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	var errs []error

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("scheduler", a.cfg.MaxWait(), func(c context.Context) error {
		err := a.ctrl.Close(c)
		if n := a.engine.RunningJobCount(); err != nil && n > 0 {
			a.log.Warn("jobs still running after max wait", logx.Int("running", n), logx.Duration("max_wait", a.cfg.MaxWait()))
		}
		return err
	})
	if a.http != nil {
		step("http", time.Second, a.http.Stop)
	}

	// Listeners exit on cancel; buffered events are dropped with them.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
