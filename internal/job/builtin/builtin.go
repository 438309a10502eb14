// Package builtin provides the handlers every jobplan binary ships with.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobplan/internal/config"
	"jobplan/internal/job"
	logx "jobplan/pkg/logx"
	"jobplan/pkg/systemdmanager"
)

const (
	Log     = "log"
	Sleep   = "sleep"
	Systemd = "systemd"
)

// Register adds the built-in handlers to r.
func Register(r *job.Registry) {
	r.MustRegister(Log, func() job.Job { return job.Func(logJob) })
	r.MustRegister(Sleep, func() job.Job { return job.Func(sleepJob) })
	r.MustRegister(Systemd, func() job.Job { return &unitJob{dial: dialSystemd} })
}

// logJob writes one line per fire. data.message overrides the text.
func logJob(ctx context.Context, ec *job.ExecutionContext) error {
	msg := strings.TrimSpace(ec.Data["message"])
	if msg == "" {
		msg = "job fired"
	}
	ec.Log.Info(msg,
		logx.String("fire_id", ec.FireInstanceID),
		logx.Time("scheduled", ec.ScheduledFireTime),
		logx.Time("next", ec.NextFireTime),
	)
	return nil
}

// sleepJob waits data.duration (ISO-8601 or Go syntax, default 1s).
// It returns early with the context error when interrupted.
func sleepJob(ctx context.Context, ec *job.ExecutionContext) error {
	d := time.Second
	if raw := strings.TrimSpace(ec.Data["duration"]); raw != "" {
		v, err := config.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("sleep: %w", err)
		}
		d = v
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

type unitDriver interface {
	Do(ctx context.Context, action systemdmanager.Action, unit string) (string, error)
	Close() error
}

func dialSystemd(ctx context.Context) (unitDriver, error) { return systemdmanager.New(ctx) }

// unitJob runs data.action (start, stop, restart or reload; default
// restart) on data.unit through the system bus. One connection per fire.
type unitJob struct {
	dial func(ctx context.Context) (unitDriver, error)
}

func (j *unitJob) Execute(ctx context.Context, ec *job.ExecutionContext) error {
	unit := systemdmanager.NormalizeUnit(ec.Data["unit"])
	if unit == "" {
		return fmt.Errorf("systemd: data.unit is required")
	}
	action, err := systemdmanager.ParseAction(ec.Data["action"])
	if err != nil {
		return fmt.Errorf("systemd: %w", err)
	}

	d, err := j.dial(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	start := time.Now()
	res, err := d.Do(ctx, action, unit)
	if err != nil {
		return err
	}
	ec.Log.Info("unit action done",
		logx.String("unit", unit),
		logx.String("action", string(action)),
		logx.String("result", res),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}
