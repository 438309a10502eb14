package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"jobplan/internal/config"
	"jobplan/internal/task/engine"
	logx "jobplan/pkg/logx"
)

// Engine is the part of the execution engine the controller drives.
// *engine.Service implements it.
type Engine interface {
	UpsertJob(ctx context.Context, job engine.JobDetail) error
	UpsertTriggers(ctx context.Context, job engine.JobKey, triggers []engine.Trigger) error
	Start(ctx context.Context) error
	Standby()
	Shutdown(ctx context.Context, waitForJobs bool) error
	RunningJobCount() int
	IsStarted() bool
}

type State string

const (
	StateUnstarted    State = "UNSTARTED"
	StateIdleDisabled State = "IDLE_DISABLED"
	StateReconciling  State = "RECONCILING"
	StateRunning      State = "RUNNING"
	StateDraining     State = "DRAINING"
	StateStopped      State = "STOPPED"
)

// Report summarizes one reconciliation.
type Report struct {
	Disabled bool
	Jobs     int
	Triggers int
	Failures []*RegistrationError
}

// Controller reconciles a SchedulerConfig into an Engine and owns the
// engine's start and drain.
type Controller struct {
	mu    sync.Mutex
	cfg   *config.SchedulerConfig
	eng   Engine
	log   logx.Logger
	state State
	now   func() time.Time
}

func New(cfg *config.SchedulerConfig, eng Engine, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:   cfg,
		eng:   eng,
		log:   log,
		state: StateUnstarted,
		now:   time.Now,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start registers every configured job and trigger, then starts the engine.
// Registration failures are collected in the report and do not fail Start;
// an engine start failure does, leaving the controller stopped.
func (c *Controller) Start(ctx context.Context) (Report, error) {
	c.mu.Lock()
	switch c.state {
	case StateUnstarted:
	case StateStopped:
		c.mu.Unlock()
		return Report{}, ErrControllerStopped
	default:
		c.mu.Unlock()
		return Report{}, ErrControllerStarted
	}
	if !c.cfg.IsEnabled() {
		c.state = StateIdleDisabled
		c.mu.Unlock()
		c.log.Info("scheduler disabled; no jobs registered")
		return Report{Disabled: true}, nil
	}
	c.state = StateReconciling
	c.mu.Unlock()

	start := c.now()
	rep, err := c.reconcile(ctx)
	if err != nil {
		c.setState(StateStopped)
		return rep, err
	}

	if err := c.eng.Start(ctx); err != nil {
		c.setState(StateStopped)
		c.log.Error("engine start failed", logx.Err(err))
		return rep, &EngineError{Op: "start", Err: err}
	}
	c.setState(StateRunning)

	c.log.Info("scheduler started",
		logx.Int("jobs", rep.Jobs),
		logx.Int("triggers", rep.Triggers),
		logx.Int("failures", len(rep.Failures)),
		logx.Duration("took", c.now().Sub(start)),
	)
	return rep, nil
}

// DryRun registers the configuration without starting the engine. The
// controller stays UNSTARTED, so DryRun is meant for a throwaway engine.
func (c *Controller) DryRun(ctx context.Context) (Report, error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateUnstarted {
		return Report{}, ErrControllerStarted
	}
	if !c.cfg.IsEnabled() {
		return Report{Disabled: true}, nil
	}
	return c.reconcile(ctx)
}

func (c *Controller) reconcile(ctx context.Context) (Report, error) {
	var rep Report
	for _, gk := range c.cfg.GroupKeys() {
		g := c.cfg.Groups[gk]
		groupName := g.ResolveName(gk)
		for _, jk := range g.JobKeys() {
			if err := ctx.Err(); err != nil {
				return rep, &EngineError{Op: "reconcile", Err: err}
			}
			c.register(ctx, groupName, jk, g.Jobs[jk], &rep)
		}
	}
	return rep, nil
}

// register upserts one job and replaces its trigger set. A job whose
// triggers fail stays registered without them.
func (c *Controller) register(ctx context.Context, groupName, jobKey string, j *config.JobDetail, rep *Report) {
	detail := materializeJob(groupName, jobKey, j)
	log := c.log.With(logx.String("job", detail.Key.String()))

	fail := func(op string, err error) {
		re := &RegistrationError{Group: groupName, Job: detail.Key.Name, Op: op, Err: err}
		rep.Failures = append(rep.Failures, re)
		log.Error("registration failed", logx.String("op", op), logx.Err(err))
	}

	now := c.now()
	triggers := make([]engine.Trigger, 0, len(j.Triggers))
	for _, tk := range j.TriggerKeys() {
		t, err := buildTrigger(groupName, tk, j.Triggers[tk], detail.Key, now)
		if err != nil {
			fail("triggers", err)
			return
		}
		triggers = append(triggers, t)
	}

	if err := c.eng.UpsertJob(ctx, detail); err != nil {
		fail("job", err)
		return
	}
	rep.Jobs++
	if err := c.eng.UpsertTriggers(ctx, detail.Key, triggers); err != nil {
		fail("triggers", err)
		return
	}
	rep.Triggers += len(triggers)
	log.Debug("job registered", logx.String("handler", detail.Handler), logx.Int("triggers", len(triggers)))
}

// Close drains the engine: standby, wait for running executions, shut down.
// It never interrupts running jobs; a done ctx only stops the waiting.
// Close is a no-op unless the controller is running.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateRunning:
	case StateUnstarted:
		c.state = StateStopped
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
	c.state = StateDraining
	c.mu.Unlock()

	c.eng.Standby()
	running := c.eng.RunningJobCount()
	c.log.Info("scheduler draining",
		logx.Int("running", running),
		logx.Duration("max_wait", c.cfg.MaxWait()),
	)

	start := c.now()
	err := c.eng.Shutdown(ctx, true)
	c.setState(StateStopped)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.log.Warn("scheduler drain abandoned", logx.Int("running", c.eng.RunningJobCount()), logx.Err(err))
		}
		return &EngineError{Op: "shutdown", Err: err}
	}
	c.log.Info("scheduler stopped", logx.Duration("took", c.now().Sub(start)))
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
