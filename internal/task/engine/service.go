package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"jobplan/internal/eventbus"
	"jobplan/internal/job"
	rtsup "jobplan/internal/runtime/supervisor"
	logx "jobplan/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Handlers resolves JobDetail.Handler into a runnable job.
type Handlers interface {
	Has(name string) bool
	New(name string) (job.Job, error)
}

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStandby
	stateShutdown
)

func (s state) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateStandby:
		return "standby"
	case stateShutdown:
		return "shutdown"
	default:
		return "created"
	}
}

// Service is an in-memory cron engine: a job and trigger store, a firing
// loop, and a bounded worker pool.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	handlers Handlers
	parser   cron.Parser

	state    state
	jobs     map[JobKey]JobDetail
	triggers map[TriggerKey]*triggerState
	pending  []fire

	wake chan struct{}
	q    chan fire
	sup  *rtsup.Supervisor

	// execCtx parents every execution. It is canceled only by a
	// non-waiting shutdown, never by stopping the loop or workers.
	execCtx    context.Context
	execCancel context.CancelCauseFunc
	running    map[string]*execution
	execWG     sync.WaitGroup

	fired     atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	misfired  atomic.Uint64
	deferred  atomic.Uint64

	misfireWarn   rate.Sometimes
	queueFullWarn rate.Sometimes
}

type triggerState struct {
	trigger  Trigger
	schedule cron.Schedule
	next     time.Time
	prev     time.Time
}

func New(cfg Config, handlers Handlers, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	execCtx, execCancel := context.WithCancelCause(context.Background())
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		handlers: handlers,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:        cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:          map[JobKey]JobDetail{},
		triggers:      map[TriggerKey]*triggerState{},
		wake:          make(chan struct{}, 1),
		execCtx:       execCtx,
		execCancel:    execCancel,
		running:       map[string]*execution{},
		misfireWarn:   rate.Sometimes{Interval: warnThrottleEvery},
		queueFullWarn: rate.Sometimes{Interval: warnThrottleEvery},
	}
}

// UpsertJob stores d, replacing any job with the same key. The job's
// triggers are kept.
func (s *Service) UpsertJob(ctx context.Context, d JobDetail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.Key = normalizeJobKey(d.Key)
	if d.Key.Name == "" {
		return fmt.Errorf("job: %w", ErrInvalidKey)
	}
	if s.handlers != nil && !s.handlers.Has(d.Handler) {
		return fmt.Errorf("job %s: %w: %q", d.Key, job.ErrUnknownHandler, d.Handler)
	}
	d.Data = copyData(d.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateShutdown {
		return ErrShutdown
	}
	_, replaced := s.jobs[d.Key]
	s.jobs[d.Key] = d
	s.log.Debug("job stored", logx.String("job", d.Key.String()), logx.String("handler", d.Handler), logx.Bool("replaced", replaced))
	return nil
}

// UpsertTriggers replaces the full trigger set of jobKey with triggers.
// Every trigger is validated first; on error nothing changes.
func (s *Service) UpsertTriggers(ctx context.Context, jobKey JobKey, triggers []Trigger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	jobKey = normalizeJobKey(jobKey)
	now := time.Now()

	built := make([]*triggerState, 0, len(triggers))
	seen := map[TriggerKey]bool{}
	for _, t := range triggers {
		ts, err := s.buildTrigger(jobKey, t, now)
		if err != nil {
			return err
		}
		if seen[ts.trigger.Key] {
			return fmt.Errorf("trigger %s: duplicate key", ts.trigger.Key)
		}
		seen[ts.trigger.Key] = true
		built = append(built, ts)
	}

	s.mu.Lock()
	if s.state == stateShutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := s.jobs[jobKey]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobKey)
	}
	for k, ts := range s.triggers {
		if ts.trigger.JobKey == jobKey {
			delete(s.triggers, k)
		}
	}
	for _, ts := range built {
		s.triggers[ts.trigger.Key] = ts
	}
	s.mu.Unlock()

	for _, ts := range built {
		s.log.Debug("trigger stored",
			logx.String("trigger", ts.trigger.Key.String()),
			logx.String("job", jobKey.String()),
			logx.String("spec", ts.trigger.Schedule.Expression),
			logx.Time("next", ts.next),
		)
	}
	s.poke()
	return nil
}

func (s *Service) buildTrigger(jobKey JobKey, t Trigger, now time.Time) (*triggerState, error) {
	t.Key = normalizeTriggerKey(t.Key)
	if t.Key.Name == "" {
		return nil, fmt.Errorf("trigger: %w", ErrInvalidKey)
	}
	if t.JobKey.Name == "" {
		t.JobKey = jobKey
	}
	t.JobKey = normalizeJobKey(t.JobKey)
	if t.JobKey != jobKey {
		return nil, fmt.Errorf("trigger %s: belongs to job %s, not %s", t.Key, t.JobKey, jobKey)
	}
	if t.Schedule.Location == nil {
		t.Schedule.Location = time.Local
	}

	sched, err := s.parser.Parse(strings.TrimSpace(t.Schedule.Expression))
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w %q: %v", t.Key, ErrInvalidCron, t.Schedule.Expression, err)
	}
	if t.StartAt.IsZero() {
		t.StartAt = now
	}

	// StartAt itself is a valid fire time.
	next := sched.Next(t.StartAt.Add(-time.Nanosecond).In(t.Schedule.Location))
	if next.IsZero() || (!t.EndAt.IsZero() && next.After(t.EndAt)) {
		return nil, fmt.Errorf("trigger %s: %w", t.Key, ErrWillNeverFire)
	}
	return &triggerState{trigger: t, schedule: sched, next: next}, nil
}

// Start begins firing triggers. It is idempotent and resumes from standby.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateShutdown:
		return ErrShutdown
	case stateRunning:
		return nil
	case stateStandby:
		s.state = stateRunning
		s.log.Info("engine resumed")
		s.poke()
		return nil
	}

	s.q = make(chan fire, s.cfg.QueueSize)
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		// engine failures should not hard-kill the app
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), s.worker, 250*time.Millisecond, 5*time.Second)
	}
	s.sup.GoRestart("loop", s.loop, 250*time.Millisecond, 5*time.Second)
	s.state = stateRunning

	s.log.Info("engine started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueSize),
		logx.Int("jobs", len(s.jobs)),
		logx.Int("triggers", len(s.triggers)),
	)
	return nil
}

// Standby pauses firing. Running executions continue, and fires missed
// while paused are handled by misfire policy on resume.
func (s *Service) Standby() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateRunning {
		s.state = stateStandby
		s.log.Info("engine in standby")
	}
}

// Shutdown stops the engine for good. With waitForJobs it blocks until
// running executions return or ctx is done; without it, running
// executions are interrupted and Shutdown returns at once.
func (s *Service) Shutdown(ctx context.Context, waitForJobs bool) error {
	start := time.Now()
	s.mu.Lock()
	first := s.state != stateShutdown
	s.state = stateShutdown
	sup := s.sup
	s.pending = nil
	running := len(s.running)
	s.mu.Unlock()

	if first {
		s.log.Info("engine shutting down", logx.Bool("wait", waitForJobs), logx.Int("running", running))
		if sup != nil {
			sup.Cancel()
		}
	}
	if !waitForJobs {
		s.execCancel(ErrShutdown)
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("engine shutdown wait interrupted", logx.Int("running", s.RunningJobCount()), logx.Err(ctx.Err()))
		return ctx.Err()
	}
	if sup != nil {
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	if first {
		s.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
	}
	return nil
}

func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning || s.state == stateStandby
}

func (s *Service) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateShutdown
}

// RunningJobCount is the number of executions in progress.
func (s *Service) RunningJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// TriggerJob queues a single immediate fire of jobKey with extra data
// merged over the job's own. It runs once the engine is running.
func (s *Service) TriggerJob(ctx context.Context, jobKey JobKey, data map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	jobKey = normalizeJobKey(jobKey)
	now := time.Now()

	s.mu.Lock()
	if s.state == stateShutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	d, ok := s.jobs[jobKey]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobKey)
	}
	if len(data) > 0 {
		d.Data = copyData(d.Data)
		for k, v := range data {
			d.Data[k] = v
		}
	}
	s.pending = append(s.pending, fire{
		job:       d,
		trigger:   TriggerKey{Name: "manual-" + now.Format("20060102T150405.000"), Group: jobKey.Group},
		scheduled: now,
		priority:  DefaultPriority,
	})
	s.mu.Unlock()
	s.poke()
	return nil
}

// Interrupt cancels running executions of jobKey and returns how many
// were signaled. Jobs without the auto-interruptible flag refuse.
func (s *Service) Interrupt(jobKey JobKey) (int, error) {
	jobKey = normalizeJobKey(jobKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.jobs[jobKey]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrJobNotFound, jobKey)
	}
	if !d.Interruptible() {
		return 0, fmt.Errorf("%s: %w", jobKey, ErrNotInterruptible)
	}
	n := 0
	for _, ex := range s.running {
		if ex.info.Job == jobKey {
			ex.cancel(ErrInterrupted)
			n++
		}
	}
	return n, nil
}

// Snapshot returns jobs, triggers and counters, sorted by key.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:   s.state.String(),
		Workers: s.cfg.Workers,
	}
	if s.q != nil {
		snap.QueueLen = len(s.q)
		snap.QueueCap = cap(s.q)
	}
	for k := range s.jobs {
		snap.Jobs = append(snap.Jobs, k)
	}
	for _, ts := range s.triggers {
		snap.Triggers = append(snap.Triggers, TriggerInfo{
			Key:      ts.trigger.Key,
			JobKey:   ts.trigger.JobKey,
			Spec:     ts.trigger.Schedule.Expression,
			Timezone: ts.trigger.Schedule.Location.String(),
			Priority: ts.trigger.Priority,
			Next:     ts.next,
			Prev:     ts.prev,
			Complete: ts.next.IsZero(),
		})
	}
	for _, ex := range s.running {
		snap.Running = append(snap.Running, ex.info)
	}
	sup := s.sup
	s.mu.Unlock()
	snap.Routines = sup.Counters()

	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].String() < snap.Jobs[j].String() })
	sort.Slice(snap.Triggers, func(i, j int) bool { return snap.Triggers[i].Key.String() < snap.Triggers[j].Key.String() })
	sort.Slice(snap.Running, func(i, j int) bool { return snap.Running[i].Started.Before(snap.Running[j].Started) })

	snap.Fired = s.fired.Load()
	snap.Succeeded = s.succeeded.Load()
	snap.Failed = s.failed.Load()
	snap.Misfired = s.misfired.Load()
	snap.Deferred = s.deferred.Load()
	return snap
}

// Preview returns up to n fire times of sched after from.
func (s *Service) Preview(sched CronSchedule, from time.Time, n int) ([]time.Time, error) {
	cs, err := s.parser.Parse(strings.TrimSpace(sched.Expression))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCron, sched.Expression, err)
	}
	loc := sched.Location
	if loc == nil {
		loc = time.Local
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = cs.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ string, at time.Time, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
	}
}

func normalizeJobKey(k JobKey) JobKey {
	k.Name = strings.TrimSpace(k.Name)
	k.Group = strings.TrimSpace(k.Group)
	if k.Group == "" {
		k.Group = DefaultGroup
	}
	return k
}

func normalizeTriggerKey(k TriggerKey) TriggerKey {
	k.Name = strings.TrimSpace(k.Name)
	k.Group = strings.TrimSpace(k.Group)
	if k.Group == "" {
		k.Group = DefaultGroup
	}
	return k
}

func copyData(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
