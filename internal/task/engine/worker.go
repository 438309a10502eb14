package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"jobplan/internal/eventbus"
	"jobplan/internal/job"
	logx "jobplan/pkg/logx"
)

type execution struct {
	info   ExecutionInfo
	cancel context.CancelCauseFunc
}

func (s *Service) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.q:
			s.execOne(f)
		}
	}
}

func (s *Service) execOne(f fire) {
	start := time.Now()
	id := uuid.NewString()

	s.mu.Lock()
	if s.state == stateShutdown {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancelCause(s.execCtx)
	ex := &execution{
		info:   ExecutionInfo{FireID: id, Job: f.job.Key, Trigger: f.trigger, Started: start},
		cancel: cancel,
	}
	s.running[id] = ex
	s.execWG.Add(1)
	s.mu.Unlock()

	defer func() {
		cancel(nil)
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		s.execWG.Done()
	}()

	interruptible := f.job.Interruptible()
	if interruptible && s.cfg.MaxRunTime > 0 {
		t := time.AfterFunc(s.cfg.MaxRunTime, func() { cancel(ErrMaxRunTime) })
		defer t.Stop()
	}

	log := s.log.With(
		logx.String("job", f.job.Key.String()),
		logx.String("trigger", f.trigger.String()),
		logx.String("fire_id", id),
	)
	ev := RunEvent{
		FireID:    id,
		Job:       f.job.Key,
		Trigger:   f.trigger,
		Handler:   f.job.Handler,
		Scheduled: f.scheduled,
		Started:   start,
	}
	s.fired.Add(1)
	s.publish(eventbus.JobStarted, start, ev)
	log.Debug("job.started", logx.Duration("delay", start.Sub(f.scheduled)))

	ec := &job.ExecutionContext{
		FireInstanceID:    id,
		JobName:           f.job.Key.Name,
		JobGroup:          f.job.Key.Group,
		TriggerName:       f.trigger.Name,
		TriggerGroup:      f.trigger.Group,
		ScheduledFireTime: f.scheduled,
		FireTime:          start,
		NextFireTime:      f.next,
		Interruptible:     interruptible,
		Data:              copyData(f.job.Data),
		Log:               log,
	}
	err := s.run(runCtx, f.job.Handler, ec, log)

	end := time.Now()
	ev.Duration = end.Sub(start)
	switch {
	case err == nil:
		s.succeeded.Add(1)
		s.publish(eventbus.JobFinished, end, ev)
		log.Debug("job.finished", logx.Duration("took", ev.Duration))
	case runCtx.Err() != nil && isInterruptCause(context.Cause(runCtx)):
		s.failed.Add(1)
		ev.Interrupted = true
		ev.Error = err.Error()
		s.publish(eventbus.JobInterrupted, end, ev)
		log.Info("job.interrupted", logx.Duration("took", ev.Duration), logx.String("cause", context.Cause(runCtx).Error()))
	default:
		s.failed.Add(1)
		ev.Error = err.Error()
		s.publish(eventbus.JobFailed, end, ev)
		log.Warn("job.failed", logx.Duration("took", ev.Duration), logx.Err(err))
	}
}

// run resolves and executes the handler. A panicking job is reported as a
// failed run and never takes the worker down.
func (s *Service) run(ctx context.Context, handler string, ec *job.ExecutionContext, log logx.Logger) (err error) {
	if s.handlers == nil {
		return fmt.Errorf("%w: %q", job.ErrUnknownHandler, handler)
	}
	j, err := s.handlers.New(handler)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return j.Execute(ctx, ec)
}

func isInterruptCause(err error) bool {
	return errors.Is(err, ErrInterrupted) || errors.Is(err, ErrMaxRunTime) || errors.Is(err, ErrShutdown)
}
