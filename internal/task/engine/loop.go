package engine

import (
	"context"
	"sort"
	"time"

	"jobplan/internal/eventbus"
	logx "jobplan/pkg/logx"
)

const (
	idleWait    = time.Minute
	pendingWait = 50 * time.Millisecond
)

// fire is one scheduled execution waiting for a worker.
type fire struct {
	job       JobDetail
	trigger   TriggerKey
	scheduled time.Time
	next      time.Time
	priority  int
	deferred  bool
}

type notice struct {
	typ  string
	data TriggerEvent
	warn bool
}

func (s *Service) loop(ctx context.Context) error {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		wait := s.tick(time.Now())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// tick dispatches everything due at now and returns how long the loop may
// sleep before the next fire.
func (s *Service) tick(now time.Time) time.Duration {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return idleWait
	}

	var (
		due     []fire
		notices []notice
	)
	for _, ts := range s.triggers {
		if ts.next.IsZero() || ts.next.After(now) {
			continue
		}
		d, ok := s.jobs[ts.trigger.JobKey]
		if !ok {
			continue
		}
		f, n, fired := s.advance(ts, d, now)
		if fired {
			due = append(due, f)
		}
		notices = append(notices, n...)
	}

	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].scheduled.Equal(due[j].scheduled) {
			return due[i].scheduled.Before(due[j].scheduled)
		}
		return due[i].priority > due[j].priority
	})

	// Deferred fires go ahead of new ones.
	queue := append(s.pending, due...)
	s.pending = nil
	var deferredNow int
	for i, f := range queue {
		select {
		case s.q <- f:
			continue
		default:
		}
		for _, rest := range queue[i:] {
			if !rest.deferred {
				rest.deferred = true
				deferredNow++
			}
			s.pending = append(s.pending, rest)
		}
		break
	}

	wait := idleWait
	for _, ts := range s.triggers {
		if ts.next.IsZero() {
			continue
		}
		if d := ts.next.Sub(now); d < wait {
			wait = d
		}
	}
	if len(s.pending) > 0 && wait > pendingWait {
		wait = pendingWait
	}
	if wait < 0 {
		wait = 0
	}
	pending := len(s.pending)
	s.mu.Unlock()

	if deferredNow > 0 {
		s.deferred.Add(uint64(deferredNow))
		s.queueFullWarn.Do(func() {
			s.log.Warn("worker queue full; fires deferred", logx.Int("deferred", deferredNow), logx.Int("pending", pending))
		})
	}
	for _, n := range notices {
		s.publish(n.typ, now, n.data)
		if n.warn {
			nd := n.data
			s.misfireWarn.Do(func() {
				s.log.Warn("trigger misfired",
					logx.String("trigger", nd.Trigger.String()),
					logx.String("job", nd.Job.String()),
					logx.Time("scheduled", nd.Scheduled),
					logx.Duration("lateness", nd.Lateness),
				)
			})
		}
	}
	return wait
}

// advance moves ts past now, applying misfire policy when the due fire is
// too late. Caller holds s.mu.
func (s *Service) advance(ts *triggerState, d JobDetail, now time.Time) (fire, []notice, bool) {
	var (
		notices []notice
		f       fire
		fired   bool
	)
	loc := ts.trigger.Schedule.Location
	scheduled := ts.next
	lateness := now.Sub(scheduled)

	if lateness > s.cfg.MisfireThreshold {
		policy := ts.trigger.Schedule.Misfire
		ev := TriggerEvent{
			Trigger:   ts.trigger.Key,
			Job:       ts.trigger.JobKey,
			Scheduled: scheduled,
			Lateness:  lateness,
			Policy:    policy.String(),
		}
		s.misfired.Add(1)
		switch policy {
		case MisfireFireNow:
			f = fire{job: d, trigger: ts.trigger.Key, scheduled: now, priority: ts.trigger.Priority}
			fired = true
			ts.prev = now
		case MisfireDoNothing:
			notices = append(notices, notice{typ: eventbus.TriggerMisfired, data: ev, warn: true})
		case MisfireIgnore:
			s.log.Debug("trigger misfire ignored", logx.String("trigger", ts.trigger.Key.String()), logx.Duration("lateness", lateness))
		}
		ts.next = ts.schedule.Next(now.In(loc))
	} else {
		f = fire{job: d, trigger: ts.trigger.Key, scheduled: scheduled, priority: ts.trigger.Priority}
		fired = true
		ts.prev = scheduled
		ts.next = ts.schedule.Next(scheduled.In(loc))
	}

	if !ts.next.IsZero() && !ts.trigger.EndAt.IsZero() && ts.next.After(ts.trigger.EndAt) {
		ts.next = time.Time{}
	}
	if ts.next.IsZero() {
		notices = append(notices, notice{typ: eventbus.TriggerCompleted, data: TriggerEvent{
			Trigger:   ts.trigger.Key,
			Job:       ts.trigger.JobKey,
			Scheduled: scheduled,
		}})
		s.log.Info("trigger completed", logx.String("trigger", ts.trigger.Key.String()), logx.String("job", ts.trigger.JobKey.String()))
	}
	f.next = ts.next
	return f, notices, fired
}
