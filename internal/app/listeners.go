package app

import (
	"context"
	"time"

	"jobplan/internal/eventbus"
	"jobplan/internal/storage"
	"jobplan/internal/task/engine"
	logx "jobplan/pkg/logx"
)

const listenerBuffer = 256

func (a *App) startListeners() {
	if a.store != nil {
		ch, unsub := a.bus.Subscribe(listenerBuffer, eventbus.JobFinished, eventbus.JobFailed, eventbus.JobInterrupted)
		log := a.log.With(logx.String("comp", "history"))
		a.sup.Go("listener.history", func(c context.Context) error {
			defer unsub()
			return consume(c, ch, func(e eventbus.Event) {
				rec, ok := runRecord(e)
				if !ok {
					return
				}
				// detached so a stop in progress doesn't lose the last records
				wctx, cancel := context.WithTimeout(context.WithoutCancel(c), 2*time.Second)
				defer cancel()
				if err := a.store.AppendRun(wctx, rec); err != nil {
					log.Warn("append run failed", logx.String("fire_id", rec.FireID), logx.Err(err))
				}
			})
		})
	}

	ch, unsub := a.bus.Subscribe(listenerBuffer)
	a.sup.Go("listener.metrics", func(c context.Context) error {
		defer unsub()
		return consume(c, ch, a.metrics.Observe)
	})
}

func consume(ctx context.Context, ch <-chan eventbus.Event, fn func(eventbus.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			fn(e)
		}
	}
}

// runRecord converts a terminal job event; other events report false.
func runRecord(e eventbus.Event) (storage.RunRecord, bool) {
	ev, ok := e.Data.(engine.RunEvent)
	if !ok {
		return storage.RunRecord{}, false
	}
	var status string
	switch e.Type {
	case eventbus.JobFinished:
		status = storage.StatusFinished
	case eventbus.JobFailed:
		status = storage.StatusFailed
	case eventbus.JobInterrupted:
		status = storage.StatusInterrupted
	default:
		return storage.RunRecord{}, false
	}
	return storage.RunRecord{
		FireID:       ev.FireID,
		JobGroup:     ev.Job.Group,
		JobName:      ev.Job.Name,
		TriggerGroup: ev.Trigger.Group,
		TriggerName:  ev.Trigger.Name,
		Handler:      ev.Handler,
		Status:       status,
		Scheduled:    ev.Scheduled,
		Started:      ev.Started,
		Duration:     ev.Duration,
		Error:        ev.Error,
	}, true
}
