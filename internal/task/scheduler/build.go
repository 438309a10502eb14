package scheduler

import (
	"fmt"
	"time"

	"jobplan/internal/config"
	"jobplan/internal/task/engine"
)

// buildTrigger converts a configured trigger into an engine trigger for jobKey.
// A missing start bound arms the trigger at now.
func buildTrigger(groupName, triggerKey string, t *config.Trigger, jobKey engine.JobKey, now time.Time) (engine.Trigger, error) {
	out := engine.Trigger{
		Key:         engine.TriggerKey{Name: t.ResolveName(triggerKey), Group: groupName},
		JobKey:      jobKey,
		Description: t.Description,
		Priority:    t.ResolvedPriority(),
		StartAt:     now,
	}
	if at, ok := t.Start(); ok {
		out.StartAt = at
	}
	if at, ok := t.End(); ok {
		out.EndAt = at
	}

	switch s := t.Schedule.Schedule.(type) {
	case *config.CronSchedule:
		out.Schedule = engine.CronSchedule{
			Expression: s.Expression,
			Location:   s.Location(),
			Misfire:    misfirePolicy(s.Misfire()),
		}
	default:
		return engine.Trigger{}, fmt.Errorf("trigger %s: %w %q", out.Key, ErrUnsupportedSchedule, t.Schedule.Type)
	}
	return out, nil
}

func misfirePolicy(m config.MisfireInstruction) engine.MisfirePolicy {
	switch m {
	case config.MisfireIgnore:
		return engine.MisfireIgnore
	case config.MisfireFireNow:
		return engine.MisfireFireNow
	default:
		return engine.MisfireDoNothing
	}
}
