package config

import (
	"math"
	"sort"
	"strings"
	"time"
)

// DefaultPriority matches the engine's default trigger priority.
const DefaultPriority = 5

// SchedulerConfig is the root of the scheduling document.
//
// Optional values are kept raw and resolved by accessor methods, so
// defaults live in one place and are applied at read time.
//
// Example (YAML):
//
//	enabled: true
//	maxExecutionDuration: PT30S
//	groups:
//	  reports:
//	    jobs:
//	      nightly:
//	        jobClass: log
//	        triggers:
//	          midnight:
//	            schedule: { type: CRON, expression: "0 0 * * *", timezone: Europe/Paris }
type SchedulerConfig struct {
	Enabled              *bool                `json:"enabled,omitempty"`
	MaxExecutionDuration string               `json:"maxExecutionDuration,omitempty"`
	MaxWaitDuration      string               `json:"maxWaitDuration,omitempty"`
	Groups               map[string]*JobGroup `json:"groups" validate:"dive"`

	// Parsed during load.
	maxExec time.Duration
	maxWait time.Duration
}

type JobGroup struct {
	Name string                `json:"name,omitempty"`
	Jobs map[string]*JobDetail `json:"jobs" validate:"dive"`
}

type JobDetail struct {
	Name                string              `json:"name,omitempty"`
	Description         string              `json:"description,omitempty"`
	JobClass            string              `json:"jobClass" validate:"required"`
	InterruptionEnabled *bool               `json:"interruptionEnabled,omitempty"`
	Data                map[string]string   `json:"data,omitempty"`
	Triggers            map[string]*Trigger `json:"triggers" validate:"dive"`
}

type Trigger struct {
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	Schedule    ScheduleSpec `json:"schedule"`
	StartDate   string       `json:"startDate,omitempty"`
	EndDate     string       `json:"endDate,omitempty"`
	Priority    *int         `json:"priority,omitempty"`

	start time.Time
	end   time.Time
}

// IsEnabled reports the enabled flag (default false).
func (c *SchedulerConfig) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

// MaxExecution is the parsed maxExecutionDuration.
func (c *SchedulerConfig) MaxExecution() time.Duration {
	if c == nil {
		return 0
	}
	return c.maxExec
}

// MaxWait is maxWaitDuration, or maxExecutionDuration * 1.10 rounded up
// to the millisecond when unset. The default never undercuts
// maxExecutionDuration.
func (c *SchedulerConfig) MaxWait() time.Duration {
	if c == nil {
		return 0
	}
	if c.maxWait > 0 {
		return c.maxWait
	}
	if c.maxExec <= 0 {
		return 0
	}
	d := c.maxExec + c.maxExec/10
	if d < c.maxExec {
		// overflow
		return c.maxExec
	}
	if r := d % time.Millisecond; r != 0 && d <= math.MaxInt64-time.Millisecond {
		d += time.Millisecond - r
	}
	return d
}

// GroupKeys returns group keys in a stable order.
func (c *SchedulerConfig) GroupKeys() []string { return sortedKeys(c.Groups) }

func (g *JobGroup) ResolveName(key string) string { return orKey(g.Name, key) }

func (g *JobGroup) JobKeys() []string { return sortedKeys(g.Jobs) }

func (j *JobDetail) ResolveName(key string) string { return orKey(j.Name, key) }

// Interruptible reports interruptionEnabled (default true).
func (j *JobDetail) Interruptible() bool {
	return j.InterruptionEnabled == nil || *j.InterruptionEnabled
}

func (j *JobDetail) TriggerKeys() []string { return sortedKeys(j.Triggers) }

func (t *Trigger) ResolveName(key string) string { return orKey(t.Name, key) }

// Start returns the parsed startDate; ok is false when absent.
func (t *Trigger) Start() (at time.Time, ok bool) { return t.start, !t.start.IsZero() }

// End returns the parsed endDate; ok is false when absent.
func (t *Trigger) End() (at time.Time, ok bool) { return t.end, !t.end.IsZero() }

// ResolvedPriority returns priority, or DefaultPriority when unset.
func (t *Trigger) ResolvedPriority() int {
	if t.Priority == nil {
		return DefaultPriority
	}
	return *t.Priority
}

func orKey(name, key string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return key
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
