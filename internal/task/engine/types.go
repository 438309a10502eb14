package engine

import (
	"time"

	rtsup "jobplan/internal/runtime/supervisor"
)

// Config controls the execution engine.
type Config struct {
	// Workers bounds concurrent executions (default 4).
	Workers int
	// QueueSize bounds fires waiting for a worker (default 64).
	QueueSize int

	// MisfireThreshold is how late a fire may be before its trigger's
	// misfire policy applies (default 60s).
	MisfireThreshold time.Duration

	// MaxRunTime interrupts executions of interruptible jobs that run
	// longer than this. 0 disables it.
	MaxRunTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MisfireThreshold <= 0 {
		c.MisfireThreshold = 60 * time.Second
	}
	if c.MaxRunTime < 0 {
		c.MaxRunTime = 0
	}
	return c
}

// DefaultGroup is used when a key has no group.
const DefaultGroup = "DEFAULT"

// DefaultPriority is the priority of triggers that don't set one.
const DefaultPriority = 5

// DataAutoInterruptible marks a job as interruptible when set to "true"
// in JobDetail.Data.
const DataAutoInterruptible = "jobplan.autoInterruptible"

type JobKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func (k JobKey) String() string { return k.Group + "." + k.Name }

type TriggerKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func (k TriggerKey) String() string { return k.Group + "." + k.Name }

// JobDetail is the registrable description of a job. Handler names the
// factory in the job registry; Data is handed to every execution.
type JobDetail struct {
	Key         JobKey
	Description string
	Handler     string
	Data        map[string]string
}

// Interruptible reports whether the auto-interruptible flag is set.
func (d JobDetail) Interruptible() bool { return d.Data[DataAutoInterruptible] == "true" }

// MisfirePolicy decides what happens when a fire is later than the
// misfire threshold.
type MisfirePolicy int

const (
	// MisfireDoNothing skips the missed fires and reports the misfire.
	MisfireDoNothing MisfirePolicy = iota
	// MisfireIgnore skips the missed fires silently.
	MisfireIgnore
	// MisfireFireNow runs the most recent missed fire at once, then
	// resumes the normal cadence.
	MisfireFireNow
)

func (p MisfirePolicy) String() string {
	switch p {
	case MisfireIgnore:
		return "ignore"
	case MisfireFireNow:
		return "fire_now"
	default:
		return "do_nothing"
	}
}

// CronSchedule is a cron recurrence evaluated in Location.
//
// Expressions take 5 fields, or 6 with a leading seconds field, plus
// descriptors like "@hourly"; "?" is accepted for day fields.
type CronSchedule struct {
	Expression string
	Location   *time.Location
	Misfire    MisfirePolicy
}

// Trigger binds a schedule to a job. A zero StartAt means "now" at
// registration; a zero EndAt never expires.
type Trigger struct {
	Key         TriggerKey
	JobKey      JobKey
	Description string
	Schedule    CronSchedule
	StartAt     time.Time
	EndAt       time.Time
	Priority    int
}

// RunEvent is the payload of job.* events.
type RunEvent struct {
	FireID      string        `json:"fire_id"`
	Job         JobKey        `json:"job"`
	Trigger     TriggerKey    `json:"trigger"`
	Handler     string        `json:"handler"`
	Scheduled   time.Time     `json:"scheduled"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Interrupted bool          `json:"interrupted,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// TriggerEvent is the payload of trigger.* events.
type TriggerEvent struct {
	Trigger   TriggerKey    `json:"trigger"`
	Job       JobKey        `json:"job"`
	Scheduled time.Time     `json:"scheduled"`
	Lateness  time.Duration `json:"lateness,omitempty"`
	Policy    string        `json:"policy,omitempty"`
}

type TriggerInfo struct {
	Key      TriggerKey
	JobKey   JobKey
	Spec     string
	Timezone string
	Priority int
	Next     time.Time
	Prev     time.Time
	Complete bool
}

type ExecutionInfo struct {
	FireID  string
	Job     JobKey
	Trigger TriggerKey
	Started time.Time
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	State    string
	Workers  int
	QueueLen int
	QueueCap int

	Jobs     []JobKey
	Triggers []TriggerInfo
	Running  []ExecutionInfo

	Fired     uint64
	Succeeded uint64
	Failed    uint64
	Misfired  uint64
	Deferred  uint64

	// Routines covers the loop and worker goroutines.
	Routines rtsup.Counters
}
