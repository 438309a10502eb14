package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Schedule kinds accepted in the "type" discriminator.
const (
	KindCron = "CRON"
)

// Schedule is the closed set of timing rules a trigger can carry.
// CronSchedule is the only variant today.
type Schedule interface {
	Kind() string
}

// ScheduleSpec decodes the tagged schedule object.
// Schedule is nil when the type is missing or unknown; load reports it.
type ScheduleSpec struct {
	Type     string
	Schedule Schedule
}

func (s *ScheduleSpec) UnmarshalJSON(b []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	s.Type = strings.TrimSpace(head.Type)
	switch strings.ToUpper(s.Type) {
	case KindCron:
		var c CronSchedule
		if err := json.Unmarshal(b, &c); err != nil {
			return err
		}
		s.Schedule = &c
	default:
		s.Schedule = nil
	}
	return nil
}

// CronSchedule fires on a cron expression evaluated in Timezone.
// The expression grammar is checked by the engine at registration.
type CronSchedule struct {
	Expression         string             `json:"expression"`
	Timezone           string             `json:"timezone,omitempty"`
	MisfireInstruction MisfireInstruction `json:"misfireInstruction,omitempty"`

	loc *time.Location
}

func (*CronSchedule) Kind() string { return KindCron }

// Location returns the resolved timezone; time.Local when unset.
func (c *CronSchedule) Location() *time.Location {
	if c.loc != nil {
		return c.loc
	}
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.Timezone))
	if err != nil {
		return time.Local
	}
	return loc
}

// Misfire returns the misfire instruction, MisfireDoNothing when unset.
func (c *CronSchedule) Misfire() MisfireInstruction {
	if c.MisfireInstruction == "" {
		return MisfireDoNothing
	}
	return MisfireInstruction(strings.ToUpper(string(c.MisfireInstruction)))
}

// MisfireInstruction selects what happens to firings the engine missed.
type MisfireInstruction string

const (
	MisfireIgnore    MisfireInstruction = "IGNORE"
	MisfireDoNothing MisfireInstruction = "DO_NOTHING"
	MisfireFireNow   MisfireInstruction = "FIRE_NOW"
)

// Valid reports whether m is empty or one of the known instructions.
func (m MisfireInstruction) Valid() bool {
	switch MisfireInstruction(strings.ToUpper(string(m))) {
	case "", MisfireIgnore, MisfireDoNothing, MisfireFireNow:
		return true
	}
	return false
}

func (m MisfireInstruction) String() string { return string(m) }

func (c *CronSchedule) validate(path string) []error {
	var errs []error
	if strings.TrimSpace(c.Expression) == "" {
		errs = append(errs, problem(path+".expression", "required"))
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, problem(path+".timezone", fmt.Sprintf("unknown timezone %q", tz)))
		} else {
			c.loc = loc
		}
	}
	if !c.MisfireInstruction.Valid() {
		errs = append(errs, problem(path+".misfireInstruction",
			fmt.Sprintf("unknown value %q (want IGNORE, DO_NOTHING or FIRE_NOW)", string(c.MisfireInstruction))))
	}
	return errs
}
