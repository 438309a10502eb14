package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// HandlerSet resolves jobClass references. job.Registry satisfies it.
type HandlerSet interface {
	Has(name string) bool
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report document keys, not Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads and validates the document at path.
func Load(path string, handlers HandlerSet) (*SchedulerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Source: path, Problems: []error{err}}
	}
	cfg, err := Parse(b, FormatFromPath(path), handlers)
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		ce.Source = path
	}
	return cfg, err
}

// Parse decodes and validates a JSON or YAML document.
// Unknown fields are ignored.
func Parse(data []byte, format string, handlers HandlerSet) (*SchedulerConfig, error) {
	jb, err := coerceToJSONBytes(format, data)
	if err != nil {
		return nil, &ConfigurationError{Problems: []error{err}}
	}

	var cfg SchedulerConfig
	dec := json.NewDecoder(bytes.NewReader(jb))
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigurationError{Problems: []error{fmt.Errorf("decode: %w", err)}}
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, &ConfigurationError{Problems: []error{err}}
	}

	if errs := cfg.validate(handlers); len(errs) > 0 {
		return nil, &ConfigurationError{Problems: errs}
	}
	return &cfg, nil
}

func (c *SchedulerConfig) validate(handlers HandlerSet) []error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			for _, fe := range ves {
				errs = append(errs, problem(fieldPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	// A disabled document registers nothing, so it needs no bound.
	if strings.TrimSpace(c.MaxExecutionDuration) != "" {
		d, err := parseDurationField("maxExecutionDuration", c.MaxExecutionDuration)
		if err != nil {
			errs = append(errs, err)
		}
		c.maxExec = d
	} else if c.IsEnabled() {
		errs = append(errs, problem("maxExecutionDuration", "required"))
	}
	if strings.TrimSpace(c.MaxWaitDuration) != "" {
		d, err := parseDurationField("maxWaitDuration", c.MaxWaitDuration)
		if err != nil {
			errs = append(errs, err)
		}
		c.maxWait = d
	}

	jobIDs := map[string]string{}
	for _, gk := range c.GroupKeys() {
		g := c.Groups[gk]
		gpath := "groups." + gk
		if g == nil {
			errs = append(errs, problem(gpath, "must be an object"))
			continue
		}
		groupName := g.ResolveName(gk)
		triggerIDs := map[string]string{}

		for _, jk := range g.JobKeys() {
			j := g.Jobs[jk]
			jpath := gpath + ".jobs." + jk
			if j == nil {
				errs = append(errs, problem(jpath, "must be an object"))
				continue
			}

			id := groupName + "." + j.ResolveName(jk)
			if prev, dup := jobIDs[id]; dup {
				errs = append(errs, problem(jpath, fmt.Sprintf("duplicate job identity %q (also %s)", id, prev)))
			} else {
				jobIDs[id] = jpath
			}

			if cls := strings.TrimSpace(j.JobClass); cls != "" && handlers != nil && !handlers.Has(cls) {
				errs = append(errs, problem(jpath+".jobClass", fmt.Sprintf("unknown job handler %q", cls)))
			}

			for _, tk := range j.TriggerKeys() {
				t := j.Triggers[tk]
				tpath := jpath + ".triggers." + tk
				if t == nil {
					errs = append(errs, problem(tpath, "must be an object"))
					continue
				}
				// Triggers are keyed by (trigger name, group name) in the engine.
				tid := groupName + "." + t.ResolveName(tk)
				if prev, dup := triggerIDs[tid]; dup {
					errs = append(errs, problem(tpath, fmt.Sprintf("duplicate trigger identity %q (also %s): trigger names share the group namespace across jobs", tid, prev)))
				} else {
					triggerIDs[tid] = tpath
				}
				errs = append(errs, t.validate(tpath)...)
			}
		}
	}
	return errs
}

func (t *Trigger) validate(path string) []error {
	var errs []error

	switch s := t.Schedule.Schedule.(type) {
	case *CronSchedule:
		errs = append(errs, s.validate(path+".schedule")...)
	case nil:
		if t.Schedule.Type == "" {
			errs = append(errs, problem(path+".schedule.type", "required"))
		} else {
			errs = append(errs, problem(path+".schedule.type", fmt.Sprintf("unsupported schedule type %q", t.Schedule.Type)))
		}
	}

	if strings.TrimSpace(t.StartDate) != "" {
		at, err := ParseDateTime(t.StartDate)
		if err != nil {
			errs = append(errs, problem(path+".startDate", err.Error()))
		}
		t.start = at
	}
	if strings.TrimSpace(t.EndDate) != "" {
		at, err := ParseDateTime(t.EndDate)
		if err != nil {
			errs = append(errs, problem(path+".endDate", err.Error()))
		}
		t.end = at
	}
	if !t.start.IsZero() && !t.end.IsZero() && t.end.Before(t.start) {
		errs = append(errs, problem(path+".endDate", "must not be before startDate"))
	}
	return errs
}

// fieldPath turns "SchedulerConfig.groups[g].jobs[j].jobClass" into
// "groups.g.jobs.j.jobClass".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	ns = strings.ReplaceAll(ns, "[", ".")
	return strings.ReplaceAll(ns, "]", "")
}
