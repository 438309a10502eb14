// Package job defines the capability scheduled work implements and the
// registry that maps configuration handler names onto job factories.
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "jobplan/pkg/logx"
)

// Job is the unit of work the engine runs on each trigger fire.
//
// ctx is canceled when the execution is interrupted (explicitly, by the
// max run time, or by a non-waiting shutdown). Interruptible jobs should
// observe it and return promptly; a job that ignores it runs to completion.
type Job interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// Func adapts a plain function to Job.
type Func func(ctx context.Context, ec *ExecutionContext) error

func (f Func) Execute(ctx context.Context, ec *ExecutionContext) error { return f(ctx, ec) }

// ExecutionContext describes one fire of a trigger.
type ExecutionContext struct {
	FireInstanceID string
	JobName        string
	JobGroup       string
	TriggerName    string
	TriggerGroup   string

	ScheduledFireTime time.Time
	FireTime          time.Time
	// NextFireTime is zero when the trigger will not fire again.
	NextFireTime time.Time

	Interruptible bool
	Data          map[string]string

	Log logx.Logger
}

// Factory builds a fresh job instance per execution.
type Factory func() Job

var (
	ErrUnknownHandler   = errors.New("unknown job handler")
	ErrDuplicateHandler = errors.New("job handler already registered")
)

// Registry maps handler names, as referenced by jobClass in the
// configuration, to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(name string, f Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("handler name required")
	}
	if f == nil {
		return fmt.Errorf("handler %q: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.factories[strings.TrimSpace(name)]
	r.mu.RUnlock()
	return ok
}

// New instantiates the job registered under name.
func (r *Registry) New(name string) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	j := f()
	if j == nil {
		return nil, fmt.Errorf("handler %q: factory returned nil", name)
	}
	return j, nil
}

// Names lists registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
