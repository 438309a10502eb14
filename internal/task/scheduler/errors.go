package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistration matches every *RegistrationError.
	ErrRegistration = errors.New("registration failed")
	// ErrEngine matches every *EngineError.
	ErrEngine = errors.New("engine failure")

	ErrUnsupportedSchedule = errors.New("unsupported schedule type")
	ErrControllerStarted   = errors.New("controller already started")
	ErrControllerStopped   = errors.New("controller stopped")
)

// RegistrationError reports one job or trigger set the engine did not
// accept. It is recorded and skipped; the job's siblings still register.
type RegistrationError struct {
	Group string
	Job   string
	// Op is "job" or "triggers".
	Op  string
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s %s.%s: %v", e.Op, e.Group, e.Job, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

func (e *RegistrationError) Is(target error) bool { return target == ErrRegistration }

// EngineError is a failure of the engine itself (start or shutdown).
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("engine %s: %v", e.Op, e.Err) }

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool { return target == ErrEngine }
