package engine

import "errors"

var (
	ErrShutdown         = errors.New("engine is shut down")
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidKey       = errors.New("key name required")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrWillNeverFire    = errors.New("trigger will never fire")
	ErrNotInterruptible = errors.New("job is not interruptible")

	// Causes attached to canceled execution contexts.
	ErrInterrupted = errors.New("execution interrupted")
	ErrMaxRunTime  = errors.New("execution exceeded max run time")
)
