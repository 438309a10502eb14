// Package engine is the in-process cron execution engine behind the
// scheduler.
//
// It keeps jobs and triggers in memory keyed by (name, group), fires due
// triggers from a single loop in (fire time, priority) order, and runs
// executions on a bounded worker pool. Each execution has its own
// cancellable context; interruption is cooperative.
//
// Lifecycle: New -> Start -> (Standby -> Start)* -> Shutdown. Shutdown is
// terminal. With waitForJobs it lets running executions finish; without it
// they are canceled with ErrShutdown as the cause.
package engine
