// Package scheduler turns a loaded configuration into engine registrations
// and owns the engine's lifecycle.
//
// The Controller reconciles every (group, job) once at Start: the job is
// upserted and its complete trigger set replaced, so re-running Start against
// the same engine state is idempotent. A failing entry is logged and
// skipped; it never blocks its siblings. Close drains: the engine goes to
// standby, running executions are awaited, then the engine shuts down.
package scheduler
