// Package storage persists the run history of job executions.
//
// Two drivers are available: "file" appends JSON Lines, "sqlite" writes to
// a SQLite database. Storage is optional; Open returns a nil Store for the
// "none" driver.
package storage
