package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops sqlite rows older than this. 0 keeps everything.
	Retention time.Duration
}

// Run statuses.
const (
	StatusFinished    = "finished"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// RunRecord is one finished execution.
type RunRecord struct {
	FireID       string        `json:"fire_id"`
	JobGroup     string        `json:"job_group"`
	JobName      string        `json:"job_name"`
	TriggerGroup string        `json:"trigger_group"`
	TriggerName  string        `json:"trigger_name"`
	Handler      string        `json:"handler"`
	Status       string        `json:"status"`
	Scheduled    time.Time     `json:"scheduled"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
}
