package ledger

import (
	"errors"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ArchiveStatus is the state of one archive task.
type ArchiveStatus string

const (
	ArchiveQueued    ArchiveStatus = "queued"
	ArchiveCompleted ArchiveStatus = "completed"
	ArchiveFailed    ArchiveStatus = "failed"
)

// Job is one submission as recorded in the ledger.
type Job struct {
	ID          string
	Owner       string
	Status      Status
	RunDir      string
	ExitCode    *int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
	Stderr      *string
}

// ArchiveTask is one background archiving attempt.
type ArchiveTask struct {
	ID          string
	JobID       string
	Owner       string
	Status      ArchiveStatus
	Path        string
	CreatedAt   time.Time
	CompletedAt *time.Time
	LastError   *string
}

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrArchiveNotFound = errors.New("archive task not found")
)
