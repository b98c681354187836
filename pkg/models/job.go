package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition may leave this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// NewJobID returns an opaque globally unique job token.
func NewJobID() string {
	return uuid.NewString()
}

// JobPaths are the per-job absolute directories and files, created at job
// start and removed at job end unless retention is requested.
type JobPaths struct {
	WorkspaceDir string
	OutputDir    string
	ConfigDir    string
	ConfigFile   string
	LogFile      string
}

// Job is the live, registry-facing view of one submitted workflow run.
type Job struct {
	ID          string                 `json:"id"`
	Status      JobStatus              `json:"status"`
	Stage       string                 `json:"stage"`
	Message     string                 `json:"message"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Result      *ResultEnvelope        `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Events      []JobEvent             `json:"events"`
	Paths       *JobPaths              `json:"-"`
}

// JobEvent is one append-only audit-trail entry.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
}

// ProgressFunc receives every step transition of a running job. The
// orchestrator calls it at each phase boundary; the registry provides a
// bound implementation so the orchestrator stays decoupled from registry
// internals.
type ProgressFunc func(stage, message string)
