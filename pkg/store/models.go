package store

import (
	"time"

	"gorm.io/datatypes"
)

// Job is the durable row behind one orchestrated run. Nullable columns are
// pointers so an absent incoming value retains the prior one on upsert.
type Job struct {
	JobID   string `gorm:"column:job_id;primaryKey"`
	Status  string
	Stage   string
	Message string

	WorkspacePath *string
	OutputPath    *string
	ConfigPath    *string
	LogsPath      *string
	DatabasePath  *string

	ResultJSON             datatypes.JSON `gorm:"column:result_json"`
	ErrorText              *string
	DetailsJSON            datatypes.JSON `gorm:"column:details_json"`
	DockerLogsJSON         datatypes.JSON `gorm:"column:docker_logs_json"`
	WorkspaceSnapshotsJSON datatypes.JSON `gorm:"column:workspace_snapshots_json"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	Events []JobEvent `gorm:"foreignKey:JobID;references:JobID;constraint:OnDelete:CASCADE"`
}

func (Job) TableName() string { return "jobs" }

// JobEvent is one append-only audit-trail row, cascading away with its job.
type JobEvent struct {
	ID        uint   `gorm:"primaryKey"`
	JobID     string `gorm:"index"`
	Timestamp time.Time
	Stage     string
	Message   string
}

func (JobEvent) TableName() string { return "job_events" }

// AssertionHistory records diff-artifact provenance, one row per job id.
type AssertionHistory struct {
	ID               uint   `gorm:"primaryKey"`
	JobID            string `gorm:"uniqueIndex"`
	CodeFilename     string
	DatabaseFilename string
	DiffPath         string
	DiffFilename     string
	Source           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (AssertionHistory) TableName() string { return "assertion_history" }
