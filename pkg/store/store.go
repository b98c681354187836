package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/imdario/mergo"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/specguard/specguard/pkg/models"
)

// StateStore is the durable counterpart of the progress registry: idempotent
// upsert-based persistence of job outcomes keyed by job id. Each incoming
// column takes the new value if non-null, else retains the prior value, so
// records enrich monotonically and never regress to null. No transition
// leaves a terminal state.
type StateStore struct {
	DB    *gorm.DB
	clock clock.Clock
}

func NewStateStore(opts ...Option) (*StateStore, error) {
	cfg := NewDefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	db, err := openDB(cfg, &Job{}, &JobEvent{})
	if err != nil {
		return nil, err
	}
	return &StateStore{DB: db, clock: cfg.Clock}, nil
}

// JobUpdate carries the optional columns of one upsert. Nil fields retain
// whatever the row already holds.
type JobUpdate struct {
	Stage   string
	Message string

	WorkspacePath *string
	OutputPath    *string
	ConfigPath    *string
	LogsPath      *string
	DatabasePath  *string

	DockerLogs         []string
	WorkspaceSnapshots []string
}

func (u JobUpdate) toRow() (Job, error) {
	row := Job{
		Stage:         u.Stage,
		Message:       u.Message,
		WorkspacePath: u.WorkspacePath,
		OutputPath:    u.OutputPath,
		ConfigPath:    u.ConfigPath,
		LogsPath:      u.LogsPath,
		DatabasePath:  u.DatabasePath,
	}
	if u.DockerLogs != nil {
		raw, err := json.Marshal(u.DockerLogs)
		if err != nil {
			return Job{}, err
		}
		row.DockerLogsJSON = datatypes.JSON(raw)
	}
	if u.WorkspaceSnapshots != nil {
		raw, err := json.Marshal(u.WorkspaceSnapshots)
		if err != nil {
			return Job{}, err
		}
		row.WorkspaceSnapshotsJSON = datatypes.JSON(raw)
	}
	return row, nil
}

// RecordProgress upserts a non-terminal status change with optional
// enrichment columns and appends the matching event.
func (s *StateStore) RecordProgress(ctx context.Context, jobID string, status models.JobStatus, update JobUpdate) error {
	row, err := update.toRow()
	if err != nil {
		return err
	}
	row.Status = string(status)
	return s.upsert(ctx, jobID, row)
}

// RecordCompletion marks a job terminally completed with its result payload.
func (s *StateStore) RecordCompletion(ctx context.Context, jobID string, result *models.ResultEnvelope, update JobUpdate) error {
	row, err := update.toRow()
	if err != nil {
		return err
	}
	row.Status = string(models.JobStatusCompleted)
	if row.Stage == "" {
		row.Stage = "completed"
	}
	if row.Message == "" {
		row.Message = "job completed"
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		row.ResultJSON = datatypes.JSON(raw)
	}
	now := s.clock.Now().UTC()
	row.CompletedAt = &now
	return s.upsert(ctx, jobID, row)
}

// RecordFailure marks a job terminally failed with its error text and any
// structured details.
func (s *StateStore) RecordFailure(ctx context.Context, jobID, errText string, details map[string]interface{}, update JobUpdate) error {
	row, err := update.toRow()
	if err != nil {
		return err
	}
	row.Status = string(models.JobStatusFailed)
	if row.Stage == "" {
		row.Stage = "failed"
	}
	if row.Message == "" {
		row.Message = errText
	}
	row.ErrorText = &errText
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}
		row.DetailsJSON = datatypes.JSON(raw)
	}
	now := s.clock.Now().UTC()
	row.CompletedAt = &now
	return s.upsert(ctx, jobID, row)
}

func (s *StateStore) upsert(ctx context.Context, jobID string, incoming Job) error {
	now := s.clock.Now().UTC()

	var existing Job
	err := s.DB.WithContext(ctx).Where("job_id = ?", jobID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		incoming.JobID = jobID
		incoming.CreatedAt = now
		incoming.UpdatedAt = now
		if err := s.DB.WithContext(ctx).Omit(clause.Associations).Create(&incoming).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if models.JobStatus(existing.Status).IsTerminal() {
			return nil
		}
		// non-null incoming columns win, the rest keep their prior values
		if err := mergo.Merge(&incoming, existing); err != nil {
			return err
		}
		incoming.JobID = jobID
		incoming.UpdatedAt = now
		if err := s.DB.WithContext(ctx).Omit(clause.Associations).Save(&incoming).Error; err != nil {
			return err
		}
	}

	if incoming.Stage != "" || incoming.Message != "" {
		return s.DB.WithContext(ctx).Create(&JobEvent{
			JobID:     jobID,
			Timestamp: now,
			Stage:     incoming.Stage,
			Message:   incoming.Message,
		}).Error
	}
	return nil
}

// GetJob returns the durable view of a job, events included.
func (s *StateStore) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	var row Job
	if err := s.DB.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error; err != nil {
		return models.Job{}, err
	}

	out := models.Job{
		ID:          row.JobID,
		Status:      models.JobStatus(row.Status),
		Stage:       row.Stage,
		Message:     row.Message,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		CompletedAt: row.CompletedAt,
	}
	if row.ErrorText != nil {
		out.Error = *row.ErrorText
	}
	if len(row.ResultJSON) > 0 {
		var result models.ResultEnvelope
		if err := json.Unmarshal(row.ResultJSON, &result); err != nil {
			return models.Job{}, err
		}
		out.Result = &result
	}
	if len(row.DetailsJSON) > 0 {
		if err := json.Unmarshal(row.DetailsJSON, &out.Details); err != nil {
			return models.Job{}, err
		}
	}

	events, err := s.ListEvents(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	out.Events = events
	return out, nil
}

// ListEvents returns a job's audit trail in append order.
func (s *StateStore) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	var rows []JobEvent
	if err := s.DB.WithContext(ctx).Where("job_id = ?", jobID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return lo.Map(rows, func(e JobEvent, _ int) models.JobEvent {
		return models.JobEvent{
			JobID:     e.JobID,
			Timestamp: e.Timestamp,
			Stage:     e.Stage,
			Message:   e.Message,
		}
	}), nil
}

// DeleteJob removes a job row; its events cascade away with it.
func (s *StateStore) DeleteJob(ctx context.Context, jobID string) error {
	return s.DB.WithContext(ctx).Where("job_id = ?", jobID).Delete(&Job{}).Error
}

func (s *StateStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
