package registry

import (
	"sync"
	"time"

	"github.com/specguard/specguard/pkg/models"
)

// Registry is the in-memory, per-job live status map behind polling. One
// mutex guards every operation; critical sections stay short because events
// are appended, never scanned, under the lock.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func New() *Registry {
	return &Registry{jobs: make(map[string]*models.Job)}
}

// CreateJob initializes a queued job with its first event and returns the
// new id. Ids are uuids and never reused across submissions.
func (r *Registry) CreateJob() string {
	id := models.NewJobID()
	now := time.Now().UTC()
	job := &models.Job{
		ID:        id,
		Status:    models.JobStatusQueued,
		Stage:     "queued",
		Message:   "job accepted",
		CreatedAt: now,
		UpdatedAt: now,
		Events: []models.JobEvent{{
			JobID:     id,
			Timestamp: now,
			Stage:     "queued",
			Message:   "job accepted",
		}},
	}

	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()
	return id
}

// MarkRunning transitions a queued job to running.
func (r *Registry) MarkRunning(jobID string) {
	r.update(jobID, func(job *models.Job) {
		job.Status = models.JobStatusRunning
		job.Stage = "running"
		job.Message = "job started"
	})
}

// AppendEvent records one step transition; the job's current stage/message
// always mirror the latest event.
func (r *Registry) AppendEvent(jobID, stage, message string) {
	r.update(jobID, func(job *models.Job) {
		job.Stage = stage
		job.Message = message
	})
}

// Complete marks the job terminally completed with its result envelope.
// Intended to be called at most once; a later call overwrites.
func (r *Registry) Complete(jobID string, result *models.ResultEnvelope) {
	r.update(jobID, func(job *models.Job) {
		job.Status = models.JobStatusCompleted
		job.Stage = "completed"
		job.Message = "job completed"
		job.Result = result
		job.Error = ""
		job.Details = nil
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

// Fail marks the job terminally failed with an error string and optional
// structured details.
func (r *Registry) Fail(jobID string, errMsg string, details map[string]interface{}) {
	r.update(jobID, func(job *models.Job) {
		job.Status = models.JobStatusFailed
		job.Stage = "failed"
		job.Message = errMsg
		job.Error = errMsg
		job.Details = details
		job.Result = nil
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

// Snapshot returns a deep copy of the job's full state, or false for an
// unknown id. The copy never reflects later mutations.
func (r *Registry) Snapshot(jobID string) (models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	out := *job
	out.Events = make([]models.JobEvent, len(job.Events))
	copy(out.Events, job.Events)
	if job.Details != nil {
		out.Details = make(map[string]interface{}, len(job.Details))
		for k, v := range job.Details {
			out.Details[k] = v
		}
	}
	return out, true
}

// Progress returns a closure bound to jobID so the orchestrator can mirror
// every step transition here without knowing registry internals.
func (r *Registry) Progress(jobID string) models.ProgressFunc {
	return func(stage, message string) {
		r.AppendEvent(jobID, stage, message)
	}
}

func (r *Registry) update(jobID string, mutate func(*models.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return
	}
	mutate(job)
	now := time.Now().UTC()
	job.UpdatedAt = now
	job.Events = append(job.Events, models.JobEvent{
		JobID:     jobID,
		Timestamp: now,
		Stage:     job.Stage,
		Message:   job.Message,
	})
}
