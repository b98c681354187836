package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/specguard/specguard/pkg/docker"
	"github.com/specguard/specguard/pkg/models"
	"github.com/specguard/specguard/pkg/store"
)

// StartAnalysisJob registers a queued job and runs the static-analysis
// workflow on its own goroutine, fire-and-forget. The returned id is
// immediately pollable. No concurrency cap is enforced here; bounding the
// number of in-flight jobs is the operator's concern.
func (o *Orchestrator) StartAnalysisJob(req AnalysisRequest) string {
	jobID := o.registry.CreateJob()
	go o.runAsync(jobID, func(ctx context.Context, progress models.ProgressFunc) (*models.ResultEnvelope, []string, error) {
		return o.RunAnalysis(ctx, jobID, req, progress)
	})
	return jobID
}

// StartAssertionJob is the assertion-generation counterpart of
// StartAnalysisJob.
func (o *Orchestrator) StartAssertionJob(req AssertionRequest) string {
	jobID := o.registry.CreateJob()
	go o.runAsync(jobID, func(ctx context.Context, progress models.ProgressFunc) (*models.ResultEnvelope, []string, error) {
		return o.RunAssertions(ctx, jobID, req, progress)
	})
	return jobID
}

type workflowFunc func(ctx context.Context, progress models.ProgressFunc) (*models.ResultEnvelope, []string, error)

// runAsync drives one job to a terminal state. Every error from the
// workflow, expected or not, becomes a terminal failed entry carrying the
// message and any captured container output; a poller never observes an
// ambiguous or partial terminal state.
func (o *Orchestrator) runAsync(jobID string, run workflowFunc) {
	ctx := log.With().Str("job", jobID).Logger().WithContext(context.Background())

	o.registry.MarkRunning(jobID)
	o.recordProgress(ctx, jobID, models.JobStatusRunning, store.JobUpdate{Stage: "running", Message: "job started"})

	progress := func(stage, message string) {
		o.registry.AppendEvent(jobID, stage, message)
		o.recordProgress(ctx, jobID, models.JobStatusRunning, store.JobUpdate{Stage: stage, Message: message})
	}

	// the durable record is written before the registry turns terminal, so a
	// poller observing a terminal state can always find the persisted row
	envelope, logs, err := run(ctx, progress)
	if err != nil {
		details := failureDetails(err, logs)
		if o.state != nil {
			if dbErr := o.state.RecordFailure(ctx, jobID, err.Error(), details, store.JobUpdate{
				DockerLogs: logs,
			}); dbErr != nil {
				log.Ctx(ctx).Error().Err(dbErr).Msg("failed to persist job failure")
			}
		}
		o.registry.Fail(jobID, err.Error(), details)
		log.Ctx(ctx).Error().Err(err).Msg("job failed")
		return
	}

	if o.state != nil {
		if dbErr := o.state.RecordCompletion(ctx, jobID, envelope, store.JobUpdate{
			WorkspacePath: nonEmpty(envelope.Artifacts.Workspace),
			OutputPath:    nonEmpty(envelope.Artifacts.Output),
			ConfigPath:    nonEmpty(envelope.Artifacts.Config),
			LogsPath:      nonEmpty(envelope.Artifacts.Log),
			DatabasePath:  nonEmpty(envelope.Artifacts.ResultDB),
		}); dbErr != nil {
			log.Ctx(ctx).Error().Err(dbErr).Msg("failed to persist job completion")
		}
	}
	o.registry.Complete(jobID, envelope)
}

func (o *Orchestrator) recordProgress(ctx context.Context, jobID string, status models.JobStatus, update store.JobUpdate) {
	if o.state == nil {
		return
	}
	if err := o.state.RecordProgress(ctx, jobID, status, update); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to persist job progress")
	}
}

// failureDetails builds the structured details a poller receives next to
// the error string.
func failureDetails(err error, logs []string) map[string]interface{} {
	details := make(map[string]interface{})
	if ee, ok := docker.AsExecutionError(err); ok {
		if ee.Image != "" {
			details["image"] = ee.Image
		}
		details["exit_code"] = ee.ExitCode
		if len(ee.LogTail) > 0 {
			details["log_excerpt"] = ee.LogTail
		}
	}
	if docker.IsNotAvailable(err) {
		details["engine_available"] = false
	}
	if len(logs) > 0 {
		if _, ok := details["log_excerpt"]; !ok {
			details["log_excerpt"] = docker.TailLines(logs, 40)
		}
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
