package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/specguard/specguard/pkg/analysis"
	"github.com/specguard/specguard/pkg/docker"
	"github.com/specguard/specguard/pkg/models"
	"github.com/specguard/specguard/pkg/results"
	"github.com/specguard/specguard/pkg/workspace"
)

const (
	projectSubdir  = "project"
	dockerfileName = "Dockerfile"
)

// RunAnalysis executes the static-analysis workflow synchronously: stage,
// persist uploads, extract, build or reuse the builder image, generate the
// analyzer configuration, run builder then analysis containers, validate
// artifacts between them, extract results. Cleanup always runs unless
// retention is configured and never masks the primary outcome. The captured
// container output is returned alongside the result for failure reporting.
func (o *Orchestrator) RunAnalysis(ctx context.Context, jobID string, req AnalysisRequest, progress models.ProgressFunc) (envelope *models.ResultEnvelope, logs []string, err error) {
	started := time.Now()
	protocol := o.protocol(req.Protocol)
	version := o.version(req.Version)

	if !o.engine.IsAvailable(ctx) {
		return nil, nil, docker.NewNotAvailableError(nil, "container engine unreachable")
	}

	progress("staging", "preparing job workspace")
	paths, err := o.workspaces.Stage(jobID)
	if err != nil {
		return nil, nil, err
	}
	defer o.workspaces.Cleanup(paths)

	capture := func(line string) {
		logs = append(logs, line)
		progress("docker", line)
	}

	progress("uploading", "persisting uploaded files")
	codePath := filepath.Join(paths.WorkspaceDir, req.CodeFilename)
	if err := o.persistUpload(codePath, req.CodeArchive, "code archive"); err != nil {
		return nil, nil, err
	}
	if req.RuleFile != nil {
		rulePath := filepath.Join(paths.WorkspaceDir, o.settings.Artifacts.RuleFile)
		if err := o.persistUpload(rulePath, req.RuleFile, "rule file"); err != nil {
			return nil, nil, err
		}
	}
	var dockerfile string
	if req.Dockerfile != nil {
		dockerfile = filepath.Join(paths.WorkspaceDir, dockerfileName)
		if err := o.persistUpload(dockerfile, req.Dockerfile, "builder descriptor"); err != nil {
			return nil, nil, err
		}
	}

	progress("extracting", "extracting code archive")
	projectDir := filepath.Join(paths.WorkspaceDir, projectSubdir)
	if err := o.workspaces.ExtractArchive(codePath, projectDir); err != nil {
		return nil, nil, err
	}
	if err := requireNonEmptyDir(projectDir, "extracted project"); err != nil {
		return nil, nil, err
	}

	builderImage := o.settings.BuilderImage
	if dockerfile != "" {
		builderImage = fmt.Sprintf("specguard-build-%s", jobID)
		progress("building_image", fmt.Sprintf("building builder image %s", builderImage))
		proxy := docker.DetectLocalProxy()
		if _, err := o.engine.BuildImage(ctx, paths.WorkspaceDir, dockerfileName, builderImage, proxy, capture); err != nil {
			return nil, logs, err
		}
		defer func() {
			if !o.settings.KeepImages {
				o.engine.RemoveImage(context.Background(), builderImage)
			}
		}()
	}

	progress("configuring", "writing analyzer configuration")
	if req.ConfigDescriptor != nil {
		if err := o.persistUpload(paths.ConfigFile, req.ConfigDescriptor, "config descriptor"); err != nil {
			return nil, logs, err
		}
	} else {
		doc := analysis.BuildDocument(o.settings, analysis.DocumentParams{
			ProjectName:      req.CodeFilename,
			Protocol:         protocol,
			Version:          version,
			ExtraPacketTypes: req.ExtraPacketTypes,
		})
		if err := analysis.WriteDocument(doc, paths.ConfigFile); err != nil {
			return nil, logs, workspace.WrapError(err, "writing analyzer configuration")
		}
	}

	progress("building", "running builder container")
	if _, err := o.engine.RunContainer(ctx, docker.RunSpec{
		Image:     builderImage,
		Command:   o.settings.BuilderCommand,
		Workspace: paths.WorkspaceDir,
		Output:    paths.OutputDir,
		Env:       docker.AllowedEnv(o.settings.EnvAllowList),
		Network:   o.settings.NetworkName,
		LogPath:   paths.LogFile,
		Sink:      capture,
	}); err != nil {
		return nil, logs, err
	}

	progress("validating", "checking build artifacts")
	if err := analysis.ValidateArtifacts(paths.WorkspaceDir, o.settings.Artifacts); err != nil {
		return nil, logs, workspace.WrapError(err, "build artifacts incomplete")
	}

	progress("analyzing", "running analysis container")
	analysisLogs, err := o.engine.RunContainer(ctx, docker.RunSpec{
		Image:     o.settings.AnalysisImage,
		Command:   o.settings.AnalysisCommand,
		Workspace: paths.WorkspaceDir,
		Output:    paths.OutputDir,
		Config:    paths.ConfigDir,
		Env:       docker.AllowedEnv(o.settings.EnvAllowList),
		Network:   o.settings.NetworkName,
		LogPath:   paths.LogFile,
		Timeout:   o.settings.AnalysisTimeout(),
		Sink:      capture,
	})
	if err != nil {
		return nil, logs, err
	}

	progress("collecting", "extracting analysis results")
	extraction, err := results.Collect(paths, o.settings.Artifacts.ResultDir, protocol, version, analysisLogs)
	if err != nil {
		return nil, logs, err
	}

	log.Ctx(ctx).Info().Str("job", jobID).Int("verdicts", len(extraction.Verdicts)).
		Str("overall", string(extraction.Summary.Overall)).Msg("analysis completed")

	envelope = &models.ResultEnvelope{
		JobID:    jobID,
		Protocol: protocol,
		Version:  version,
		Model:    o.settings.Model,
		CodeFile: req.CodeFilename,
		RuleFile: req.RuleFilename,
		Summary:  extraction.Summary,
		Verdicts: extraction.Verdicts,
		Artifacts: models.ArtifactPaths{
			Workspace: paths.WorkspaceDir,
			Output:    paths.OutputDir,
			Config:    paths.ConfigFile,
			Log:       paths.LogFile,
			ResultDB:  extraction.StorePath,
		},
		Duration: time.Since(started),
	}
	return envelope, logs, nil
}

func (o *Orchestrator) persistUpload(destPath string, src io.Reader, label string) error {
	if src == nil {
		return workspace.NewError("missing %s upload", label)
	}
	if err := o.workspaces.WriteStream(destPath, src); err != nil {
		return err
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return workspace.WrapError(err, "persisting %s", label)
	}
	if info.Size() == 0 {
		return workspace.NewError("uploaded %s is empty", label)
	}
	return nil
}

func requireNonEmptyDir(dir, label string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return workspace.WrapError(err, "reading %s", label)
	}
	if len(entries) == 0 {
		return workspace.NewError("%s contains no files", label)
	}
	return nil
}
